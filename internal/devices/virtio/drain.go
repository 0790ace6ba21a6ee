package virtio

import "errors"

// ErrDeferred is returned by a chain processor that handed the chain back
// with UndoPop because the backend cannot take it yet. Draining stops and
// the worker retries once the backend is ready.
var ErrDeferred = errors.New("virtio: chain deferred")

// DrainResult summarises one DrainLoop call.
type DrainResult struct {
	Processed int
	Deferred  bool
	// Notify is set when the driver wants an interrupt for the retired
	// chains.
	Notify bool
}

// DrainLoop retires every available chain using the
// disable / drain / enable-and-recheck protocol, so a chain the driver adds
// while notifications are off is never stranded. process must call AddUsed
// exactly once for the chain, or UndoPop and return ErrDeferred.
func DrainLoop(q *Queue, process func(c *Chain) error) (DrainResult, error) {
	var res DrainResult
	startUsed := q.nextUsed
drain:
	for {
		if err := q.DisableNotification(); err != nil {
			return res, err
		}
		for {
			c, err := q.Pop()
			if err != nil {
				return res, err
			}
			if c == nil {
				break
			}
			if err := process(c); err != nil {
				if errors.Is(err, ErrDeferred) {
					res.Deferred = true
					break drain
				}
				return res, err
			}
			res.Processed++
		}
		more, err := q.EnableNotification()
		if err != nil {
			return res, err
		}
		if !more {
			break
		}
	}

	if q.nextUsed != startUsed {
		notify, err := q.NeedsNotification()
		if err != nil {
			return res, err
		}
		res.Notify = notify
	}
	return res, nil
}

package netbackend

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/tinyrange/ccvmm/internal/pcap"
)

// Capture records every frame crossing a backend, in both directions.
// Frames a write did not deliver are not recorded.
type Capture struct {
	Backend
	w *pcap.Writer
}

// NewCapture wraps b and writes its traffic to a pcap file at path.
func NewCapture(b Backend, path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("netbackend: create capture: %w", err)
	}
	w, err := pcap.NewWriter(f, MaxFrame, pcap.LinkTypeEthernet)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Capture{Backend: b, w: w}, nil
}

func (c *Capture) ReadFrame(p []byte) (int, error) {
	n, err := c.Backend.ReadFrame(p)
	if err == nil {
		c.record(p[:n])
	}
	return n, err
}

func (c *Capture) WriteFrame(p []byte) error {
	if err := c.Backend.WriteFrame(p); err != nil {
		return err
	}
	c.record(p)
	return nil
}

// record drops the frame when the capture file fails; traffic is never
// held up by it.
func (c *Capture) record(frame []byte) {
	_ = c.w.WritePacket(frame)
}

// Close closes the backend and the capture file.
func (c *Capture) Close() error {
	var result *multierror.Error
	if err := c.Backend.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.w.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

package hv

import "sync"

// Slot holds the single virtual machine a process may own. Backends whose
// host API allows one VM per process keep one Slot and route creation and
// teardown through it.
type Slot struct {
	mu sync.Mutex
	vm VM
}

// Create runs create while holding the slot and stores its result. It
// fails with ErrVMExists if the slot is occupied.
func (s *Slot) Create(create func() (VM, error)) (VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vm != nil {
		return nil, ErrVMExists
	}
	vm, err := create()
	if err != nil {
		return nil, err
	}
	s.vm = vm
	return vm, nil
}

// Release empties the slot if it still holds vm.
func (s *Slot) Release(vm VM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vm == vm {
		s.vm = nil
	}
}

// Current returns the VM in the slot, or nil.
func (s *Slot) Current() VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vm
}

package netif

import "sync"

// StaticEnumerator returns a fixed, replaceable set of interfaces.
type StaticEnumerator struct {
	mu     sync.Mutex
	ifaces []Interface
	err    error
}

func NewStaticEnumerator(ifaces ...Interface) *StaticEnumerator {
	return &StaticEnumerator{ifaces: ifaces}
}

func (e *StaticEnumerator) Set(ifaces ...Interface) {
	e.mu.Lock()
	e.ifaces = ifaces
	e.err = nil
	e.mu.Unlock()
}

func (e *StaticEnumerator) SetError(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *StaticEnumerator) Interfaces() ([]Interface, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return nil, e.err
	}
	return append([]Interface(nil), e.ifaces...), nil
}

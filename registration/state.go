package registration

import (
	"encoding/json"
	"fmt"
	"sync"
)

type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopping
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is a snapshot of the registration lifecycle. BoundAddress is set only
// while running, Reason only when failed.
type State struct {
	Phase        Phase
	BoundAddress string
	Reason       error
}

func NotStarted() State { return State{Phase: PhaseNotStarted} }
func Starting() State   { return State{Phase: PhaseStarting} }
func Stopping() State   { return State{Phase: PhaseStopping} }

func Running(address string) State {
	return State{Phase: PhaseRunning, BoundAddress: address}
}

func Failed(reason error) State {
	return State{Phase: PhaseFailed, Reason: reason}
}

func (s State) IsRunning() bool {
	return s.Phase == PhaseRunning
}

// IsStarted reports whether the coordinator is meant to advertise, that is any
// phase but NotStarted and Stopping. A Failed coordinator is still started.
func (s State) IsStarted() bool {
	return s.Phase != PhaseNotStarted && s.Phase != PhaseStopping
}

func (s State) Equal(other State) bool {
	if s.Phase != other.Phase || s.BoundAddress != other.BoundAddress {
		return false
	}

	if (s.Reason == nil) != (other.Reason == nil) {
		return false
	}
	return s.Reason == nil || s.Reason.Error() == other.Reason.Error()
}

func (s State) String() string {
	switch s.Phase {
	case PhaseRunning:
		return fmt.Sprintf("running(%s)", s.BoundAddress)
	case PhaseFailed:
		return fmt.Sprintf("failed(%v)", s.Reason)
	default:
		return s.Phase.String()
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	var reason string
	if s.Reason != nil {
		reason = s.Reason.Error()
	}

	return json.Marshal(struct {
		Phase        string `json:"phase"`
		BoundAddress string `json:"bound_address,omitempty"`
		Reason       string `json:"reason,omitempty"`
	}{s.Phase.String(), s.BoundAddress, reason})
}

// broadcaster fans out state transitions. Every subscriber has its own unbounded
// queue drained by a dedicated goroutine, publishing never blocks.
type broadcaster struct {
	mu      sync.Mutex
	current State
	subs    map[*subscriber]struct{}
}

type subscriber struct {
	mu     sync.Mutex
	queue  []State
	notify chan struct{}
	quit   chan struct{}
	once   sync.Once
	out    chan State
}

func newBroadcaster(initial State) *broadcaster {
	return &broadcaster{current: initial, subs: map[*subscriber]struct{}{}}
}

func (b *broadcaster) get() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// publish records s as the current state and reports whether it differs from the previous one.
func (b *broadcaster) publish(s State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current.Equal(s) {
		return false
	}

	b.current = s
	for sub := range b.subs {
		sub.push(s)
	}
	return true
}

func (b *broadcaster) subscribe() (<-chan State, func()) {
	sub := &subscriber{
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		out:    make(chan State),
	}

	b.mu.Lock()
	sub.push(b.current)
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()

	return sub.out, func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()

		sub.once.Do(func() { close(sub.quit) })
	}
}

func (s *subscriber) push(state State) {
	s.mu.Lock()
	s.queue = append(s.queue, state)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()

			select {
			case <-s.notify:
				continue
			case <-s.quit:
				return
			}
		}

		state := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- state:
		case <-s.quit:
			return
		}
	}
}

package responder

import (
	"fmt"

	mdnsd "github.com/devgianlu/go-mdnsd"
)

type State int32

const (
	StateProbing State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ListenerHost is implemented by responders that let their query listener be replaced.
type ListenerHost interface {
	// SetState changes the lifecycle state and returns the previous one. While closing,
	// listener failures do not trigger a socket recovery.
	SetState(state State) State
	// CloseSocket closes the multicast socket and waits for its listener to exit.
	CloseSocket() error
	// OpenSocket opens a fresh multicast socket without starting a listener on it.
	OpenSocket() error
	// InstallListener starts l on the open socket.
	InstallListener(l Listener) error
}

// LegacyUnicastPatcher replaces the listener of a freshly created responder with
// one answering legacy unicast queries with a direct reply.
type LegacyUnicastPatcher struct {
	log mdnsd.Logger
}

func NewLegacyUnicastPatcher(log mdnsd.Logger) *LegacyUnicastPatcher {
	return &LegacyUnicastPatcher{log: mdnsd.LoggerOrNull(log)}
}

// Apply must be called before any service is registered on h. A failure leaves the
// responder with whatever socket state the failing step produced, the caller is
// expected to log it and carry on.
func (p *LegacyUnicastPatcher) Apply(h Handle) error {
	host, ok := h.(ListenerHost)
	if !ok {
		return fmt.Errorf("%w: %w", ErrPatchApplication, ErrPatchUnsupported)
	}

	prev := host.SetState(StateClosing)

	if err := host.CloseSocket(); err != nil {
		return fmt.Errorf("%w: failed closing socket: %w", ErrPatchApplication, err)
	}

	if err := host.OpenSocket(); err != nil {
		return fmt.Errorf("%w: failed opening socket: %w", ErrPatchApplication, err)
	}

	host.SetState(prev)

	if err := host.InstallListener(NewLegacyUnicastListener()); err != nil {
		return fmt.Errorf("%w: failed installing listener: %w", ErrPatchApplication, err)
	}

	p.log.Debugf("legacy unicast listener installed")
	return nil
}

package locks

import (
	"errors"
	"fmt"
	"sync"

	mdnsd "github.com/devgianlu/go-mdnsd"
	"go.uber.org/multierr"
)

var ErrLockAcquisition = errors.New("lock acquisition failed")

const (
	WakeLockName      = "mdnsd::wake"
	MulticastLockName = "mdnsd::multicast"
)

// Lock is a single OS-level resource hold. Implementations are not reference counted:
// acquiring twice needs a single release.
type Lock interface {
	Acquire() error
	Release() error
	Held() bool
}

// Factory creates the OS handle for a lock, it is invoked lazily on first acquisition.
type Factory func(name string) (Lock, error)

type Options struct {
	// Log is the logger to use, leave nil to discard logs.
	Log mdnsd.Logger
	// Wake creates the CPU-wake assertion, leave nil for a NoopLock.
	Wake Factory
	// Multicast creates the multicast reception hold, leave nil for a NoopLock.
	Multicast Factory
}

// Manager keeps the processor awake and multicast reception enabled while the
// advertisement is live. Acquire and Release can be called in any order and
// multiplicity, only one logical hold per lock kind is tracked.
type Manager struct {
	log mdnsd.Logger

	mu    sync.Mutex
	holds [2]*hold
}

type hold struct {
	name    string
	factory Factory
	lock    Lock
}

func NewManager(opts Options) *Manager {
	wake, multicast := opts.Wake, opts.Multicast
	if wake == nil {
		wake = NewNoopLock
	}
	if multicast == nil {
		multicast = NewNoopLock
	}

	return &Manager{
		log: mdnsd.LoggerOrNull(opts.Log),
		holds: [2]*hold{
			{name: WakeLockName, factory: wake},
			{name: MulticastLockName, factory: multicast},
		},
	}
}

func (h *hold) acquire(log mdnsd.Logger) error {
	if h.lock == nil {
		lock, err := h.factory(h.name)
		if err != nil {
			return fmt.Errorf("failed creating %s: %w", h.name, err)
		}

		h.lock = lock
	}

	if h.lock.Held() {
		return nil
	}

	log.Debugf("acquiring %s", h.name)
	if err := h.lock.Acquire(); err != nil {
		return fmt.Errorf("failed acquiring %s: %w", h.name, err)
	}

	return nil
}

func (h *hold) release(log mdnsd.Logger) {
	if h.lock == nil {
		return
	}

	if h.lock.Held() {
		log.Debugf("releasing %s", h.name)
		if err := h.lock.Release(); err != nil {
			log.WithError(err).Errorf("failed releasing %s", h.name)
		}
	}

	// drop the handle, a new one is created on the next acquisition
	h.lock = nil
}

// Acquire takes both holds. Every hold is attempted, the returned error wraps
// ErrLockAcquisition and lists all the holds that could not be taken.
func (m *Manager) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for _, h := range m.holds {
		err = multierr.Append(err, h.acquire(m.log))
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrLockAcquisition, err)
	}

	return nil
}

// Release drops both holds. Errors are logged and never returned.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.holds {
		h.release(m.log)
	}
}

// IsHeld reports whether the CPU-wake assertion is currently held.
func (m *Manager) IsHeld() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	wake := m.holds[0]
	return wake.lock != nil && wake.lock.Held()
}

// NoopLock only tracks its own state, it is used where the OS has no equivalent mechanism.
type NoopLock struct {
	held bool
}

func NewNoopLock(string) (Lock, error) {
	return &NoopLock{}, nil
}

func (l *NoopLock) Acquire() error {
	l.held = true
	return nil
}

func (l *NoopLock) Release() error {
	l.held = false
	return nil
}

func (l *NoopLock) Held() bool {
	return l.held
}

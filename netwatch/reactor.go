package netwatch

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/devgianlu/go-mdnsd/registration"
)

// Coordinator is the part of registration.Coordinator the reactor drives.
type Coordinator interface {
	State() registration.State
	Reregister(ctx context.Context, config mdnsd.RegistrationConfig) error
}

// ConfigProvider returns the configuration to re-register with.
type ConfigProvider func() mdnsd.RegistrationConfig

type ReactorOptions struct {
	// Log is the logger to use, leave nil to discard logs.
	Log mdnsd.Logger
	// Monitor delivers connectivity events, required.
	Monitor Monitor
	// Request selects the networks to react to, defaults to DefaultRequest.
	Request *Request
	// Debounce delays re-registration until no event arrived for this long, zero reacts immediately.
	Debounce time.Duration
	// Clock is used for debouncing, leave nil for the wall clock.
	Clock clock.Clock
}

// Reactor re-registers the service when the network it is bound to changes. Events
// are handed to a single worker goroutine, events arriving while a re-registration
// is already pending are merged into it.
type Reactor struct {
	log      mdnsd.Logger
	monitor  Monitor
	request  Request
	debounce time.Duration
	clock    clock.Clock

	mu         sync.Mutex
	attached   bool
	unregister func()
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewReactor creates a detached Reactor.
func NewReactor(opts ReactorOptions) *Reactor {
	r := &Reactor{
		log:      mdnsd.LoggerOrNull(opts.Log),
		monitor:  opts.Monitor,
		request:  DefaultRequest,
		debounce: opts.Debounce,
		clock:    opts.Clock,
	}

	if opts.Request != nil {
		r.request = *opts.Request
	}
	if r.clock == nil {
		r.clock = clock.New()
	}

	return r
}

// Attach starts reacting to connectivity events. A monitor failure is logged and
// leaves the reactor inert, the returned value reports whether it is attached.
func (r *Reactor) Attach(coord Coordinator, provider ConfigProvider) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.attached {
		r.log.Warnf("network reactor already attached")
		return true
	} else if r.monitor == nil {
		r.log.Warnf("no network monitor available, network changes will be ignored")
		return false
	}

	trigger := make(chan struct{}, 1)
	unregister, err := r.monitor.Register(r.request, func(ev Event) {
		if ev.Kind != EventLinkPropertiesChanged && ev.Kind != EventCapabilitiesChanged {
			return
		}

		r.log.Debugf("network %s (%s) changed: %s", ev.Network, ev.Transport, ev.Kind)

		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	if err != nil {
		r.log.WithError(err).Errorf("failed registering network monitor, network changes will be ignored")
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.attached, r.unregister, r.cancel, r.done = true, unregister, cancel, make(chan struct{})

	go r.worker(ctx, coord, provider, trigger, r.done)
	return true
}

func (r *Reactor) worker(ctx context.Context, coord Coordinator, provider ConfigProvider, trigger <-chan struct{}, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
		}

		if r.debounce > 0 && !r.settle(ctx, trigger) {
			return
		}

		if state := coord.State(); !state.IsStarted() {
			r.log.Debugf("ignoring network change while %s", state)
			continue
		}

		if err := coord.Reregister(ctx, provider()); err != nil {
			r.log.WithError(err).Warnf("failed re-registering after network change")
		}
	}
}

// settle waits until no trigger arrived for the debounce window.
func (r *Reactor) settle(ctx context.Context, trigger <-chan struct{}) bool {
	timer := r.clock.Timer(r.debounce)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-trigger:
			timer.Reset(r.debounce)
		case <-timer.C:
			return true
		}
	}
}

// Detach stops reacting to events and waits for an in-flight re-registration. It can
// be called any number of times, attached or not.
func (r *Reactor) Detach() {
	r.mu.Lock()
	if !r.attached {
		r.mu.Unlock()
		return
	}

	unregister, cancel, done := r.unregister, r.cancel, r.done
	r.attached, r.unregister, r.cancel, r.done = false, nil, nil, nil
	r.mu.Unlock()

	unregister()
	cancel()
	<-done
}

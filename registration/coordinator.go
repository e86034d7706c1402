package registration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/devgianlu/go-mdnsd/responder"
	"go.uber.org/multierr"
)

var (
	ErrNoUsableAddress   = errors.New("no usable address")
	ErrResponderCreation = errors.New("failed creating responder")
	ErrRegistration      = errors.New("failed registering service")
)

// AddressSelector picks the address to bind a responder to.
type AddressSelector interface {
	ListInterfaces() []mdnsd.InterfaceDescriptor
	PickAddress(explicit string) (string, bool)
}

// LockManager keeps the OS resources needed to receive multicast traffic.
type LockManager interface {
	Acquire() error
	Release()
	IsHeld() bool
}

// Patcher fixes up a freshly created responder before any service is registered on it.
type Patcher interface {
	Apply(h responder.Handle) error
}

// Options configures a Coordinator.
type Options struct {
	// Log is the logger to use, leave nil to discard logs.
	Log mdnsd.Logger
	// Selector resolves the address to bind to, required.
	Selector AddressSelector
	// Factory creates responders, required.
	Factory responder.Factory
	// Locks is acquired for as long as a responder is live, required.
	Locks LockManager
	// Patcher is applied to every new responder, leave nil to skip.
	Patcher Patcher
	// Metrics collects registration outcomes, leave nil to disable.
	Metrics *Metrics
	// Resolver looks up explicit addresses that are not IP literals, leave nil for net.DefaultResolver.
	Resolver *net.Resolver
}

// Coordinator owns the responder advertising the service and serializes every
// operation changing it. At most one responder is live at any time.
type Coordinator struct {
	log      mdnsd.Logger
	selector AddressSelector
	factory  responder.Factory
	locks    LockManager
	patcher  Patcher
	metrics  *Metrics
	resolver *net.Resolver

	// mu is held for the whole duration of Start, Reregister and Stop
	mu        sync.Mutex
	responder responder.Handle
	config    *mdnsd.RegistrationConfig

	state *broadcaster
}

// NewCoordinator creates a Coordinator in the NotStarted state.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Selector == nil {
		return nil, fmt.Errorf("missing address selector")
	} else if opts.Factory == nil {
		return nil, fmt.Errorf("missing responder factory")
	} else if opts.Locks == nil {
		return nil, fmt.Errorf("missing lock manager")
	}

	c := &Coordinator{
		log:      mdnsd.LoggerOrNull(opts.Log),
		selector: opts.Selector,
		factory:  opts.Factory,
		locks:    opts.Locks,
		patcher:  opts.Patcher,
		metrics:  opts.Metrics,
		resolver: opts.Resolver,
		state:    newBroadcaster(NotStarted()),
	}

	if c.resolver == nil {
		c.resolver = net.DefaultResolver
	}

	return c, nil
}

// Start advertises the service described by config, replacing any live responder.
// A non-nil error is also reflected in a Failed state.
func (c *Coordinator) Start(ctx context.Context, config mdnsd.RegistrationConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.start(ctx, config)
}

// Reregister binds again with config, usually because the network changed. It
// behaves exactly like Start.
func (c *Coordinator) Reregister(ctx context.Context, config mdnsd.RegistrationConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Debugf("re-registering %s", config.InstanceName)
	return c.start(ctx, config)
}

func (c *Coordinator) start(ctx context.Context, config mdnsd.RegistrationConfig) error {
	if err := config.Validate(); err != nil {
		return c.fail(resultRegistration, fmt.Errorf("%w: %w", ErrRegistration, err))
	}

	address, err := c.resolveAddress(ctx, config.ExplicitAddress)
	if err != nil {
		// the previous responder, if any, stays up until an address shows up again
		c.metrics.attempt(resultNoAddress)
		c.metrics.setRunning(false)
		c.setState(Failed(err))

		c.log.WithError(err).Warnf("not registering %s", config.InstanceName)
		return err
	}

	c.setState(Starting())

	if err := c.locks.Acquire(); err != nil {
		c.log.WithError(err).Warnf("continuing without resource locks")
	}

	c.teardownResponder()

	handle, err := c.factory.Create(ctx, address, config.InstanceName)
	if err != nil {
		return c.fail(resultResponder, fmt.Errorf("%w: %w", ErrResponderCreation, err))
	}

	c.responder = handle

	if c.patcher != nil {
		if err := c.patcher.Apply(handle); errors.Is(err, responder.ErrPatchUnsupported) {
			c.log.Debugf("responder does not support the legacy unicast fix")
		} else if err != nil {
			c.log.WithError(err).Warnf("continuing without legacy unicast support")
		}
	}

	service, domain := config.Service()
	desc := responder.ServiceDescriptor{
		Instance: config.InstanceName,
		Service:  service,
		Domain:   domain,
		Port:     config.Port,
		Text:     config.Txt().Strings(),
	}

	if err := handle.RegisterService(ctx, desc); err != nil {
		return c.fail(resultRegistration, fmt.Errorf("%w: %w", ErrRegistration, err))
	}

	c.config = &config
	c.metrics.attempt(resultSuccess)
	c.metrics.setRunning(true)
	c.setState(Running(address.String()))

	c.log.WithFields(mdnsd.Fields{"address": address.String(), "port": config.Port}).
		Infof("registered %s.%s%s", config.InstanceName, service, domain)
	return nil
}

func (c *Coordinator) resolveAddress(ctx context.Context, explicit string) (net.IP, error) {
	address, ok := c.selector.PickAddress(explicit)
	if !ok {
		return nil, ErrNoUsableAddress
	}

	if ip := net.ParseIP(address); ip != nil {
		return ip, nil
	}

	ips, err := c.resolver.LookupIP(ctx, "ip4", address)
	if err != nil {
		return nil, fmt.Errorf("%w: failed resolving %s: %w", ErrNoUsableAddress, address, err)
	} else if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s has no IPv4 address", ErrNoUsableAddress, address)
	}

	return ips[0], nil
}

// fail tears down everything a start attempt left behind and records reason.
func (c *Coordinator) fail(result string, reason error) error {
	c.teardownResponder()
	c.locks.Release()
	c.config = nil

	c.metrics.attempt(result)
	c.metrics.setRunning(false)
	c.setState(Failed(reason))

	c.log.WithError(reason).Errorf("registration failed")
	return reason
}

func (c *Coordinator) teardownResponder() {
	if c.responder == nil {
		return
	}

	h := c.responder
	c.responder = nil

	err := multierr.Append(h.UnregisterAllServices(), h.Close())
	if err != nil {
		c.log.WithError(err).Warnf("failed tearing down responder bound to %s", h.BoundAddress())
	}
}

// Stop withdraws the advertisement and releases every resource. It is safe to
// call at any time and any number of times.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.responder != nil || c.locks.IsHeld() {
		c.setState(Stopping())
	}

	c.teardownResponder()
	c.locks.Release()
	c.config = nil

	c.metrics.setRunning(false)
	c.setState(NotStarted())
}

func (c *Coordinator) setState(s State) {
	if c.state.publish(s) {
		c.log.Debugf("registration state is now %s", s)
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	return c.state.get()
}

// Config returns the configuration currently advertised, if running.
func (c *Coordinator) Config() (mdnsd.RegistrationConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config == nil {
		return mdnsd.RegistrationConfig{}, false
	}
	return *c.config, true
}

// ObserveState streams every state transition, starting with the current state.
// The returned function must be called to release the subscription, the channel
// is closed afterwards.
func (c *Coordinator) ObserveState() (<-chan State, func()) {
	return c.state.subscribe()
}

// GetAvailableInterfaces lists the usable interfaces in priority order.
func (c *Coordinator) GetAvailableInterfaces() []mdnsd.InterfaceDescriptor {
	return c.selector.ListInterfaces()
}

package responder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	mdnsd "github.com/devgianlu/go-mdnsd"
)

const mdnsPort = 5353

var mdnsGroupIPv4 = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: mdnsPort}

var (
	ErrClosed           = errors.New("responder closed")
	ErrUnknownBackend   = errors.New("unknown responder backend")
	ErrNoInterface      = errors.New("address does not belong to any interface")
	ErrPatchApplication = errors.New("legacy unicast patch not applied")
	ErrPatchUnsupported = errors.New("responder does not expose its listener")
)

// ServiceDescriptor is a single DNS-SD service instance to publish.
type ServiceDescriptor struct {
	Instance string
	Service  string
	Domain   string
	Port     int
	Text     []string
}

// Handle is a live responder bound to a single address. The binding is fixed
// at construction, a new address requires a new handle.
type Handle interface {
	RegisterService(ctx context.Context, desc ServiceDescriptor) error
	UnregisterAllServices() error
	Close() error
	BoundAddress() net.IP
}

// Factory constructs responders bound to an address and advertising hostname.
type Factory interface {
	Create(ctx context.Context, address net.IP, hostname string) (Handle, error)
}

type FactoryFunc func(ctx context.Context, address net.IP, hostname string) (Handle, error)

func (f FactoryFunc) Create(ctx context.Context, address net.IP, hostname string) (Handle, error) {
	return f(ctx, address, hostname)
}

// InterfaceResolver finds the interface owning an address.
type InterfaceResolver interface {
	InterfaceFor(address net.IP) (mdnsd.InterfaceDescriptor, bool)
}

type Options struct {
	// Log is the logger to use, leave nil to discard logs.
	Log mdnsd.Logger
	// Interfaces is used to bind responders to the interface owning their address, required.
	Interfaces InterfaceResolver
}

var backends = map[string]func(opts Options) (Factory, error){}

// NewFactory returns the factory for the named backend.
func NewFactory(backend string, opts Options) (Factory, error) {
	newFactory, ok := backends[backend]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}

	if opts.Interfaces == nil {
		return nil, fmt.Errorf("missing interface resolver")
	}

	opts.Log = mdnsd.LoggerOrNull(opts.Log)
	return newFactory(opts)
}

// Backends returns the names of the available backends.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolveInterface(resolver InterfaceResolver, address net.IP) (*net.Interface, error) {
	desc, ok := resolver.InterfaceFor(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoInterface, address)
	}

	iface, err := net.InterfaceByIndex(desc.Index)
	if err != nil {
		return nil, fmt.Errorf("failed getting interface %s: %w", desc.SystemName, err)
	}

	return iface, nil
}

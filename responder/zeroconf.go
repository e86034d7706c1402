package responder

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/grandcat/zeroconf"
)

func init() {
	backends["builtin"] = func(opts Options) (Factory, error) {
		return FactoryFunc(func(_ context.Context, address net.IP, hostname string) (Handle, error) {
			iface, err := resolveInterface(opts.Interfaces, address)
			if err != nil {
				return nil, err
			}

			return &builtinHandle{
				log:      opts.Log.WithField("iface", iface.Name),
				addr:     address,
				iface:    *iface,
				hostname: hostname,
			}, nil
		}), nil
	}
}

// builtinHandle publishes services with the grandcat/zeroconf responder restricted to
// the interface owning the bound address. Every service runs its own responder.
type builtinHandle struct {
	log      mdnsd.Logger
	addr     net.IP
	iface    net.Interface
	hostname string

	mu      sync.Mutex
	servers []*zeroconf.Server
	closed  bool
}

func (h *builtinHandle) RegisterService(_ context.Context, desc ServiceDescriptor) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	domain := strings.TrimSuffix(desc.Domain, ".") + "."
	server, err := zeroconf.RegisterProxy(desc.Instance, desc.Service, domain, desc.Port,
		h.hostname, []string{h.addr.String()}, desc.Text, []net.Interface{h.iface})
	if err != nil {
		return fmt.Errorf("failed registering zeroconf service: %w", err)
	}

	h.servers = append(h.servers, server)
	h.log.Infof("zeroconf responder publishing %s.%s%s", desc.Instance, desc.Service, domain)
	return nil
}

func (h *builtinHandle) UnregisterAllServices() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, server := range h.servers {
		server.Shutdown()
	}

	h.servers = nil
	return nil
}

func (h *builtinHandle) Close() error {
	if err := h.UnregisterAllServices(); err != nil {
		return err
	}

	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *builtinHandle) BoundAddress() net.IP {
	return h.addr
}

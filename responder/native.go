package responder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
)

const (
	recoverDelay = time.Second

	// announceCount and announceInterval follow RFC 6762 section 8.3, the interval
	// doubles after every announcement
	announceCount    = 2
	announceInterval = time.Second
)

func init() {
	backends["native"] = func(opts Options) (Factory, error) {
		return &nativeFactory{log: opts.Log, interfaces: opts.Interfaces, clock: clock.New()}, nil
	}
}

type nativeFactory struct {
	log        mdnsd.Logger
	interfaces InterfaceResolver
	clock      clock.Clock
}

func (f *nativeFactory) Create(ctx context.Context, address net.IP, hostname string) (Handle, error) {
	if address.To4() == nil {
		return nil, fmt.Errorf("native responder supports IPv4 only, got %s", address)
	}

	iface, err := resolveInterface(f.interfaces, address)
	if err != nil {
		return nil, err
	}

	h := &nativeHandle{
		log:      f.log.WithFields(mdnsd.Fields{"address": address.String(), "iface": iface.Name}),
		addr:     address,
		iface:    iface,
		hostname: hostname,
		clock:    f.clock,
		zone:     &zone{},
	}

	sock, err := h.openSocket(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.sock = sock
	h.startListenerLocked(NewMulticastListener())
	h.mu.Unlock()

	h.log.Debugf("native responder bound to %s", iface.Name)
	return h, nil
}

// zone merges the records of all the services registered on a handle.
type zone struct {
	mu       sync.RWMutex
	services []*mdns.MDNSService
}

func (z *zone) Records(q dns.Question) []dns.RR {
	z.mu.RLock()
	defer z.mu.RUnlock()

	var records []dns.RR
	for _, s := range z.services {
		records = append(records, s.Records(q)...)
	}
	return records
}

func (z *zone) add(s *mdns.MDNSService) {
	z.mu.Lock()
	z.services = append(z.services, s)
	z.mu.Unlock()
}

func (z *zone) remove(s *mdns.MDNSService) {
	z.mu.Lock()
	defer z.mu.Unlock()

	for i, ss := range z.services {
		if ss == s {
			z.services = append(z.services[:i], z.services[i+1:]...)
			return
		}
	}
}

func (z *zone) has(s *mdns.MDNSService) bool {
	z.mu.RLock()
	defer z.mu.RUnlock()

	for _, ss := range z.services {
		if ss == s {
			return true
		}
	}
	return false
}

func (z *zone) clear() []*mdns.MDNSService {
	z.mu.Lock()
	defer z.mu.Unlock()

	services := z.services
	z.services = nil
	return services
}

type socket struct {
	raw net.PacketConn
	pc  *ipv4.PacketConn
}

// nativeHandle is a responder owning its own multicast socket. Its listener can be
// replaced through the ListenerHost methods.
type nativeHandle struct {
	log      mdnsd.Logger
	addr     net.IP
	iface    *net.Interface
	hostname string
	clock    clock.Clock

	state atomic.Int32
	zone  *zone

	// mu protects the socket, the listener running on it and the pending announcements
	mu           sync.Mutex
	sock         *socket
	listener     Listener
	listenerDone chan struct{}
	announcing   []*clock.Timer
}

func (h *nativeHandle) openSocket(ctx context.Context) (*socket, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	raw, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", mdnsPort))
	if err != nil {
		return nil, fmt.Errorf("failed listening on mdns port: %w", err)
	}

	pc := ipv4.NewPacketConn(raw)
	if err := pc.JoinGroup(h.iface, mdnsGroupIPv4); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed joining mdns group on %s: %w", h.iface.Name, err)
	}

	if err := pc.SetMulticastInterface(h.iface); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed setting multicast interface %s: %w", h.iface.Name, err)
	}

	// not supported everywhere, without it packets from other interfaces are answered too
	if err := pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		h.log.WithError(err).Debugf("interface control messages not available")
	}

	_ = pc.SetMulticastTTL(255)
	_ = pc.SetMulticastLoopback(true)

	return &socket{raw: raw, pc: pc}, nil
}

func (h *nativeHandle) startListenerLocked(l Listener) {
	sock, done := h.sock, make(chan struct{})
	h.listener, h.listenerDone = l, done

	go func() {
		err := l.Serve(ListenerConfig{Conn: sock.pc, IfIndex: h.iface.Index, Zone: h.zone, Log: h.log})
		close(done)

		if err != nil {
			h.recover(sock, l, err)
		}
	}()
}

// recover reopens a socket whose listener failed, unless the handle is shutting down
// or the socket was already replaced.
func (h *nativeHandle) recover(failed *socket, l Listener, cause error) {
	if !h.recoverable() {
		return
	}

	h.log.WithError(cause).Warnf("mdns listener failed, reopening socket")
	h.clock.Sleep(recoverDelay)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sock != failed || !h.recoverable() {
		return
	}

	_ = failed.raw.Close()
	h.sock, h.listener, h.listenerDone = nil, nil, nil

	sock, err := h.openSocket(context.Background())
	if err != nil {
		h.log.WithError(err).Errorf("failed reopening mdns socket")
		return
	}

	h.sock = sock
	h.startListenerLocked(l)
}

func (h *nativeHandle) recoverable() bool {
	switch h.State() {
	case StateClosing, StateClosed:
		return false
	default:
		return true
	}
}

func (h *nativeHandle) State() State {
	return State(h.state.Load())
}

func (h *nativeHandle) SetState(state State) State {
	return State(h.state.Swap(int32(state)))
}

func (h *nativeHandle) CloseSocket() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closeSocketLocked()
}

func (h *nativeHandle) closeSocketLocked() error {
	if h.sock == nil {
		return nil
	}

	err := h.sock.raw.Close()
	if h.listenerDone != nil {
		<-h.listenerDone
	}

	h.sock, h.listener, h.listenerDone = nil, nil, nil
	return err
}

func (h *nativeHandle) OpenSocket() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sock != nil {
		return errors.New("socket already open")
	}

	sock, err := h.openSocket(context.Background())
	if err != nil {
		return err
	}

	h.sock = sock
	return nil
}

func (h *nativeHandle) InstallListener(l Listener) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sock == nil {
		return errors.New("socket not open")
	} else if h.listenerDone != nil {
		return errors.New("listener already running")
	}

	h.startListenerLocked(l)
	return nil
}

func (h *nativeHandle) fqdn(domain string) string {
	return fmt.Sprintf("%s.%s.", strings.Trim(h.hostname, "."), strings.Trim(domain, "."))
}

func serviceAddr(s *mdns.MDNSService) string {
	return fmt.Sprintf("%s.%s.", strings.Trim(s.Service, "."), strings.Trim(s.Domain, "."))
}

func (h *nativeHandle) RegisterService(_ context.Context, desc ServiceDescriptor) error {
	if !h.recoverable() {
		return ErrClosed
	}

	svc, err := mdns.NewMDNSService(desc.Instance, desc.Service, desc.Domain, h.fqdn(desc.Domain), desc.Port, []net.IP{h.addr}, desc.Text)
	if err != nil {
		return fmt.Errorf("failed creating service records: %w", err)
	}

	h.zone.add(svc)
	if err := h.announce(svc, false); err != nil {
		h.zone.remove(svc)
		return fmt.Errorf("failed announcing service: %w", err)
	}

	h.scheduleAnnouncement(svc, announceCount-1, announceInterval)

	h.state.CompareAndSwap(int32(StateProbing), int32(StateActive))
	h.log.Infof("announced %s.%s on port %d", desc.Instance, serviceAddr(svc), desc.Port)
	return nil
}

// announce sends an unsolicited response with all the records of the service,
// or a goodbye (zero TTL) packet.
func (h *nativeHandle) announce(svc *mdns.MDNSService, goodbye bool) error {
	records := svc.Records(dns.Question{Name: serviceAddr(svc), Qtype: dns.TypePTR, Qclass: dns.ClassINET})
	msg := newResponse(records)
	if goodbye {
		for _, rr := range msg.Answer {
			rr.Header().Ttl = 0
		}
	}

	packed, err := msg.Pack()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sock == nil {
		return errors.New("socket not open")
	}

	_, err = h.sock.pc.WriteTo(packed, nil, mdnsGroupIPv4)
	return err
}

// scheduleAnnouncement repeats the announcement of svc remaining more times, as long
// as it stays registered.
func (h *nativeHandle) scheduleAnnouncement(svc *mdns.MDNSService, remaining int, interval time.Duration) {
	if remaining <= 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.announcing = append(h.announcing, h.clock.AfterFunc(interval, func() {
		if !h.recoverable() || !h.zone.has(svc) {
			return
		}

		if err := h.announce(svc, false); err != nil {
			h.log.WithError(err).Warnf("failed repeating announcement of %s", svc.Instance)
			return
		}

		h.scheduleAnnouncement(svc, remaining-1, 2*interval)
	}))
}

func (h *nativeHandle) stopAnnouncements() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range h.announcing {
		t.Stop()
	}
	h.announcing = nil
}

func (h *nativeHandle) UnregisterAllServices() error {
	h.stopAnnouncements()

	var err error
	for _, svc := range h.zone.clear() {
		err = multierr.Append(err, h.announce(svc, true))
	}
	return err
}

func (h *nativeHandle) Close() error {
	if h.SetState(StateClosing) == StateClosed {
		h.SetState(StateClosed)
		return nil
	}

	h.stopAnnouncements()
	err := h.CloseSocket()
	h.SetState(StateClosed)
	return err
}

func (h *nativeHandle) BoundAddress() net.IP {
	return h.addr
}

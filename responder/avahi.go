package responder

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/godbus/dbus/v5"
)

const (
	avahiService         = "org.freedesktop.Avahi"
	avahiServerPath      = "/"
	avahiServerIface     = "org.freedesktop.Avahi.Server"
	avahiEntryGroupIface = "org.freedesktop.Avahi.EntryGroup"

	avahiProtoInet = int32(0)

	// AVAHI_PUBLISH_NO_REVERSE, the daemon already owns the reverse mapping of its addresses
	avahiPublishNoReverse = uint32(1 << 4)
)

func init() {
	backends["avahi"] = func(opts Options) (Factory, error) {
		return FactoryFunc(func(ctx context.Context, address net.IP, hostname string) (Handle, error) {
			return newAvahiHandle(ctx, opts, address, hostname)
		}), nil
	}
}

// avahiHandle publishes services through avahi-daemon over the system D-Bus, sharing
// the host responder. All records are restricted to the interface owning the bound address.
type avahiHandle struct {
	log      mdnsd.Logger
	addr     net.IP
	ifIndex  int32
	hostname string
	conn     *dbus.Conn
	version  string

	mu     sync.Mutex
	groups []dbus.BusObject
	closed bool
}

func newAvahiHandle(ctx context.Context, opts Options, address net.IP, hostname string) (*avahiHandle, error) {
	if address.To4() == nil {
		return nil, fmt.Errorf("avahi responder supports IPv4 only, got %s", address)
	}

	iface, err := resolveInterface(opts.Interfaces, address)
	if err != nil {
		return nil, err
	}

	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed connecting to system bus: %w", err)
	}

	server := conn.Object(avahiService, avahiServerPath)

	var hostnameAvahi string
	if err := server.CallWithContext(ctx, avahiServerIface+".GetHostName", 0).Store(&hostnameAvahi); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed contacting avahi-daemon: %w", err)
	}

	h := &avahiHandle{
		log:      opts.Log.WithFields(mdnsd.Fields{"address": address.String(), "iface": iface.Name}),
		addr:     address,
		ifIndex:  int32(iface.Index),
		hostname: hostname,
		conn:     conn,
		version:  avahiVersion(server),
	}

	h.log.Debugf("connected to avahi-daemon %s (host %s)", h.version, hostnameAvahi)
	return h, nil
}

func avahiVersion(server dbus.BusObject) string {
	var versionStr string
	if err := server.Call(avahiServerIface+".GetVersionString", 0).Store(&versionStr); err == nil {
		return versionStr
	}

	var apiVersion uint32
	if err := server.Call(avahiServerIface+".GetAPIVersion", 0).Store(&apiVersion); err == nil {
		return fmt.Sprintf("API v%d", apiVersion)
	}

	return "unknown"
}

func (h *avahiHandle) RegisterService(ctx context.Context, desc ServiceDescriptor) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	var groupPath dbus.ObjectPath
	server := h.conn.Object(avahiService, avahiServerPath)
	if err := server.CallWithContext(ctx, avahiServerIface+".EntryGroupNew", 0).Store(&groupPath); err != nil {
		return fmt.Errorf("failed creating entry group: %w", err)
	}

	group := h.conn.Object(avahiService, groupPath)
	domain := strings.TrimSuffix(desc.Domain, ".")
	host := fmt.Sprintf("%s.%s", strings.Trim(h.hostname, "."), domain)

	// the host record is published once, with the first service
	if len(h.groups) == 0 {
		if err := group.CallWithContext(ctx, avahiEntryGroupIface+".AddAddress", 0,
			h.ifIndex, avahiProtoInet, avahiPublishNoReverse, host, h.addr.String()).Err; err != nil {
			_ = group.Call(avahiEntryGroupIface+".Free", 0).Err
			return fmt.Errorf("failed adding address record: %w", err)
		}
	}

	txt := make([][]byte, len(desc.Text))
	for i, t := range desc.Text {
		txt[i] = []byte(t)
	}

	if err := group.CallWithContext(ctx, avahiEntryGroupIface+".AddService", 0,
		h.ifIndex, avahiProtoInet, uint32(0), desc.Instance, desc.Service, domain, host, uint16(desc.Port), txt).Err; err != nil {
		_ = group.Call(avahiEntryGroupIface+".Free", 0).Err
		return fmt.Errorf("failed adding service: %w", err)
	}

	if err := group.CallWithContext(ctx, avahiEntryGroupIface+".Commit", 0).Err; err != nil {
		_ = group.Call(avahiEntryGroupIface+".Free", 0).Err
		return fmt.Errorf("failed committing entry group: %w", err)
	}

	h.groups = append(h.groups, group)
	h.log.Infof("avahi publishing %s.%s.%s", desc.Instance, desc.Service, domain)
	return nil
}

func (h *avahiHandle) UnregisterAllServices() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.freeGroupsLocked()
}

func (h *avahiHandle) freeGroupsLocked() error {
	var firstErr error
	for _, group := range h.groups {
		if err := group.Call(avahiEntryGroupIface+".Free", 0).Err; err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed freeing entry group: %w", err)
		}
	}

	h.groups = nil
	return firstErr
}

func (h *avahiHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	h.closed = true
	err := h.freeGroupsLocked()
	if closeErr := h.conn.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}

func (h *avahiHandle) BoundAddress() net.IP {
	return h.addr
}

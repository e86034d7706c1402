//go:build test_unit

package netif

import (
	"errors"
	"net"
	"testing"

	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iface(name string, index int, addrs ...string) Interface {
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, net.ParseIP(a))
	}
	return Interface{Name: name, DisplayName: name, Index: index, Up: true, Multicast: true, Addrs: ips}
}

func names(ifaces []mdnsd.InterfaceDescriptor) []string {
	out := make([]string, 0, len(ifaces))
	for _, i := range ifaces {
		out = append(out, i.SystemName)
	}
	return out
}

func TestListInterfacesPriorityOrder(t *testing.T) {
	enum := NewStaticEnumerator(
		iface("wlan0", 2, "192.168.1.5"),
		iface("eth0", 3, "10.1.1.1"),
		iface("tun0", 4, "10.0.0.2"),
	)

	s := NewSelector(Options{Enumerator: enum, Priority: mdnsd.PriorityList{"wlan", "eth"}})
	assert.Equal(t, []string{"wlan0", "eth0", "tun0"}, names(s.ListInterfaces()))
}

func TestListInterfacesUnmatchedKeepEnumerationOrder(t *testing.T) {
	enum := NewStaticEnumerator(
		iface("wlan0", 2, "192.168.1.5"),
		iface("tun0", 3, "10.0.0.2"),
		iface("eth0", 4, "10.1.1.1"),
	)

	s := NewSelector(Options{Enumerator: enum, Priority: mdnsd.PriorityList{"tun", "wlan"}})
	assert.Equal(t, []string{"tun0", "wlan0", "eth0"}, names(s.ListInterfaces()))

	addr, ok := s.PickAddress("")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2", addr)

	// nothing matches, enumeration order is preserved
	s.SetPriority(mdnsd.PriorityList{"ppp"})
	assert.Equal(t, []string{"wlan0", "tun0", "eth0"}, names(s.ListInterfaces()))
}

func TestListInterfacesCaseInsensitiveDisplayName(t *testing.T) {
	wifi := iface("en0", 2, "192.168.1.5")
	wifi.DisplayName = "WLAN Adapter"
	enum := NewStaticEnumerator(iface("en1", 3, "10.1.1.1"), wifi)

	s := NewSelector(Options{Enumerator: enum, Priority: mdnsd.PriorityList{"wlan"}})
	assert.Equal(t, []string{"en0", "en1"}, names(s.ListInterfaces()))
}

func TestListInterfacesFiltersUnusable(t *testing.T) {
	down := iface("eth1", 5, "10.9.9.9")
	down.Up = false
	lo := iface("lo", 1, "127.0.0.1")
	lo.Loopback = true

	enum := NewStaticEnumerator(
		lo,
		down,
		iface("wlan0", 2, "127.0.0.2", "fe80::1", "2001:db8::5", "192.168.1.5"),
	)

	s := NewSelector(Options{Enumerator: enum})
	ifaces := s.ListInterfaces()
	require.Len(t, ifaces, 1)
	assert.Equal(t, "192.168.1.5", ifaces[0].IPAddress)
	assert.True(t, ifaces[0].IsUp)
	assert.Equal(t, 2, ifaces[0].Index)

	s = NewSelector(Options{Enumerator: enum, IncludeIPv6: true})
	ifaces = s.ListInterfaces()
	require.Len(t, ifaces, 2)
	assert.Equal(t, "2001:db8::5", ifaces[0].IPAddress)
	assert.Equal(t, "192.168.1.5", ifaces[1].IPAddress)
}

func TestPickAddress(t *testing.T) {
	enum := NewStaticEnumerator()
	s := NewSelector(Options{Enumerator: enum})

	_, ok := s.PickAddress("")
	assert.False(t, ok)

	addr, ok := s.PickAddress("192.0.2.10")
	assert.True(t, ok)
	assert.Equal(t, "192.0.2.10", addr)
}

func TestEnumerationErrorYieldsEmptyList(t *testing.T) {
	enum := NewStaticEnumerator(iface("wlan0", 2, "192.168.1.5"))
	enum.SetError(errors.New("netlink unavailable"))

	s := NewSelector(Options{Enumerator: enum})
	ifaces := s.ListInterfaces()
	assert.NotNil(t, ifaces)
	assert.Empty(t, ifaces)

	_, ok := s.PickAddress("")
	assert.False(t, ok)
}

func TestInterfaceFor(t *testing.T) {
	enum := NewStaticEnumerator(iface("wlan0", 2, "192.168.1.5"), iface("tun0", 7, "10.0.0.2"))
	s := NewSelector(Options{Enumerator: enum})

	desc, ok := s.InterfaceFor(net.ParseIP("10.0.0.2"))
	require.True(t, ok)
	assert.Equal(t, "tun0", desc.SystemName)
	assert.Equal(t, 7, desc.Index)

	_, ok = s.InterfaceFor(net.ParseIP("10.0.0.3"))
	assert.False(t, ok)
}

//go:build test_unit

package netwatch

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/devgianlu/go-mdnsd/netif"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func link(name string, addrs ...string) netif.Interface {
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, net.ParseIP(a))
	}
	return netif.Interface{Name: name, DisplayName: name, Up: true, Multicast: true, Addrs: ips}
}

func TestPollingMonitor(t *testing.T) {
	defer goleak.VerifyNone(t)

	enum := netif.NewStaticEnumerator(link("wlan0", "192.168.1.5"), link("tun0", "10.8.0.2"))
	mock := clock.NewMock()
	m := NewPollingMonitor(PollingOptions{Enumerator: enum, Interval: time.Second, Clock: mock})

	events := make(chan Event, 16)
	unregister, err := m.Register(DefaultRequest, func(ev Event) { events <- ev })
	require.NoError(t, err)
	defer unregister()

	enum.Set(link("wlan0", "192.168.1.6"), link("tun0", "10.8.0.3"), link("eth0", "10.1.1.1"))
	mock.Add(time.Second)

	var got []Event
	timeout := time.After(time.Second)
	for len(got) < 3 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("got only %v", got)
		}
	}

	assert.Equal(t, []Event{
		{Kind: EventAvailable, Network: "eth0", Transport: TransportEthernet, Internet: true},
		{Kind: EventLinkPropertiesChanged, Network: "eth0", Transport: TransportEthernet, Internet: true},
		{Kind: EventLinkPropertiesChanged, Network: "wlan0", Transport: TransportWifi, Internet: true},
	}, got)

	unregister()
	unregister()
}

func TestPollingMonitorEnumerationError(t *testing.T) {
	enum := netif.NewStaticEnumerator()
	enum.SetError(errors.New("netlink unavailable"))

	_, err := NewPollingMonitor(PollingOptions{Enumerator: enum}).Register(DefaultRequest, func(Event) {})
	assert.Error(t, err)
}

func TestDiffSnapshots(t *testing.T) {
	prev := map[string]linkSnapshot{
		"wlan0": {addrs: "192.168.1.5", internet: true},
		"eth0":  {addrs: "fe80::1", internet: false},
	}
	curr := map[string]linkSnapshot{
		"eth0": {addrs: "fe80::1", internet: true},
	}

	assert.Equal(t, []Event{
		{Kind: EventCapabilitiesChanged, Network: "eth0", Transport: TransportEthernet, Internet: true},
		{Kind: EventLost, Network: "wlan0", Transport: TransportWifi, Internet: true},
		{Kind: EventLinkPropertiesChanged, Network: "wlan0", Transport: TransportWifi, Internet: true},
	}, diffSnapshots(prev, curr))

	assert.Empty(t, diffSnapshots(curr, curr))
}

type fakeNMProperties struct {
	connectivity uint32
	primaryType  string
	devices      map[dbus.ObjectPath]netif.Interface
	deviceTypes  map[dbus.ObjectPath]uint32
}

func (p fakeNMProperties) Connectivity() (uint32, error) { return p.connectivity, nil }

func (p fakeNMProperties) PrimaryConnectionType() (string, error) { return p.primaryType, nil }

func (p fakeNMProperties) Device(path dbus.ObjectPath) (string, uint32, error) {
	dev, ok := p.devices[path]
	if !ok {
		return "", 0, errors.New("no such device")
	}
	return dev.Name, p.deviceTypes[path], nil
}

func propsSignal(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{Path: path, Name: propertiesChanged, Body: []interface{}{iface, changed, []string{}}}
}

func TestTranslateSignal(t *testing.T) {
	props := fakeNMProperties{
		connectivity: nmConnectivityFull,
		primaryType:  "802-11-wireless",
		devices:      map[dbus.ObjectPath]netif.Interface{"/org/freedesktop/NetworkManager/Devices/2": {Name: "eth0"}},
		deviceTypes:  map[dbus.ObjectPath]uint32{"/org/freedesktop/NetworkManager/Devices/2": nmDeviceTypeEthernet},
	}

	ev, ok, err := translateSignal(propsSignal(nmPath, nmIface, map[string]dbus.Variant{
		"Connectivity": dbus.MakeVariant(nmConnectivityFull),
	}), props)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Event{Kind: EventCapabilitiesChanged, Network: "802-11-wireless", Transport: TransportWifi, Internet: true}, ev)

	ev, ok, err = translateSignal(propsSignal("/org/freedesktop/NetworkManager/Devices/2", nmDeviceIface, map[string]dbus.Variant{
		"Ip4Config": dbus.MakeVariant(dbus.ObjectPath("/org/freedesktop/NetworkManager/IP4Config/7")),
	}), props)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Event{Kind: EventLinkPropertiesChanged, Network: "eth0", Transport: TransportEthernet, Internet: true}, ev)

	// unrelated properties are ignored
	_, ok, err = translateSignal(propsSignal(nmPath, nmIface, map[string]dbus.Variant{
		"WirelessEnabled": dbus.MakeVariant(true),
	}), props)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = translateSignal(propsSignal("/org/freedesktop/NetworkManager/Devices/9", nmDeviceIface, map[string]dbus.Variant{
		"Ip6Config": dbus.MakeVariant(dbus.ObjectPath("/")),
	}), props)
	assert.Error(t, err)
}

func TestTransportMapping(t *testing.T) {
	assert.Equal(t, TransportCellular, transportForDeviceType(nmDeviceTypeModem))
	assert.Equal(t, TransportOther, transportForDeviceType(14))
	assert.Equal(t, TransportEthernet, transportForConnectionType("802-3-ethernet"))
	assert.Equal(t, TransportCellular, transportForConnectionType("gsm"))
	assert.Equal(t, TransportOther, transportForConnectionType("vpn"))
}

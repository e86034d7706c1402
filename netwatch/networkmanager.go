package netwatch

import (
	"fmt"
	"sync"

	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/godbus/dbus/v5"
)

const (
	nmService         = "org.freedesktop.NetworkManager"
	nmPath            = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmIface           = "org.freedesktop.NetworkManager"
	nmDeviceIface     = "org.freedesktop.NetworkManager.Device"
	propertiesIface   = "org.freedesktop.DBus.Properties"
	propertiesChanged = propertiesIface + ".PropertiesChanged"

	// NM_CONNECTIVITY_FULL
	nmConnectivityFull = uint32(4)

	nmDeviceTypeEthernet = uint32(1)
	nmDeviceTypeWifi     = uint32(2)
	nmDeviceTypeModem    = uint32(8)
)

// nmProperties reads the NetworkManager properties needed to describe an event.
type nmProperties interface {
	Connectivity() (uint32, error)
	PrimaryConnectionType() (string, error)
	Device(path dbus.ObjectPath) (name string, deviceType uint32, err error)
}

type busProperties struct {
	conn *dbus.Conn
}

func (p busProperties) Connectivity() (uint32, error) {
	v, err := p.conn.Object(nmService, nmPath).GetProperty(nmIface + ".Connectivity")
	if err != nil {
		return 0, err
	}

	var connectivity uint32
	if err := v.Store(&connectivity); err != nil {
		return 0, err
	}
	return connectivity, nil
}

func (p busProperties) PrimaryConnectionType() (string, error) {
	v, err := p.conn.Object(nmService, nmPath).GetProperty(nmIface + ".PrimaryConnectionType")
	if err != nil {
		return "", err
	}

	var connType string
	if err := v.Store(&connType); err != nil {
		return "", err
	}
	return connType, nil
}

func (p busProperties) Device(path dbus.ObjectPath) (string, uint32, error) {
	obj := p.conn.Object(nmService, path)

	v, err := obj.GetProperty(nmDeviceIface + ".Interface")
	if err != nil {
		return "", 0, err
	}

	var name string
	if err := v.Store(&name); err != nil {
		return "", 0, err
	}

	v, err = obj.GetProperty(nmDeviceIface + ".DeviceType")
	if err != nil {
		return "", 0, err
	}

	var deviceType uint32
	if err := v.Store(&deviceType); err != nil {
		return "", 0, err
	}

	return name, deviceType, nil
}

func transportForDeviceType(deviceType uint32) Transport {
	switch deviceType {
	case nmDeviceTypeEthernet:
		return TransportEthernet
	case nmDeviceTypeWifi:
		return TransportWifi
	case nmDeviceTypeModem:
		return TransportCellular
	default:
		return TransportOther
	}
}

func transportForConnectionType(connType string) Transport {
	switch connType {
	case "802-3-ethernet":
		return TransportEthernet
	case "802-11-wireless":
		return TransportWifi
	case "gsm", "cdma":
		return TransportCellular
	default:
		return TransportOther
	}
}

// translateSignal maps a PropertiesChanged signal to an event. Global connectivity
// changes are reported for the primary connection, address changes for the device
// that emitted them.
func translateSignal(sig *dbus.Signal, props nmProperties) (Event, bool, error) {
	if sig.Name != propertiesChanged || len(sig.Body) < 2 {
		return Event{}, false, nil
	}

	iface, ok := sig.Body[0].(string)
	if !ok {
		return Event{}, false, nil
	}

	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return Event{}, false, nil
	}

	switch iface {
	case nmIface:
		_, connectivity := changed["Connectivity"]
		_, primary := changed["PrimaryConnectionType"]
		if !connectivity && !primary {
			return Event{}, false, nil
		}

		connType, err := props.PrimaryConnectionType()
		if err != nil {
			return Event{}, false, fmt.Errorf("failed reading primary connection type: %w", err)
		}

		internet, err := hasInternet(props)
		if err != nil {
			return Event{}, false, err
		}

		return Event{
			Kind:      EventCapabilitiesChanged,
			Network:   connType,
			Transport: transportForConnectionType(connType),
			Internet:  internet,
		}, true, nil
	case nmDeviceIface:
		_, ip4 := changed["Ip4Config"]
		_, ip6 := changed["Ip6Config"]
		if !ip4 && !ip6 {
			return Event{}, false, nil
		}

		name, deviceType, err := props.Device(sig.Path)
		if err != nil {
			return Event{}, false, fmt.Errorf("failed reading device %s: %w", sig.Path, err)
		}

		internet, err := hasInternet(props)
		if err != nil {
			return Event{}, false, err
		}

		return Event{
			Kind:      EventLinkPropertiesChanged,
			Network:   name,
			Transport: transportForDeviceType(deviceType),
			Internet:  internet,
		}, true, nil
	default:
		return Event{}, false, nil
	}
}

func hasInternet(props nmProperties) (bool, error) {
	connectivity, err := props.Connectivity()
	if err != nil {
		return false, fmt.Errorf("failed reading connectivity: %w", err)
	}
	return connectivity == nmConnectivityFull, nil
}

// NetworkManagerMonitor subscribes to NetworkManager property changes over the system bus.
type NetworkManagerMonitor struct {
	log mdnsd.Logger
}

// NewNetworkManagerMonitor creates a monitor listening to NetworkManager on the system bus.
func NewNetworkManagerMonitor(log mdnsd.Logger) *NetworkManagerMonitor {
	return &NetworkManagerMonitor{log: mdnsd.LoggerOrNull(log)}
}

func (m *NetworkManagerMonitor) Register(req Request, cb func(Event)) (func(), error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed connecting to system bus: %w", err)
	}

	props := busProperties{conn: conn}
	if _, err := props.Connectivity(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed contacting NetworkManager (is it running?): %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(nmService),
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed subscribing to NetworkManager signals: %w", err)
	}

	signals, done := make(chan *dbus.Signal, 16), make(chan struct{})
	conn.Signal(signals)

	go func() {
		defer close(done)

		// the channel is closed when the connection is
		for sig := range signals {
			ev, ok, err := translateSignal(sig, props)
			if err != nil {
				m.log.WithError(err).Debugf("failed handling NetworkManager signal")
				continue
			} else if !ok || !req.Matches(ev) {
				continue
			}

			m.log.Tracef("network %s (%s): %s", ev.Network, ev.Transport, ev.Kind)
			cb(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = conn.Close()
			<-done
		})
	}, nil
}

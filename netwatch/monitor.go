package netwatch

import (
	"fmt"
	"strings"
	"sync"
)

type Transport int

const (
	TransportOther Transport = iota
	TransportWifi
	TransportCellular
	TransportEthernet
)

func (t Transport) String() string {
	switch t {
	case TransportWifi:
		return "wifi"
	case TransportCellular:
		return "cellular"
	case TransportEthernet:
		return "ethernet"
	default:
		return "other"
	}
}

type EventKind int

const (
	EventAvailable EventKind = iota
	EventLost
	EventLinkPropertiesChanged
	EventCapabilitiesChanged
)

func (k EventKind) String() string {
	switch k {
	case EventAvailable:
		return "available"
	case EventLost:
		return "lost"
	case EventLinkPropertiesChanged:
		return "link_properties_changed"
	case EventCapabilitiesChanged:
		return "capabilities_changed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a connectivity change of a single network.
type Event struct {
	Kind      EventKind
	Network   string
	Transport Transport
	Internet  bool
}

// Request selects the networks a monitor should report on.
type Request struct {
	Transports      []Transport
	RequireInternet bool
}

// DefaultRequest matches wifi, cellular and ethernet networks with internet access.
var DefaultRequest = Request{
	Transports:      []Transport{TransportWifi, TransportCellular, TransportEthernet},
	RequireInternet: true,
}

func (r Request) Matches(ev Event) bool {
	if r.RequireInternet && !ev.Internet {
		return false
	}

	if len(r.Transports) == 0 {
		return true
	}

	for _, t := range r.Transports {
		if t == ev.Transport {
			return true
		}
	}
	return false
}

// Monitor delivers connectivity events for the networks matching a request. Callbacks
// run on a goroutine owned by the monitor and must not block.
type Monitor interface {
	Register(req Request, cb func(Event)) (unregister func(), err error)
}

// TransportForName guesses the transport from a conventional interface name.
func TransportForName(name string) Transport {
	name = strings.ToLower(name)
	for _, prefix := range []string{"wlan", "wlp", "wl", "ath", "ra"} {
		if strings.HasPrefix(name, prefix) {
			return TransportWifi
		}
	}

	for _, prefix := range []string{"rmnet", "wwan", "ccmni", "usb", "ppp"} {
		if strings.HasPrefix(name, prefix) {
			return TransportCellular
		}
	}

	for _, prefix := range []string{"eth", "en", "em"} {
		if strings.HasPrefix(name, prefix) {
			return TransportEthernet
		}
	}

	return TransportOther
}

type monitorRegistration struct {
	req Request
	cb  func(Event)
}

// ManualMonitor delivers events passed to Emit, on the caller goroutine.
type ManualMonitor struct {
	mu   sync.Mutex
	next int
	regs map[int]monitorRegistration
	err  error
}

func NewManualMonitor() *ManualMonitor {
	return &ManualMonitor{regs: map[int]monitorRegistration{}}
}

// SetRegisterError makes the following Register calls fail with err.
func (m *ManualMonitor) SetRegisterError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *ManualMonitor) Register(req Request, cb func(Event)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	id := m.next
	m.next++
	m.regs[id] = monitorRegistration{req: req, cb: cb}

	return func() {
		m.mu.Lock()
		delete(m.regs, id)
		m.mu.Unlock()
	}, nil
}

// Registrations returns the number of active registrations.
func (m *ManualMonitor) Registrations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regs)
}

func (m *ManualMonitor) Emit(ev Event) {
	m.mu.Lock()
	regs := make([]monitorRegistration, 0, len(m.regs))
	for _, r := range m.regs {
		regs = append(regs, r)
	}
	m.mu.Unlock()

	for _, r := range regs {
		if r.req.Matches(ev) {
			r.cb(ev)
		}
	}
}

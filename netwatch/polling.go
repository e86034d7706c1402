package netwatch

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/devgianlu/go-mdnsd/netif"
)

const DefaultPollInterval = 5 * time.Second

type PollingOptions struct {
	// Log is the logger to use, leave nil to discard logs.
	Log mdnsd.Logger
	// Enumerator is the source of interfaces, leave nil to use the system one.
	Enumerator netif.Enumerator
	// Interval between snapshots, defaults to DefaultPollInterval.
	Interval time.Duration
	// Clock is used for the ticker, leave nil for the wall clock.
	Clock clock.Clock
}

// PollingMonitor periodically snapshots the interfaces and reports the ones whose
// state or addresses changed. The transport is inferred from the interface name,
// an interface has internet access if it has a global unicast address.
type PollingMonitor struct {
	log      mdnsd.Logger
	enum     netif.Enumerator
	interval time.Duration
	clock    clock.Clock
}

// NewPollingMonitor creates a monitor comparing interface snapshots every opts.Interval.
func NewPollingMonitor(opts PollingOptions) *PollingMonitor {
	m := &PollingMonitor{
		log:      mdnsd.LoggerOrNull(opts.Log),
		enum:     opts.Enumerator,
		interval: opts.Interval,
		clock:    opts.Clock,
	}

	if m.enum == nil {
		m.enum = netif.SystemEnumerator{}
	}
	if m.interval <= 0 {
		m.interval = DefaultPollInterval
	}
	if m.clock == nil {
		m.clock = clock.New()
	}

	return m
}

type linkSnapshot struct {
	addrs    string
	internet bool
}

func (m *PollingMonitor) snapshot() (map[string]linkSnapshot, error) {
	ifaces, err := m.enum.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make(map[string]linkSnapshot, len(ifaces))
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}

		var internet bool
		addrs := make([]string, 0, len(iface.Addrs))
		for _, ip := range iface.Addrs {
			addrs = append(addrs, ip.String())
			internet = internet || isGlobal(ip)
		}

		sort.Strings(addrs)
		out[iface.Name] = linkSnapshot{addrs: strings.Join(addrs, ","), internet: internet}
	}

	return out, nil
}

func isGlobal(ip net.IP) bool {
	return ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast()
}

func diffSnapshots(prev, curr map[string]linkSnapshot) []Event {
	var events []Event

	for name, old := range prev {
		if _, ok := curr[name]; !ok {
			transport := TransportForName(name)
			events = append(events,
				Event{Kind: EventLost, Network: name, Transport: transport, Internet: old.internet},
				Event{Kind: EventLinkPropertiesChanged, Network: name, Transport: transport, Internet: old.internet},
			)
		}
	}

	for name, snap := range curr {
		old, ok := prev[name]
		if ok && old == snap {
			continue
		}

		transport := TransportForName(name)
		if !ok {
			events = append(events, Event{Kind: EventAvailable, Network: name, Transport: transport, Internet: snap.internet})
		}

		kind := EventLinkPropertiesChanged
		if ok && old.addrs == snap.addrs {
			kind = EventCapabilitiesChanged
		}

		events = append(events, Event{Kind: kind, Network: name, Transport: transport, Internet: snap.internet})
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Network < events[j].Network })
	return events
}

func (m *PollingMonitor) Register(req Request, cb func(Event)) (func(), error) {
	prev, err := m.snapshot()
	if err != nil {
		return nil, err
	}

	ticker := m.clock.Ticker(m.interval)
	stop, done := make(chan struct{}), make(chan struct{})

	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			curr, err := m.snapshot()
			if err != nil {
				m.log.WithError(err).Warnf("failed enumerating interfaces")
				continue
			}

			for _, ev := range diffSnapshots(prev, curr) {
				if req.Matches(ev) {
					m.log.Tracef("network %s: %s", ev.Network, ev.Kind)
					cb(ev)
				}
			}

			prev = curr
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}, nil
}

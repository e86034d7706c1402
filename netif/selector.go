package netif

import (
	"math"
	"net"
	"sync"

	mdnsd "github.com/devgianlu/go-mdnsd"
	"golang.org/x/exp/slices"
)

// Interface is a raw network interface as reported by an Enumerator.
type Interface struct {
	Name        string
	DisplayName string
	Index       int
	Up          bool
	Loopback    bool
	Multicast   bool
	Addrs       []net.IP
}

type Enumerator interface {
	Interfaces() ([]Interface, error)
}

// SystemEnumerator lists the interfaces of the running host.
type SystemEnumerator struct{}

func (SystemEnumerator) Interfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			// the interface might have gone away in the meantime
			continue
		}

		ips := make([]net.IP, 0, len(addrs))
		for _, addr := range addrs {
			switch addr := addr.(type) {
			case *net.IPNet:
				ips = append(ips, addr.IP)
			case *net.IPAddr:
				ips = append(ips, addr.IP)
			}
		}

		out = append(out, Interface{
			Name:        iface.Name,
			DisplayName: iface.Name,
			Index:       iface.Index,
			Up:          iface.Flags&net.FlagUp != 0,
			Loopback:    iface.Flags&net.FlagLoopback != 0,
			Multicast:   iface.Flags&net.FlagMulticast != 0,
			Addrs:       ips,
		})
	}

	return out, nil
}

// Options configures a Selector.
type Options struct {
	// Log is the logger to use, leave nil to discard logs.
	Log mdnsd.Logger
	// Enumerator is the source of interfaces, leave nil to use the system one.
	Enumerator Enumerator
	// Priority is the initial priority list, leave nil to use mdnsd.DefaultPriorityList.
	Priority mdnsd.PriorityList
	// IncludeIPv6 also selects global IPv6 addresses.
	IncludeIPv6 bool
}

// Selector enumerates usable interface addresses and orders them by a priority list.
type Selector struct {
	log         mdnsd.Logger
	enum        Enumerator
	includeIPv6 bool

	priority     mdnsd.PriorityList
	priorityLock sync.RWMutex
}

// NewSelector creates a Selector, using the system interfaces and the default
// priority list unless opts says otherwise.
func NewSelector(opts Options) *Selector {
	s := &Selector{
		log:         mdnsd.LoggerOrNull(opts.Log),
		enum:        opts.Enumerator,
		includeIPv6: opts.IncludeIPv6,
		priority:    opts.Priority,
	}

	if s.enum == nil {
		s.enum = SystemEnumerator{}
	}
	if s.priority == nil {
		s.priority = mdnsd.DefaultPriorityList
	}

	return s
}

func (s *Selector) Priority() mdnsd.PriorityList {
	s.priorityLock.RLock()
	defer s.priorityLock.RUnlock()
	return append(mdnsd.PriorityList(nil), s.priority...)
}

func (s *Selector) SetPriority(list mdnsd.PriorityList) {
	s.priorityLock.Lock()
	s.priority = append(mdnsd.PriorityList(nil), list...)
	s.priorityLock.Unlock()
}

func (s *Selector) usable(ip net.IP) bool {
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		return false
	}

	if ip.To4() != nil {
		return true
	}

	// link-local IPv6 addresses are useless without a zone
	return s.includeIPv6 && !ip.IsLinkLocalUnicast()
}

// ListInterfaces returns one descriptor per usable address, ordered by priority.
// Entries not matching any prefix come last, in enumeration order.
func (s *Selector) ListInterfaces() []mdnsd.InterfaceDescriptor {
	ifaces, err := s.enum.Interfaces()
	if err != nil {
		s.log.WithError(err).Warnf("failed enumerating network interfaces")
		return []mdnsd.InterfaceDescriptor{}
	}

	out := make([]mdnsd.InterfaceDescriptor, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Loopback || !iface.Up {
			continue
		}

		displayName := iface.DisplayName
		if len(displayName) == 0 {
			displayName = iface.Name
		}

		for _, ip := range iface.Addrs {
			if !s.usable(ip) {
				continue
			}

			out = append(out, mdnsd.InterfaceDescriptor{
				DisplayName: displayName,
				SystemName:  iface.Name,
				IPAddress:   ip.String(),
				IsUp:        iface.Up,
				Index:       iface.Index,
			})
		}
	}

	priority := s.Priority()
	rank := func(d mdnsd.InterfaceDescriptor) int {
		if r := priority.Rank(d.SystemName, d.DisplayName); r >= 0 {
			return r
		}
		return math.MaxInt
	}

	slices.SortStableFunc(out, func(a, b mdnsd.InterfaceDescriptor) int {
		ra, rb := rank(a), rank(b)
		switch {
		case ra < rb:
			return -1
		case ra > rb:
			return 1
		default:
			return 0
		}
	})

	return out
}

// PickAddress returns explicit verbatim when it is not empty, otherwise the first
// address of ListInterfaces.
func (s *Selector) PickAddress(explicit string) (string, bool) {
	if len(explicit) > 0 {
		return explicit, true
	}

	ifaces := s.ListInterfaces()
	if len(ifaces) == 0 {
		return "", false
	}

	s.log.Debugf("picked address %s on %s", ifaces[0].IPAddress, ifaces[0].SystemName)
	return ifaces[0].IPAddress, true
}

// InterfaceFor returns the descriptor owning address, regardless of the priority list.
func (s *Selector) InterfaceFor(address net.IP) (mdnsd.InterfaceDescriptor, bool) {
	ifaces, err := s.enum.Interfaces()
	if err != nil {
		s.log.WithError(err).Warnf("failed enumerating network interfaces")
		return mdnsd.InterfaceDescriptor{}, false
	}

	for _, iface := range ifaces {
		for _, ip := range iface.Addrs {
			if !ip.Equal(address) {
				continue
			}

			return mdnsd.InterfaceDescriptor{
				DisplayName: iface.DisplayName,
				SystemName:  iface.Name,
				IPAddress:   ip.String(),
				IsUp:        iface.Up,
				Index:       iface.Index,
			}, true
		}
	}

	return mdnsd.InterfaceDescriptor{}, false
}

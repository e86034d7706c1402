package locks

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
)

var mdnsGroupIPv4 = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251)}

// MulticastMembershipLock keeps the mDNS group joined on every multicast capable
// interface, so that the group stays programmed in the interface filters even while
// the responder socket is being recreated.
type MulticastMembershipLock struct {
	conn   net.PacketConn
	joined []string
}

// NewMulticastMembershipLock is a Factory for MulticastMembershipLock.
func NewMulticastMembershipLock(string) (Lock, error) {
	return &MulticastMembershipLock{}, nil
}

func (l *MulticastMembershipLock) Acquire() error {
	if l.conn != nil {
		return nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("failed listing interfaces: %w", err)
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("failed opening membership socket: %w", err)
	}

	var joinErr error
	pc := ipv4.NewPacketConn(conn)
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		if err := pc.JoinGroup(&iface, mdnsGroupIPv4); err != nil {
			joinErr = multierr.Append(joinErr, fmt.Errorf("%s: %w", iface.Name, err))
			continue
		}

		l.joined = append(l.joined, iface.Name)
	}

	if len(l.joined) == 0 {
		_ = conn.Close()
		if joinErr == nil {
			joinErr = errors.New("no multicast capable interface")
		}
		return fmt.Errorf("failed joining mDNS group: %w", joinErr)
	}

	l.conn = conn
	return nil
}

func (l *MulticastMembershipLock) Release() error {
	if l.conn == nil {
		return nil
	}

	// closing the socket drops all memberships
	err := l.conn.Close()
	l.conn = nil
	l.joined = nil
	return err
}

func (l *MulticastMembershipLock) Held() bool {
	return l.conn != nil
}

// Interfaces returns the names of the interfaces the group is joined on.
func (l *MulticastMembershipLock) Interfaces() []string {
	return append([]string(nil), l.joined...)
}

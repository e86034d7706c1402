//go:build test_unit

package responder

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	mdnsd "github.com/devgianlu/go-mdnsd"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type indexResolver map[string]int

func (r indexResolver) InterfaceFor(address net.IP) (mdnsd.InterfaceDescriptor, bool) {
	idx, ok := r[address.String()]
	return mdnsd.InterfaceDescriptor{IPAddress: address.String(), Index: idx}, ok
}

// newTestHandle binds a native responder to the first interface that can join the
// mdns group, skipping the test when there is none.
func newTestHandle(t *testing.T, clk clock.Clock) *nativeHandle {
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Skipf("cannot list interfaces: %v", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}

			f := &nativeFactory{log: &mdnsd.NullLogger{}, interfaces: indexResolver{ipnet.IP.String(): iface.Index}, clock: clk}
			h, err := f.Create(context.Background(), ipnet.IP, "sillytavern")
			if err != nil {
				t.Logf("cannot bind to %s: %v", iface.Name, err)
				continue
			}

			return h.(*nativeHandle)
		}
	}

	t.Skip("no interface can join the mdns group")
	return nil
}

func (h *nativeHandle) currentSocket() *socket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sock
}

// flakyListener fails its first run and serves normally afterwards.
type flakyListener struct {
	serves atomic.Int32
}

func (l *flakyListener) Serve(cfg ListenerConfig) error {
	if l.serves.Add(1) == 1 {
		return errors.New("interface went away")
	}
	return NewMulticastListener().Serve(cfg)
}

func testDescriptor() ServiceDescriptor {
	return ServiceDescriptor{Instance: "sillytavern", Service: "_http._tcp", Domain: "local.", Port: 8000, Text: []string{"path=/"}}
}

// readAnnouncement waits for a response carrying a PTR record to instance.
func readAnnouncement(t *testing.T, sock *socket, instance string, wait time.Duration) bool {
	require.NoError(t, sock.raw.SetReadDeadline(time.Now().Add(wait)))

	buf := make([]byte, 65536)
	for {
		n, _, err := sock.raw.ReadFrom(buf)
		if err != nil {
			return false
		}

		var msg dns.Msg
		if msg.Unpack(buf[:n]) != nil || !msg.Response {
			continue
		}

		for _, rr := range msg.Answer {
			if ptr, ok := rr.(*dns.PTR); ok && strings.HasPrefix(ptr.Ptr, instance+".") && rr.Header().Ttl > 0 {
				return true
			}
		}
	}
}

func TestNativePatchReplacesListener(t *testing.T) {
	h := newTestHandle(t, clock.New())
	defer h.Close()

	before := h.currentSocket()
	require.NoError(t, NewLegacyUnicastPatcher(nil).Apply(h))

	h.mu.Lock()
	sock, l := h.sock, h.listener
	h.mu.Unlock()

	assert.NotSame(t, before, sock)
	assert.True(t, isLegacyListener(l))
	assert.Equal(t, StateProbing, h.State())

	require.NoError(t, h.RegisterService(context.Background(), testDescriptor()))
	assert.Equal(t, StateActive, h.State())
}

func TestNativeListenerHostGuards(t *testing.T) {
	h := newTestHandle(t, clock.New())
	defer h.Close()

	assert.EqualError(t, h.OpenSocket(), "socket already open")
	assert.EqualError(t, h.InstallListener(NewLegacyUnicastListener()), "listener already running")

	require.NoError(t, h.CloseSocket())
	require.NoError(t, h.CloseSocket())
	assert.EqualError(t, h.InstallListener(NewLegacyUnicastListener()), "socket not open")

	require.NoError(t, h.OpenSocket())
	require.NoError(t, h.InstallListener(NewLegacyUnicastListener()))
}

func TestNativeRecoversFailedListener(t *testing.T) {
	mock := clock.NewMock()
	h := newTestHandle(t, mock)
	defer h.Close()

	h.SetState(StateActive)
	require.NoError(t, h.CloseSocket())
	require.NoError(t, h.OpenSocket())
	failed := h.currentSocket()

	l := &flakyListener{}
	require.NoError(t, h.InstallListener(l))

	require.Eventually(t, func() bool {
		mock.Add(recoverDelay)
		return l.serves.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.NotSame(t, failed, h.currentSocket())
	assert.NotNil(t, h.currentSocket())
}

func TestNativeNoRecoveryWhileClosing(t *testing.T) {
	mock := clock.NewMock()
	h := newTestHandle(t, mock)

	require.NoError(t, h.CloseSocket())
	require.NoError(t, h.OpenSocket())
	h.SetState(StateClosing)
	sock := h.currentSocket()

	l := &flakyListener{}
	require.NoError(t, h.InstallListener(l))

	h.mu.Lock()
	done := h.listenerDone
	h.mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "listener did not exit")
	}

	assert.Never(t, func() bool {
		mock.Add(recoverDelay)
		return l.serves.Load() > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Same(t, sock, h.currentSocket())

	require.NoError(t, h.Close())
}

func TestNativeCloseIsIdempotent(t *testing.T) {
	h := newTestHandle(t, clock.New())

	require.NoError(t, h.Close())
	assert.Equal(t, StateClosed, h.State())
	assert.Nil(t, h.currentSocket())

	require.NoError(t, h.Close())
	assert.Equal(t, StateClosed, h.State())

	assert.ErrorIs(t, h.RegisterService(context.Background(), testDescriptor()), ErrClosed)
}

func TestNativeRepeatsAnnouncement(t *testing.T) {
	mock := clock.NewMock()
	h := newTestHandle(t, mock)
	defer h.Close()

	recv, err := h.openSocket(context.Background())
	require.NoError(t, err)
	defer recv.raw.Close()

	require.NoError(t, h.RegisterService(context.Background(), testDescriptor()))
	if !readAnnouncement(t, recv, "sillytavern", time.Second) {
		t.Skip("multicast loopback not delivered")
	}

	mock.Add(announceInterval)
	assert.True(t, readAnnouncement(t, recv, "sillytavern", 2*time.Second))

	require.NoError(t, h.UnregisterAllServices())

	h.mu.Lock()
	assert.Empty(t, h.announcing)
	h.mu.Unlock()
}

package locks

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	logindService      = "org.freedesktop.login1"
	logindPath         = "/org/freedesktop/login1"
	logindManagerIface = "org.freedesktop.login1.Manager"
)

// InhibitorLock is a CPU-wake assertion backed by a systemd-logind inhibitor.
// The inhibition lasts as long as the returned file descriptor is open.
type InhibitorLock struct {
	who  string
	why  string
	what string

	fd *os.File
}

// NewInhibitorLock is a Factory for logind "sleep:idle" block inhibitors.
func NewInhibitorLock(name string) (Lock, error) {
	return &InhibitorLock{
		who:  name,
		why:  "Keep the mDNS advertisement reachable",
		what: "sleep:idle",
	}, nil
}

func (l *InhibitorLock) Acquire() error {
	if l.fd != nil {
		return nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}

	var fd dbus.UnixFD
	obj := conn.Object(logindService, logindPath)
	if err := obj.Call(logindManagerIface+".Inhibit", 0, l.what, l.who, l.why, "block").Store(&fd); err != nil {
		return fmt.Errorf("failed taking logind inhibitor: %w", err)
	}

	l.fd = os.NewFile(uintptr(fd), "inhibitor:"+l.who)
	return nil
}

func (l *InhibitorLock) Release() error {
	if l.fd == nil {
		return nil
	}

	err := l.fd.Close()
	l.fd = nil
	return err
}

func (l *InhibitorLock) Held() bool {
	return l.fd != nil
}

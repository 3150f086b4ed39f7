package pulse

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	coreIface = "org.PulseAudio.Core1"
	corePath  = "/org/pulseaudio/core1"

	lookupName  = "org.PulseAudio1"
	lookupPath  = "/org/pulseaudio/server_lookup1"
	lookupIface = "org.PulseAudio.ServerLookup1"

	systemSocket = "/run/pulse/dbus-socket"

	errServiceUnknown = "org.freedesktop.DBus.Error.ServiceUnknown"
)

// ServerAddress resolves the D-Bus address of the PulseAudio server:
// PULSE_DBUS_SERVER wins, then the well-known system-wide socket, then the
// ServerLookup1 object on the session bus. With autostart set, a lookup
// failing because no server is registered starts one and retries once.
func ServerAddress(autostart bool) (string, error) {
	if addr := os.Getenv("PULSE_DBUS_SERVER"); addr != "" {
		return addr, nil
	}
	if unix.Access(systemSocket, unix.R_OK|unix.W_OK) == nil {
		return "unix:path=" + systemSocket, nil
	}

	addr, err := lookupAddress()
	if err == nil {
		return addr, nil
	}
	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) || dbusErr.Name != errServiceUnknown || !autostart {
		return "", err
	}
	if err := startServer(); err != nil {
		return "", err
	}
	// "pulseaudio --start" returns before the server is reachable.
	time.Sleep(time.Second)
	return lookupAddress()
}

func lookupAddress() (string, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return "", fmt.Errorf("session bus: %w", err)
	}
	v, err := conn.Object(lookupName, lookupPath).GetProperty(lookupIface + ".Address")
	if err != nil {
		return "", err
	}
	var addr string
	if err := v.Store(&addr); err != nil {
		return "", fmt.Errorf("server address property: %w", err)
	}
	return addr, nil
}

func startServer() error {
	cmd := exec.Command("pulseaudio", "--start", "--log-target=syslog")
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run()
}

// Package pulse talks to a PulseAudio server over its D-Bus control
// interface: topology enumeration, per-object volume/mute/property access,
// and change notifications.
package pulse

import "github.com/godbus/dbus/v5"

// Kind distinguishes the two controllable object types. Devices sort
// before streams in the mixer listing.
type Kind int

const (
	KindDevice Kind = iota
	KindStream
)

func (k Kind) String() string {
	if k == KindDevice {
		return "Device"
	}
	return "Stream"
}

// iface returns the Core1 interface implemented by objects of this kind.
// Sinks implement Core1.Device.
func (k Kind) iface() string {
	return coreIface + "." + k.String()
}

// Op identifies a topology change observed on the server.
type Op int

const (
	StreamAdded Op = iota
	StreamRemoved
	DeviceAdded
	DeviceRemoved
)

func (o Op) String() string {
	switch o {
	case StreamAdded:
		return "stream-added"
	case StreamRemoved:
		return "stream-removed"
	case DeviceAdded:
		return "device-added"
	default:
		return "device-removed"
	}
}

// Event is one topology change: which operation, and the object path it
// applies to.
type Event struct {
	Op   Op
	Path dbus.ObjectPath
}

// Endpoint is a handle on one server-side object. Calls fail once the
// remote object has gone away.
type Endpoint interface {
	Path() dbus.ObjectPath
	Properties() (map[string][]byte, error)
	Volume() ([]uint32, error)
	SetVolume(levels []uint32) error
	Mute() (bool, error)
	SetMute(muted bool) error
}

// Bus is one control connection to the server.
type Bus interface {
	PlaybackStreams() ([]dbus.ObjectPath, error)
	Sinks() ([]dbus.ObjectPath, error)
	Endpoint(path dbus.ObjectPath, kind Kind) Endpoint
	Close() error
}

// Connector opens a fresh Bus; the registry uses it to reconnect during a
// hard refresh.
type Connector func() (Bus, error)

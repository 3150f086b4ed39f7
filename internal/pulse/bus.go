package pulse

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// DialServer opens a peer connection to the PulseAudio server. The server
// is not a bus daemon, so there is no Hello exchange.
func DialServer(autostart bool) (*dbus.Conn, error) {
	addr, err := ServerAddress(autostart)
	if err != nil {
		return nil, err
	}
	conn, err := dbus.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}
	return conn, nil
}

// Connect opens a Bus for registry use.
func Connect(autostart bool) (Bus, error) {
	conn, err := DialServer(autostart)
	if err != nil {
		return nil, err
	}
	return &serverBus{conn: conn}, nil
}

type serverBus struct {
	conn *dbus.Conn
}

func (b *serverBus) paths(prop string) ([]dbus.ObjectPath, error) {
	v, err := b.conn.Object(coreIface, corePath).GetProperty(coreIface + "." + prop)
	if err != nil {
		return nil, err
	}
	var paths []dbus.ObjectPath
	if err := v.Store(&paths); err != nil {
		return nil, fmt.Errorf("%s property: %w", prop, err)
	}
	return paths, nil
}

func (b *serverBus) PlaybackStreams() ([]dbus.ObjectPath, error) {
	return b.paths("PlaybackStreams")
}

func (b *serverBus) Sinks() ([]dbus.ObjectPath, error) {
	return b.paths("Sinks")
}

func (b *serverBus) Endpoint(path dbus.ObjectPath, kind Kind) Endpoint {
	return &object{conn: b.conn, path: path, kind: kind}
}

func (b *serverBus) Close() error {
	return b.conn.Close()
}

// object is the dbus-backed Endpoint.
type object struct {
	conn *dbus.Conn
	path dbus.ObjectPath
	kind Kind
}

func (o *object) handle() dbus.BusObject {
	return o.conn.Object(coreIface, o.path)
}

func (o *object) Path() dbus.ObjectPath {
	return o.path
}

func (o *object) Properties() (map[string][]byte, error) {
	v, err := o.handle().GetProperty(o.kind.iface() + ".PropertyList")
	if err != nil {
		return nil, err
	}
	var props map[string][]byte
	if err := v.Store(&props); err != nil {
		return nil, fmt.Errorf("property list: %w", err)
	}
	return props, nil
}

func (o *object) Volume() ([]uint32, error) {
	v, err := o.handle().GetProperty(o.kind.iface() + ".Volume")
	if err != nil {
		return nil, err
	}
	var levels []uint32
	if err := v.Store(&levels); err != nil {
		return nil, fmt.Errorf("volume property: %w", err)
	}
	return levels, nil
}

func (o *object) SetVolume(levels []uint32) error {
	return o.handle().SetProperty(o.kind.iface()+".Volume", dbus.MakeVariant(levels))
}

func (o *object) Mute() (bool, error) {
	v, err := o.handle().GetProperty(o.kind.iface() + ".Mute")
	if err != nil {
		return false, err
	}
	var muted bool
	if err := v.Store(&muted); err != nil {
		return false, fmt.Errorf("mute property: %w", err)
	}
	return muted, nil
}

func (o *object) SetMute(muted bool) error {
	return o.handle().SetProperty(o.kind.iface()+".Mute", dbus.MakeVariant(muted))
}

package pulse

import (
	"io"

	"github.com/godbus/dbus/v5"
)

var topologySignals = map[string]Op{
	coreIface + ".NewPlaybackStream":     StreamAdded,
	coreIface + ".PlaybackStreamRemoved": StreamRemoved,
	coreIface + ".NewSink":               DeviceAdded,
	coreIface + ".SinkRemoved":           DeviceRemoved,
}

// mapSignal translates a raw D-Bus signal into a topology Event. Signals
// other than the four subscribed ones are ignored.
func mapSignal(sig *dbus.Signal) (Event, bool) {
	op, ok := topologySignals[sig.Name]
	if !ok || len(sig.Body) == 0 {
		return Event{}, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return Event{}, false
	}
	return Event{Op: op, Path: path}, true
}

// subscribe asks the server to deliver the four topology signals on conn.
// The empty path array means "from any object".
func subscribe(conn *dbus.Conn) error {
	core := conn.Object(coreIface, corePath)
	for name := range topologySignals {
		call := core.Call(coreIface+".ListenForSignal", 0, name, []dbus.ObjectPath{})
		if call.Err != nil {
			return call.Err
		}
	}
	return nil
}

// connectEvents dials the server, subscribes, and returns a stream of
// Events. The stream closes when the connection drops. The returned closer
// tears the connection down.
func connectEvents(autostart bool) (<-chan Event, io.Closer, error) {
	conn, err := DialServer(autostart)
	if err != nil {
		return nil, nil, err
	}
	if err := subscribe(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	sigs := make(chan *dbus.Signal, 64)
	conn.Signal(sigs)

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		for sig := range sigs {
			if ev, ok := mapSignal(sig); ok {
				events <- ev
			}
		}
	}()
	return events, conn, nil
}

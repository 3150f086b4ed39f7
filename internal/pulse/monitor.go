package pulse

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

const reconnectDelay = time.Second

// Monitor is the event-channel actor. It owns its own server connection,
// subscribes to the four topology signals, and forwards each one as an
// Event to the UI loop. The events channel is the only data path between
// the two; the monitor never touches the registry.
//
// If the very first connect fails the actor gives up so the process can
// exit with a diagnostic instead of hanging on a server that will never
// appear. Once it has been ready, a lost connection is re-resolved and
// re-subscribed indefinitely, with a short delay between attempts.
type Monitor struct {
	events  chan Event
	ready   chan struct{}
	done    chan struct{}
	stop    chan struct{}
	poke    chan struct{}
	connect func(autostart bool) (<-chan Event, io.Closer, error)
	sleep   func(time.Duration)
	log     *slog.Logger
	err     error

	readyOnce sync.Once
	stopOnce  sync.Once
}

func NewMonitor(log *slog.Logger) *Monitor {
	return &Monitor{
		events:  make(chan Event, 64),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		poke:    make(chan struct{}, 1),
		connect: connectEvents,
		sleep:   time.Sleep,
		log:     log,
	}
}

// Events is the ordered stream of topology changes.
func (m *Monitor) Events() <-chan Event { return m.events }

// Ready is closed once the monitor is subscribed and listening; the UI
// loop must not start before then.
func (m *Monitor) Ready() <-chan struct{} { return m.ready }

// Done is closed when the actor's loop has exited. After Stop that is
// expected; otherwise it means the monitor died and the process should
// exit non-zero.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Err reports why the monitor quit before becoming ready. Valid once
// Done is closed.
func (m *Monitor) Err() error { return m.err }

// Reacquire makes the actor drop its current connection and reconnect.
// Called after a hard refresh has re-established the registry's own bus
// connection. Non-blocking; multiple pokes coalesce.
func (m *Monitor) Reacquire() {
	select {
	case m.poke <- struct{}{}:
	default:
	}
}

// Stop tears the actor down. There is no cooperative cancellation beyond
// this; in-flight events already on the channel are simply abandoned.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

func (m *Monitor) becameReady() bool {
	select {
	case <-m.ready:
		return true
	default:
		return false
	}
}

type pumpResult int

const (
	pumpStopped pumpResult = iota
	pumpPoked
	pumpLost
)

// Run is the actor loop. Start it on its own goroutine.
func (m *Monitor) Run() {
	defer close(m.done)
	for !m.stopped() {
		src, closer, err := m.connect(true)
		if err != nil {
			if !m.becameReady() {
				// Startup failure: there is nothing to reconnect to yet.
				m.err = err
				return
			}
			m.log.Debug("monitor connect failed", "error", err)
			m.sleep(reconnectDelay)
			continue
		}
		m.readyOnce.Do(func() { close(m.ready) })
		m.log.Debug("monitor listening")
		switch m.pump(src, closer) {
		case pumpStopped:
			return
		case pumpPoked:
			// The registry already rebuilt its own bus; resubscribe now.
		case pumpLost:
			m.sleep(reconnectDelay)
		}
	}
}

// pump forwards events until the connection drops, the actor is poked to
// reacquire, or it is stopped.
func (m *Monitor) pump(src <-chan Event, closer io.Closer) pumpResult {
	defer func() {
		closer.Close()
		// Unblock the connection's forwarding goroutine.
		go func() {
			for range src {
			}
		}()
	}()
	for {
		select {
		case <-m.stop:
			return pumpStopped
		case <-m.poke:
			m.log.Debug("monitor reacquiring connection")
			return pumpPoked
		case ev, ok := <-src:
			if !ok {
				m.log.Debug("monitor connection lost")
				return pumpLost
			}
			select {
			case m.events <- ev:
			case <-m.stop:
				return pumpStopped
			}
		}
	}
}

// Package tui is the render/input loop: it drains pending topology events
// into the registry, draws the mixer rows, and maps keystrokes to registry
// mutations.
package tui

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/joegoldin/pamix/internal/pulse"
	"github.com/joegoldin/pamix/internal/registry"
)

// Outcome tells the supervisor how the loop ended.
type Outcome int

const (
	OutcomeQuit Outcome = iota
	OutcomeRestart
	OutcomeMonitorDead
	OutcomeError
)

// EventSource is the monitor side the loop listens to.
type EventSource interface {
	Events() <-chan pulse.Event
	Done() <-chan struct{}
}

type row struct {
	name   string
	muted  bool
	volume float64
}

type eventMsg pulse.Event
type monitorDiedMsg struct{}

var hlStyle = lipgloss.NewStyle().Reverse(true)

// Model owns the registry for the duration of the loop; nothing else
// mutates it.
type Model struct {
	reg  *registry.Registry
	src  EventSource
	step float64

	hl     string
	rows   []row
	width  int
	height int

	outcome Outcome
	err     error
	log     *slog.Logger
}

func NewModel(reg *registry.Registry, src EventSource, step float64, log *slog.Logger) *Model {
	m := &Model{reg: reg, src: src, step: step, log: log}
	if names := reg.Names(); len(names) > 0 {
		m.hl = names[0]
	}
	return m
}

// Outcome is valid once the program has finished.
func (m *Model) Outcome() Outcome { return m.outcome }
func (m *Model) Err() error       { return m.err }

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.listenEvents(), m.listenDone())
}

func (m *Model) listenEvents() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.src.Events()
		if !ok {
			return monitorDiedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *Model) listenDone() tea.Cmd {
	return func() tea.Msg {
		<-m.src.Done()
		return monitorDiedMsg{}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m.resync()

	case monitorDiedMsg:
		m.outcome = OutcomeMonitorDead
		m.err = errors.New("topology monitor died unexpectedly")
		return m, tea.Quit

	case eventMsg:
		// The listener command that produced this message has finished and
		// is re-armed only after this handler returns, so right now this
		// handler is the channel's only reader and may pull whatever else
		// the monitor buffered without racing it. Events reach the pending
		// queue strictly in channel order.
		m.reg.Enqueue(pulse.Event(msg))
		m.pullBuffered()
		mod, cmd := m.resync()
		return mod, tea.Batch(cmd, m.listenEvents())

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, key.NewBinding(key.WithKeys("q", "ctrl+c"))):
		m.outcome = OutcomeQuit
		return m, tea.Quit

	case key.Matches(msg, key.NewBinding(key.WithKeys("down", "j", "n"))):
		m.hl = m.reg.NextKey(m.hl)

	case key.Matches(msg, key.NewBinding(key.WithKeys("up", "k", "p"))):
		m.hl = m.reg.PrevKey(m.hl)

	case key.Matches(msg, key.NewBinding(key.WithKeys("left", "h", "b"))):
		return m.adjust(-m.step)

	case key.Matches(msg, key.NewBinding(key.WithKeys("right", "l", "f"))):
		return m.adjust(m.step)

	case key.Matches(msg, key.NewBinding(key.WithKeys(" ", "m"))):
		return m.toggleMute()

	case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+l"))):
		mod, cmd := m.resync()
		return mod, tea.Batch(cmd, tea.ClearScreen)
	}
	return m.resync()
}

func (m *Model) adjust(delta float64) (tea.Model, tea.Cmd) {
	if m.hl != "" {
		vol, err := m.reg.Volume(m.hl)
		if err == nil {
			err = m.reg.SetVolume(m.hl, vol+delta)
		}
		if err != nil && !errors.Is(err, registry.ErrStale) {
			return m.quitFatal(err)
		}
	}
	return m.resync()
}

func (m *Model) toggleMute() (tea.Model, tea.Cmd) {
	if m.hl != "" {
		muted, err := m.reg.Muted(m.hl)
		if err == nil {
			err = m.reg.SetMute(m.hl, !muted)
		}
		if err != nil && !errors.Is(err, registry.ErrStale) {
			return m.quitFatal(err)
		}
	}
	return m.resync()
}

func (m *Model) resync() (tea.Model, tea.Cmd) {
	if err := m.sync(); err != nil {
		return m.quitFatal(err)
	}
	return m, nil
}

// sync is one loop iteration minus input: apply the pending queue,
// rebuild the registry if it emptied, and snapshot the rows. A stale
// entity mid-snapshot restarts the iteration. Events still sitting on
// the monitor channel are the armed listener's to deliver; touching the
// channel here would race it and reorder events.
func (m *Model) sync() error {
	for {
		if err := m.reg.DrainPending(); err != nil {
			return err
		}
		if m.reg.Len() == 0 {
			if err := m.reg.Refresh(false); err != nil {
				return err
			}
		}
		rows, err := m.snapshot()
		if err != nil {
			if errors.Is(err, registry.ErrStale) {
				continue
			}
			return err
		}
		m.rows = rows
		m.ensureHighlight()
		return nil
	}
}

// pullBuffered moves everything currently buffered on the event channel
// into the pending queue without blocking. Only the eventMsg handler may
// call this, while no listener command is in flight.
func (m *Model) pullBuffered() {
	for {
		select {
		case ev, ok := <-m.src.Events():
			if !ok {
				return
			}
			m.reg.Enqueue(ev)
		default:
			return
		}
	}
}

func (m *Model) snapshot() ([]row, error) {
	names := m.reg.Names()
	rows := make([]row, 0, len(names))
	for _, name := range names {
		muted, err := m.reg.Muted(name)
		if err != nil {
			return nil, err
		}
		vol, err := m.reg.Volume(name)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row{name: name, muted: muted, volume: vol})
	}
	return rows, nil
}

func (m *Model) ensureHighlight() {
	names := m.reg.Names()
	if len(names) == 0 {
		m.hl = ""
		return
	}
	for _, name := range names {
		if name == m.hl {
			return
		}
	}
	m.hl = names[0]
}

func (m *Model) quitFatal(err error) (tea.Model, tea.Cmd) {
	m.log.Debug("abandoning the session", "error", err)
	m.outcome = OutcomeRestart
	m.err = err
	return m, tea.Quit
}

func (m *Model) View() string {
	if m.width <= 0 {
		return ""
	}
	lay := computeLayout(m.width, m.reg.MaxNameLen())
	var b strings.Builder
	for i, r := range m.rows {
		if m.height > 0 && i >= m.height-1 {
			break
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		name := runewidth.FillRight(runewidth.Truncate(r.name, lay.nameWidth, ""), lay.nameWidth)
		line := name
		if !lay.nameOnly {
			mute := " -"
			if r.muted {
				mute = " M"
			}
			line = name + mute + renderBar(r.volume, lay.barWidth)
		}
		if r.name == m.hl {
			line = hlStyle.Render(line)
		}
		b.WriteString(line)
	}
	return b.String()
}

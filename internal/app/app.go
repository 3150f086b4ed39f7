// Package app supervises the mixer's two actors: it starts the topology
// monitor, waits for its ready handshake, runs the UI loop, and decides
// what a given ending means — clean exit, in-process restart, or failure.
package app

import (
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/joegoldin/pamix/internal/pulse"
	"github.com/joegoldin/pamix/internal/registry"
	"github.com/joegoldin/pamix/internal/tui"
)

// Config is the resolved mixer configuration.
type Config struct {
	AdjustStep   int // percent per keypress
	MaxLevel     int
	UseMediaName bool
	Encoding     string
}

type sessionFunc func(Config, *slog.Logger) (tui.Outcome, error)

// Run supervises sessions until one ends for good. Returns the process
// exit code: 0 on user quit, non-zero when the monitor dies or a session
// cannot be rebuilt.
func Run(cfg Config, log *slog.Logger) int {
	return run(cfg, log, runSession)
}

func run(cfg Config, log *slog.Logger, session sessionFunc) int {
	for {
		outcome, err := session(cfg, log)
		switch outcome {
		case tui.OutcomeQuit:
			return 0
		case tui.OutcomeMonitorDead:
			fmt.Fprintln(os.Stderr, "pamix: topology monitor died unexpectedly")
			return 1
		case tui.OutcomeRestart:
			// A remote call failed even after refresh-and-retry; tear
			// everything down and rebuild in-process.
			log.Debug("restarting session", "error", err)
		default:
			if err != nil {
				fmt.Fprintln(os.Stderr, "pamix:", err)
			}
			return 1
		}
	}
}

func runSession(cfg Config, log *slog.Logger) (tui.Outcome, error) {
	mon := pulse.NewMonitor(log.With("component", "monitor"))
	go mon.Run()
	defer mon.Stop()

	// The UI loop must not start until the monitor confirms it is
	// subscribed and listening.
	select {
	case <-mon.Ready():
	case <-mon.Done():
		if err := mon.Err(); err != nil {
			return tui.OutcomeError, fmt.Errorf("connecting to the sound server: %w", err)
		}
		return tui.OutcomeMonitorDead, fmt.Errorf("monitor exited before becoming ready")
	}

	reg, err := registry.New(
		func() (pulse.Bus, error) { return pulse.Connect(true) },
		registry.Options{
			MaxLevel:     cfg.MaxLevel,
			UseMediaName: cfg.UseMediaName,
			Encoding:     cfg.Encoding,
			Reacquire:    mon.Reacquire,
			FailHook: func() {
				log.Info("sound server unreachable, scheduling session restart")
			},
		},
		log.With("component", "registry"),
	)
	if err != nil {
		return tui.OutcomeError, fmt.Errorf("connecting to the sound server: %w", err)
	}
	defer reg.Close()

	model := tui.NewModel(reg, mon, float64(cfg.AdjustStep)/100.0, log.With("component", "tui"))
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return tui.OutcomeError, err
	}
	return model.Outcome(), model.Err()
}

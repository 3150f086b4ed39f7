package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joegoldin/pamix/internal/app"
	"github.com/joegoldin/pamix/internal/config"
	"github.com/joegoldin/pamix/internal/logging"
)

var (
	fAdjustStep   int
	fMaxLevel     int
	fUseMediaName bool
	fEncoding     string
	fVerbose      bool
	fDebug        bool
	fConfig       string
)

var rootCmd = &cobra.Command{
	Use:   "pamix",
	Short: "Interactive terminal mixer for PulseAudio",
	Long: `An interactive terminal mixer for a running PulseAudio server.

Lists playback streams and output devices with live volume and mute state,
and stays synchronized with server-side changes. Arrow keys or h/j/k/l
navigate and adjust, space or m toggles mute, q quits.`,
	SilenceUsage: true,
	RunE:         runMixer,
}

func init() {
	rootCmd.Flags().IntVarP(&fAdjustStep, "adjust-step", "a", 0, "volume adjustment per keypress (0-100%)")
	rootCmd.Flags().IntVarP(&fMaxLevel, "max-level", "l", 0, "raw level to treat as max")
	rootCmd.Flags().BoolVarP(&fUseMediaName, "use-media-name", "n", false, "display streams by media.name property")
	rootCmd.Flags().StringVarP(&fEncoding, "encoding", "e", "", "encoding for remote text; undecodable bytes are stripped")
	rootCmd.Flags().BoolVarP(&fVerbose, "verbose", "v", false, "keep diagnostics on stderr (may disturb the interface)")
	rootCmd.Flags().BoolVar(&fDebug, "debug", false, "debug-level diagnostics")
	rootCmd.Flags().StringVar(&fConfig, "config", "", "config file path")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMixer(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	var err error
	if fConfig != "" {
		cfg, err = config.LoadFrom(fConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	mergeFlags(cfg, cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(cfg.Mixer.Verbose, cfg.Mixer.Debug)

	code := app.Run(app.Config{
		AdjustStep:   cfg.Mixer.AdjustStep,
		MaxLevel:     cfg.Mixer.MaxLevel,
		UseMediaName: cfg.Mixer.UseMediaName,
		Encoding:     cfg.Mixer.Encoding,
	}, log)
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

// mergeFlags lays explicitly-set flags over the config file values.
func mergeFlags(cfg *config.Config, cmd *cobra.Command) {
	if cmd.Flags().Changed("adjust-step") {
		cfg.Mixer.AdjustStep = fAdjustStep
	}
	if cmd.Flags().Changed("max-level") {
		cfg.Mixer.MaxLevel = fMaxLevel
	}
	if cmd.Flags().Changed("use-media-name") {
		cfg.Mixer.UseMediaName = fUseMediaName
	}
	if cmd.Flags().Changed("encoding") {
		cfg.Mixer.Encoding = fEncoding
	}
	if fVerbose {
		cfg.Mixer.Verbose = true
	}
	if fDebug {
		cfg.Mixer.Debug = true
	}
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	Mixer MixerConfig `toml:"mixer"`
}

type MixerConfig struct {
	AdjustStep   int    `toml:"adjust_step"`    // percent per keypress
	MaxLevel     int    `toml:"max_level"`      // raw level treated as 1.0
	UseMediaName bool   `toml:"use_media_name"` // display streams by media.name
	Encoding     string `toml:"encoding"`       // charset for remote text
	Verbose      bool   `toml:"verbose"`
	Debug        bool   `toml:"debug"`
}

func Default() *Config {
	return &Config{
		Mixer: MixerConfig{
			AdjustStep: 5,
			MaxLevel:   1 << 16,
			Encoding:   "utf-8",
		},
	}
}

func Load() (*Config, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Default(), nil
		}
		configDir = filepath.Join(home, ".config")
	}
	return LoadFrom(filepath.Join(configDir, "pamix", "config.toml"))
}

func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Mixer.AdjustStep < 0 || c.Mixer.AdjustStep > 100 {
		return fmt.Errorf("adjust step must be 0-100, got %d", c.Mixer.AdjustStep)
	}
	if c.Mixer.MaxLevel <= 0 {
		return fmt.Errorf("max level must be positive, got %d", c.Mixer.MaxLevel)
	}
	return nil
}

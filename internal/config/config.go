// Package config loads the YAML configuration shared by the command
// line tools.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the tool configuration.
type Config struct {
	Interface string        `yaml:"interface"`
	Addr      string        `yaml:"addr"` // full or short-form device address, "" = any
	Log       LogConfig     `yaml:"log"`
	Command   CommandConfig `yaml:"command"`
	Capture   CaptureConfig `yaml:"capture"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// CommandConfig tunes the command/response engine.
type CommandConfig struct {
	Timeout  Duration `yaml:"timeout"`
	Attempts int      `yaml:"attempts"`
}

// Duration accepts time.ParseDuration strings such as "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// CaptureConfig parameterizes the capture tool.
type CaptureConfig struct {
	Channel       uint    `yaml:"channel"`
	ItemsPerFrame uint    `yaml:"items_per_frame"`
	Frames        int     `yaml:"frames"`
	CenterFreq    float64 `yaml:"center_freq"`
	Gain          float64 `yaml:"gain"`
	Decim         int     `yaml:"decim"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Interface: "eth0",
		Log:       LogConfig{Level: "info"},
		Command: CommandConfig{
			Timeout:  Duration(100 * time.Millisecond),
			Attempts: 3,
		},
		Capture: CaptureConfig{
			Frames:     1024,
			CenterFreq: 2.45e9,
			Gain:       30,
			Decim:      16,
		},
	}
}

// Load reads path over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Interface == "" {
		return fmt.Errorf("config: interface must be set")
	}
	if c.Command.Attempts < 1 {
		return fmt.Errorf("config: command attempts %d", c.Command.Attempts)
	}
	if c.Command.Timeout <= 0 {
		return fmt.Errorf("config: command timeout %v", c.Command.Timeout)
	}
	if c.Capture.Frames < 0 {
		return fmt.Errorf("config: capture frames %d", c.Capture.Frames)
	}
	return nil
}

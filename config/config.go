// Package config loads qpeer's YAML configuration file: human-friendly
// duration/size strings, sane defaults, and a lumberjack-backed log
// rotation section.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/quicmesh/qpeer"
	"github.com/quicmesh/qpeer/retry"
)

// DurationString parses "10s", "5m" (lowercase suffix only), or a bare
// integer number of seconds.
type DurationString time.Duration

func (d *DurationString) UnmarshalYAML(value *yaml.Node) error {
	s := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*d = DurationString(time.Duration(v) * time.Second)
		return nil
	}
	if !(strings.HasSuffix(s, "s") || strings.HasSuffix(s, "m")) {
		return fmt.Errorf("invalid duration: %s (must end with 's' or 'm')", s)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = DurationString(dur)
	return nil
}

func (d DurationString) Duration() time.Duration { return time.Duration(d) }

// SizeString parses "10K", "10M", "1G" (uppercase only) or a bare integer
// number of bytes.
type SizeString int64

func (s *SizeString) UnmarshalYAML(value *yaml.Node) error {
	raw := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*s = SizeString(v)
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty size string")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(raw, "K"):
		multiplier = 1 << 10
		raw = strings.TrimSuffix(raw, "K")
	case strings.HasSuffix(raw, "M"):
		multiplier = 1 << 20
		raw = strings.TrimSuffix(raw, "M")
	case strings.HasSuffix(raw, "G"):
		multiplier = 1 << 30
		raw = strings.TrimSuffix(raw, "G")
	default:
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("invalid size string: %s (must end with 'K', 'M' or 'G')", raw)
		}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*s = SizeString(v * multiplier)
	return nil
}

// RetryConfig is the on-disk retry_config block.
type RetryConfig struct {
	InitialRetryInterval   DurationString `yaml:"initial_retry_interval,omitempty"`
	RandomizationFactor    float64        `yaml:"randomization_factor,omitempty"`
	Multiplier             float64        `yaml:"multiplier,omitempty"`
	MaxRetryInterval       DurationString `yaml:"max_retry_interval,omitempty"`
	RetryingMaxElapsedTime DurationString `yaml:"retrying_max_elapsed_time,omitempty"`
}

// ToPolicy converts to the retry package's runtime representation.
func (r *RetryConfig) ToPolicy() *retry.Policy {
	if r == nil {
		return nil
	}
	return &retry.Policy{
		InitialInterval:     r.InitialRetryInterval.Duration(),
		RandomizationFactor: r.RandomizationFactor,
		Multiplier:          r.Multiplier,
		MaxInterval:         r.MaxRetryInterval.Duration(),
		MaxElapsedTime:      r.RetryingMaxElapsedTime.Duration(),
	}
}

// GlobalLogConfig holds optional log rotation settings, consumed via
// lumberjack.
type GlobalLogConfig struct {
	Filename   string `yaml:"filename,omitempty"`
	MaxSize    int    `yaml:"max_size,omitempty"` // megabytes
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAge     int    `yaml:"max_age,omitempty"` // days
	Compress   bool   `yaml:"compress,omitempty"`
}

// Logger builds a *lumberjack.Logger from this section. A nil/empty
// Filename means "log to stdout" and Logger returns nil in that case.
func (g *GlobalLogConfig) Logger() *lumberjack.Logger {
	if g == nil || g.Filename == "" {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   g.Filename,
		MaxSize:    g.MaxSize,
		MaxBackups: g.MaxBackups,
		MaxAge:     g.MaxAge,
		Compress:   g.Compress,
	}
}

// FileConfig is the on-disk YAML representation of a qpeer endpoint's
// configuration, including the ambient logging section.
type FileConfig struct {
	ALPN                   string           `yaml:"alpn,omitempty"`
	IdleTimeout            *DurationString  `yaml:"idle_timeout,omitempty"`
	KeepAliveInterval      DurationString   `yaml:"keep_alive_interval,omitempty"`
	UpstreamNATPortMapping bool             `yaml:"upstream_nat_port_mapping,omitempty"`
	SendRateBytesPerSec    SizeString       `yaml:"send_rate_bytes_per_sec,omitempty"`
	RetryConfig            *RetryConfig     `yaml:"retry_config,omitempty"`
	GlobalLog              *GlobalLogConfig `yaml:"globallog,omitempty"`
}

// SetDefaults fills in sensible values for anything left zero.
func (c *FileConfig) SetDefaults() {
	if c.ALPN == "" {
		c.ALPN = "qpeer/1"
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DurationString(10 * time.Second)
	}
	if c.GlobalLog == nil {
		c.GlobalLog = &GlobalLogConfig{} // empty Filename => stdout
	}
}

// Load reads and parses a YAML config file, applying defaults.
func Load(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c FileConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.SetDefaults()
	return &c, nil
}

// ToQpeerConfig converts the parsed file into the runtime Config consumed
// by qpeer.NewEndpoint.
func (c *FileConfig) ToQpeerConfig() *qpeer.Config {
	cfg := &qpeer.Config{
		ALPN:                   c.ALPN,
		KeepAliveInterval:      c.KeepAliveInterval.Duration(),
		UpstreamNATPortMapping: c.UpstreamNATPortMapping,
		SendRateBytesPerSec:    int64(c.SendRateBytesPerSec),
		RetryConfig:            c.RetryConfig.ToPolicy(),
	}
	if c.IdleTimeout != nil {
		d := c.IdleTimeout.Duration()
		cfg.IdleTimeout = &d
	}
	return cfg
}

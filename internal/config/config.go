// Package config loads the TOML file describing which HTTP-TS sources to
// pull and where to send them.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Load.
const (
	DefaultLogLevel    = "info"
	DefaultOutput      = "-"
	DefaultReadTimeout = 15 * time.Second
)

// Config is the top-level configuration file.
type Config struct {
	LogLevel string   `toml:"log_level"`
	Sources  []Source `toml:"source"`
}

// Source is one [[source]] table.
type Source struct {
	Key         string            `toml:"key"`
	URL         string            `toml:"url"`
	Split       bool              `toml:"split"`
	HTTP3       bool              `toml:"http3"`
	Output      string            `toml:"output"`
	ReadTimeout Duration          `toml:"read_timeout"`
	Headers     map[string]string `toml:"headers"`
	CAFile      string            `toml:"ca_file"`
}

// Duration decodes TOML strings such as "10s" into a time.Duration.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads, defaults and validates the file at path.
func Load(path string) (Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown keys %v", path, undecoded)
	}

	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Output == "" {
			s.Output = DefaultOutput
		}
		if s.ReadTimeout.Duration == 0 {
			s.ReadTimeout.Duration = DefaultReadTimeout
		}
	}
}

// Validate checks a defaulted configuration.
func Validate(cfg Config) error {
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("no sources configured")
	}

	seen := make(map[string]bool, len(cfg.Sources))
	stdout := 0
	for i, s := range cfg.Sources {
		if err := ValidateSource(s); err != nil {
			return fmt.Errorf("source[%d] invalid: %w", i, err)
		}
		if seen[s.Key] {
			return fmt.Errorf("source[%d] invalid: duplicate key %q", i, s.Key)
		}
		seen[s.Key] = true
		if s.Output == "-" {
			stdout++
		}
	}
	if stdout > 1 {
		return fmt.Errorf("only one source may write to stdout")
	}
	return nil
}

// ValidateSource checks a single source entry.
func ValidateSource(s Source) error {
	if strings.TrimSpace(s.Key) == "" {
		return fmt.Errorf("key is required")
	}
	if strings.TrimSpace(s.URL) == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if s.HTTP3 && u.Scheme != "https" {
		return fmt.Errorf("http3 requires an https url")
	}
	if s.ReadTimeout.Duration < 0 {
		return fmt.Errorf("read_timeout must not be negative")
	}
	return nil
}

// ParseLevel maps a log level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", name)
	}
	return level, nil
}

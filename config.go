package dish

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration of a node process.
type Config struct {
	Name        string         `yaml:"name"`
	Log         LogConfig      `yaml:"log"`
	Admin       string         `yaml:"admin"`
	Listen      ListenConfig   `yaml:"listen"`
	Peers       []string       `yaml:"peers"`
	Timeouts    TimeoutsConfig `yaml:"timeouts"`
	DedupWindow int            `yaml:"dedup_window"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ListenConfig holds listen addresses per transport. Empty disables one.
type ListenConfig struct {
	TCP           string `yaml:"tcp"`
	QUIC          string `yaml:"quic"`
	WebSocket     string `yaml:"websocket"`
	WebSocketPath string `yaml:"websocket_path"`
}

type TimeoutsConfig struct {
	Dial      time.Duration `yaml:"dial"`
	Handshake time.Duration `yaml:"handshake"`
	Transmit  time.Duration `yaml:"transmit"`
	Read      time.Duration `yaml:"read"`
	Write     time.Duration `yaml:"write"`
}

// DefaultConfig returns the configuration used for fields a file leaves out.
func DefaultConfig() Config {
	d := defaultConfig()
	return Config{
		Name:  d.name,
		Log:   LogConfig{Level: "info", Format: "json"},
		Listen: ListenConfig{
			WebSocketPath: "/dish",
		},
		Timeouts: TimeoutsConfig{
			Dial:      d.dialTimeout,
			Handshake: d.handshakeTimeout,
			Transmit:  d.transmitTimeout,
			Read:      d.readTimeout,
			Write:     d.writeTimeout,
		},
		DedupWindow: d.dedupWindow,
	}
}

// LoadConfig reads a YAML file, fills defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config data. Unknown fields are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Name == "" || len(c.Name) > maxNameLen {
		return fmt.Errorf("config: name must be 1 to %d bytes", maxNameLen)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Log.Format {
	case "", "json", "text", "console":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	for i, p := range c.Peers {
		if p == "" {
			return fmt.Errorf("config: peers[%d] is empty", i)
		}
	}
	if c.DedupWindow < 0 {
		return errors.New("config: dedup_window must not be negative")
	}
	if c.Timeouts.Dial < 0 || c.Timeouts.Handshake < 0 || c.Timeouts.Transmit < 0 ||
		c.Timeouts.Read < 0 || c.Timeouts.Write < 0 {
		return errors.New("config: timeouts must not be negative")
	}
	return nil
}

// Options converts the file settings into connection and node options.
func (c Config) Options() []Option {
	return []Option{
		WithName(c.Name),
		WithDialTimeout(c.Timeouts.Dial),
		WithHandshakeTimeout(c.Timeouts.Handshake),
		WithTransmitTimeout(c.Timeouts.Transmit),
		WithReadTimeout(c.Timeouts.Read),
		WithWriteTimeout(c.Timeouts.Write),
		WithDedupWindow(c.DedupWindow),
	}
}

// Package config loads runtime settings from RBA_* environment variables,
// optionally layered over a YAML file that uses the same names.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"rollback-arena/internal/session"
	"rollback-arena/logging"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "RBA_"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the full set of runtime settings.
type Config struct {
	Players           int           `env:"PLAYERS" envDefault:"2"`
	InputDelay        int           `env:"INPUT_DELAY" envDefault:"2"`
	MaxPrediction     int           `env:"MAX_PREDICTION" envDefault:"8"`
	DesyncInterval    int           `env:"DESYNC_INTERVAL" envDefault:"10"`
	TickRate          int           `env:"TICK_RATE" envDefault:"60"`
	InterruptTimeout  time.Duration `env:"INTERRUPT_TIMEOUT" envDefault:"500ms"`
	DisconnectTimeout time.Duration `env:"DISCONNECT_TIMEOUT" envDefault:"2s"`
	EstablishTimeout  time.Duration `env:"ESTABLISH_TIMEOUT" envDefault:"60s"`
	AbortOnDesync     bool          `env:"ABORT_ON_DESYNC" envDefault:"false"`

	SignalURL     string `env:"SIGNAL_URL" envDefault:"ws://127.0.0.1:3536/ws"`
	SignalAddr    string `env:"SIGNAL_ADDR" envDefault:":3536"`
	Room          string `env:"ROOM" envDefault:"arena"`
	ListenAddr    string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:0"`
	AdvertiseAddr string `env:"ADVERTISE_ADDR"`
	CertSeed      string `env:"CERT_SEED" envDefault:"rollback-arena-dev-key"`
	MetricsAddr   string `env:"METRICS_ADDR"`
	EnablePprof   bool   `env:"ENABLE_PPROF" envDefault:"false"`

	WorldSeed string `env:"WORLD_SEED" envDefault:"rollback-arena"`
	BotSeed   int64  `env:"BOT_SEED" envDefault:"1"`
	Frames    int    `env:"FRAMES" envDefault:"0"`

	LogSinks       []string `env:"LOG_SINKS" envDefault:"console" envSeparator:","`
	LogMinSeverity string   `env:"LOG_MIN_SEVERITY" envDefault:"info"`
	LogJSONPath    string   `env:"LOG_JSON_PATH"`
}

// Load reads path (if non-empty) and then the process environment; the
// environment wins over the file and the file over built-in defaults.
func Load(path string) (Config, error) {
	vars := map[string]string{}
	if path != "" {
		fileVars, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	for k, v := range env.ToMap(os.Environ()) {
		vars[k] = v
	}
	return parse(vars)
}

// Default returns the built-in defaults.
func Default() Config {
	cfg, err := parse(map[string]string{})
	if err != nil {
		panic(err)
	}
	return cfg
}

func parse(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readFile flattens a YAML mapping such as `input_delay: 3` into
// RBA_INPUT_DELAY=3. Sequences are joined with commas.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	vars := map[string]string{}
	if len(doc.Content) == 0 {
		return vars, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: %s must hold a mapping", ErrInvalid, path)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := EnvPrefix + strings.ToUpper(strings.ReplaceAll(root.Content[i].Value, "-", "_"))
		value := root.Content[i+1]
		switch value.Kind {
		case yaml.ScalarNode:
			vars[key] = value.Value
		case yaml.SequenceNode:
			items := make([]string, 0, len(value.Content))
			for _, item := range value.Content {
				items = append(items, item.Value)
			}
			vars[key] = strings.Join(items, ",")
		default:
			return nil, fmt.Errorf("%w: %s: %s must be a scalar or a list", ErrInvalid, path, root.Content[i].Value)
		}
	}
	return vars, nil
}

// Validate rejects settings the session cannot run with.
func (c Config) Validate() error {
	switch {
	case c.TickRate < 1 || c.TickRate > 240:
		return fmt.Errorf("%w: tick rate %d outside 1..240", ErrInvalid, c.TickRate)
	case c.EstablishTimeout <= 0:
		return fmt.Errorf("%w: establish timeout must be positive", ErrInvalid)
	case c.Frames < 0:
		return fmt.Errorf("%w: negative frame limit", ErrInvalid)
	}
	switch c.LogMinSeverity {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log severity %q", ErrInvalid, c.LogMinSeverity)
	}
	if err := c.Session().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Session derives the peer session parameters.
func (c Config) Session() session.Config {
	cfg := session.DefaultConfig()
	cfg.NumPlayers = c.Players
	cfg.InputDelay = c.InputDelay
	cfg.MaxPrediction = c.MaxPrediction
	cfg.DesyncInterval = c.DesyncInterval
	cfg.InterruptTimeout = c.InterruptTimeout
	cfg.DisconnectTimeout = c.DisconnectTimeout
	return cfg
}

// Logging derives the event router configuration.
func (c Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	if len(c.LogSinks) > 0 {
		cfg.EnabledSinks = append([]string(nil), c.LogSinks...)
	}
	cfg.MinimumSeverity = logging.ParseSeverity(c.LogMinSeverity)
	cfg.JSON.FilePath = c.LogJSONPath
	return cfg
}

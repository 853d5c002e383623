package logging

import (
	"fmt"
	"time"
)

type Config struct {
	EnabledSinks     []string
	BufferSize       int
	MinimumSeverity  Severity
	Fields           map[string]any
	JSON             JSONConfig
	DropWarnInterval time.Duration
}

type JSONConfig struct {
	FilePath      string
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		JSON: JSONConfig{
			FlushInterval: 2 * time.Second,
		},
	}
}

func (c Config) HasSink(name string) bool {
	for _, s := range c.EnabledSinks {
		if s == name {
			return true
		}
	}
	return false
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		cloned[k] = v
	}
	return cloned
}

// ParseSeverity maps a config string onto a Severity, defaulting to info.
func ParseSeverity(raw string) Severity {
	switch raw {
	case "debug":
		return SeverityDebug
	case "warn":
		return SeverityWarn
	case "error":
		return SeverityError
	default:
		return SeverityInfo
	}
}

// KnownSinks lists the sink names the runtime can construct.
var KnownSinks = []string{"console", "json"}

// Validate rejects sink names the runtime cannot build and a JSON sink
// that would flush on every event while also writing to a file.
func (c Config) Validate() error {
	if len(c.EnabledSinks) == 0 {
		return fmt.Errorf("logging: no sinks enabled")
	}
	for _, name := range c.EnabledSinks {
		known := false
		for _, k := range KnownSinks {
			known = known || k == name
		}
		if !known {
			return fmt.Errorf("logging: unknown sink %q", name)
		}
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("logging: negative buffer size %d", c.BufferSize)
	}
	return nil
}

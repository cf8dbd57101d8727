// Package config loads the daemon configuration from a YAML (or JSON) file.
// Decoding is strict: unknown keys are rejected so typos fail loudly at
// startup instead of silently running with defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Log struct {
		Level   string `json:"level"`   // trace|debug|info|warn|error
		Console bool   `json:"console"` // pretty console output instead of JSON
	} `json:"log"`

	Arena struct {
		Host    string `json:"host"`
		Token   string `json:"token"`
		Timeout string `json:"timeout"`
	} `json:"arena"`

	DB struct {
		Path        string `json:"path"`
		BusyTimeout string `json:"busy_timeout"`
	} `json:"db"`

	Cycle struct {
		Interval    string `json:"interval"`
		CreatePace  string `json:"create_pace"`
		MessagePace string `json:"message_pace"`
		Grace       string `json:"grace"`
	} `json:"cycle"`

	// Teams is the whitelist of team ids the daemon schedules for.
	Teams  []string `json:"teams"`
	Admins []string `json:"admins"`
}

// Load reads, decodes and validates the config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := toJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("config %s: trailing data", path)
		}
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Arena.Host) == "" {
		return fmt.Errorf("arena.host is required")
	}
	if strings.TrimSpace(c.Arena.Token) == "" {
		return fmt.Errorf("arena.token is required")
	}
	if strings.TrimSpace(c.DB.Path) == "" {
		return fmt.Errorf("db.path is required")
	}
	for _, field := range []struct{ path, raw string }{
		{"arena.timeout", c.Arena.Timeout},
		{"db.busy_timeout", c.DB.BusyTimeout},
		{"cycle.interval", c.Cycle.Interval},
		{"cycle.create_pace", c.Cycle.CreatePace},
		{"cycle.message_pace", c.Cycle.MessagePace},
		{"cycle.grace", c.Cycle.Grace},
	} {
		if _, err := parseDuration(field.path, field.raw); err != nil {
			return err
		}
	}
	return nil
}

// Duration returns the parsed duration at path, or def when unset.
// The field was validated at load time; a parse failure here is a bug.
func Duration(path, raw string, def time.Duration) time.Duration {
	d, err := parseDuration(path, raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// toJSONBytes converts YAML to JSON bytes so the strict JSON decoder
// (DisallowUnknownFields) serves both formats.
func toJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	return json.Marshal(stringifyKeys(v))
}

// stringifyKeys makes all map keys strings so the value JSON-marshals.
func stringifyKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringifyKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringifyKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringifyKeys(x[i])
		}
		return x
	default:
		return in
	}
}

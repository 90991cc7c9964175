package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const DefaultPath = "agentcoord.toml"

type Config struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Bus         BusConfig         `toml:"bus"`
	Audit       AuditConfig       `toml:"audit"`
	Raw         map[string]any    `toml:"-"`
	Path        string            `toml:"-"`
}

type CoordinatorConfig struct {
	Addr               string `toml:"addr"`
	DBPath             string `toml:"db_path"`
	AgentName          string `toml:"agent_name"`
	DispatchIntervalMS int    `toml:"dispatch_interval_ms"`
	JanitorSchedule    string `toml:"janitor_schedule"`
	HistoryLimit       int    `toml:"history_limit"`
	RetentionHours     int    `toml:"retention_hours"`
	StrictPayloads     *bool  `toml:"strict_payloads"`
}

type BusConfig struct {
	Backend string `toml:"backend"`
	URL     string `toml:"url"`
	Buffer  int    `toml:"buffer"`
}

type AuditConfig struct {
	MaxEvents int   `toml:"max_events"`
	Persist   *bool `toml:"persist"`
}

// Strict reports whether inbound payloads are schema-checked. Defaults to true.
func (c CoordinatorConfig) Strict() bool {
	return c.StrictPayloads == nil || *c.StrictPayloads
}

// Persisted reports whether audit events go to sqlite. Defaults to true.
func (c AuditConfig) Persisted() bool {
	return c.Persist == nil || *c.Persist
}

func defaults() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			Addr:               ":8092",
			DBPath:             "data/agentcoord.db",
			AgentName:          "coordinator",
			DispatchIntervalMS: 250,
			JanitorSchedule:    "@every 1m",
			RetentionHours:     24,
		},
		Bus: BusConfig{
			Backend: "memory",
			Buffer:  256,
		},
		Audit: AuditConfig{
			MaxEvents: 10000,
		},
	}
}

// Load reads the TOML file at path over the built-in defaults, then applies
// environment overrides. Values found in envFiles are used for variables not
// set in the process environment. An empty path reads DefaultPath when it
// exists.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := defaults()
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	bytes, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		var raw map[string]any
		if _, err := toml.Decode(string(bytes), &raw); err != nil {
			return Config{}, fmt.Errorf("decode raw config: %w", err)
		}
		cfg.Raw = raw
		cfg.Path = resolved
	case path == "" && errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	env, err := readEnvFiles(envFiles)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(env); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolvePath(path string) (string, error) {
	resolved := path
	if resolved == "" {
		resolved = DefaultPath
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	return filepath.Clean(resolved), nil
}

func readEnvFiles(files []string) (map[string]string, error) {
	out := map[string]string{}
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read env file %s: %w", f, err)
		}
		for k, v := range vals {
			if _, seen := out[k]; !seen {
				out[k] = v
			}
		}
	}
	return out, nil
}

func (c *Config) applyEnv(file map[string]string) error {
	lookup := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(file[key])
	}
	if v := lookup("AGENTCOORD_BUS_BACKEND"); v != "" {
		c.Bus.Backend = v
	}
	if v := lookup("AGENTCOORD_BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := lookup("AGENTCOORD_ADDR"); v != "" {
		c.Coordinator.Addr = v
	}
	if v := lookup("AGENTCOORD_DB_PATH"); v != "" {
		c.Coordinator.DBPath = v
	}
	if v := lookup("AGENTCOORD_STRICT_PAYLOADS"); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse AGENTCOORD_STRICT_PAYLOADS: %w", err)
		}
		c.Coordinator.StrictPayloads = &strict
	}
	return nil
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Bus.Backend) == "" {
		problems = append(problems, "bus.backend is required")
	}
	if c.Bus.Buffer < 0 {
		problems = append(problems, "bus.buffer must not be negative")
	}
	if c.Coordinator.DispatchIntervalMS < 0 {
		problems = append(problems, "coordinator.dispatch_interval_ms must not be negative")
	}
	if c.Coordinator.HistoryLimit < 0 {
		problems = append(problems, "coordinator.history_limit must not be negative")
	}
	if c.Audit.MaxEvents < 0 {
		problems = append(problems, "audit.max_events must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

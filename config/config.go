// Package config loads the aguimesh server configuration from YAML.
//
// Durations are written as Go duration strings ("30s", "5m"). Environment
// variables in the file (${OPENAI_API_KEY}) are expanded before parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/aguimesh/logging"
	"github.com/hupe1980/aguimesh/protocol"
	"github.com/hupe1980/aguimesh/sse"
	"github.com/hupe1980/aguimesh/store"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverRedis  = "redis"
)

// Agent providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderEcho      = "echo"

	// Composite providers combine the agents listed in AgentConfig.Agents.
	ProviderSequential = "sequential"
	ProviderParallel   = "parallel"
	ProviderLoop       = "loop"
)

// Duration is a time.Duration read from a string such as "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	// Debug enables debug logging and, with errors.detail "auto", full
	// error messages for clients.
	Debug    bool           `yaml:"debug"`
	Server   ServerConfig   `yaml:"server"`
	SSE      SSEConfig      `yaml:"sse"`
	Errors   ErrorsConfig   `yaml:"errors"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
	Agents   []AgentConfig  `yaml:"agents"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string   `yaml:"addr"`
	MaxConcurrentRuns int      `yaml:"max_concurrent_runs"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
}

// SSEConfig configures the stream transport.
type SSEConfig struct {
	KeepaliveInterval Duration `yaml:"keepalive_interval"`
	Timeout           Duration `yaml:"timeout"`
	Backpressure      string   `yaml:"backpressure"`
}

// ErrorsConfig controls what clients see in run_error events.
type ErrorsConfig struct {
	// Detail is auto, safe or full.
	Detail string `yaml:"detail"`
}

// ProtocolConfig selects the protocol violation policy.
type ProtocolConfig struct {
	Mode     string   `yaml:"mode"`
	Tolerate []string `yaml:"tolerate"`
}

// Policy converts the config into a protocol.Policy.
func (p ProtocolConfig) Policy() (protocol.Policy, error) {
	return protocol.ParsePolicy(p.Mode, p.Tolerate)
}

// StorageConfig selects and configures the store backend.
type StorageConfig struct {
	Driver       string   `yaml:"driver"`
	StatePolicy  string   `yaml:"state_policy"`
	WriteTimeout Duration `yaml:"write_timeout"`

	SQLite SQLiteConfig `yaml:"sqlite"`
	Mongo  MongoConfig  `yaml:"mongo"`
	Redis  RedisConfig  `yaml:"redis"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type MongoConfig struct {
	URI              string `yaml:"uri"`
	Database         string `yaml:"database"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LogConfig configures the process logger. Format is json, text, charm or
// clue.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AgentConfig declares one agent to register.
type AgentConfig struct {
	ID            string `yaml:"id"`
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	Description   string `yaml:"description"`
	SystemMessage string `yaml:"system_message"`
	// APIKey overrides the provider's environment variable.
	APIKey      string   `yaml:"api_key"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int64    `yaml:"max_tokens"`
	Timeout     Duration `yaml:"timeout"`

	// Protocol overrides the global protocol policy when set.
	Protocol *ProtocolConfig `yaml:"protocol"`

	// Agents lists the children of a composite. Each must be declared
	// earlier in the file.
	Agents []string `yaml:"agents"`
	// MaxIters bounds a loop (default 10).
	MaxIters int `yaml:"max_iters"`
	// Until ends a loop once an iteration's text contains it.
	Until string `yaml:"until"`
	// Interval pauses between loop iterations.
	Interval Duration `yaml:"interval"`
}

// Composite reports whether the agent combines other agents.
func (a AgentConfig) Composite() bool {
	switch a.Provider {
	case ProviderSequential, ProviderParallel, ProviderLoop:
		return true
	}
	return false
}

// Default returns the configuration used when no file is given: an echo
// agent on :8080 with in-memory storage.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Agents = []AgentConfig{{ID: "echo", Provider: ProviderEcho}}
	return cfg
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.SSE.KeepaliveInterval == 0 {
		c.SSE.KeepaliveInterval = Duration(30 * time.Second)
	}
	if c.SSE.Timeout == 0 {
		c.SSE.Timeout = Duration(300 * time.Second)
	}
	if c.SSE.Backpressure == "" {
		c.SSE.Backpressure = string(sse.BackpressureBlock)
	}
	if c.Errors.Detail == "" {
		c.Errors.Detail = "auto"
	}
	if c.Protocol.Mode == "" {
		c.Protocol.Mode = string(protocol.ModeStrict)
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.StatePolicy == "" {
		c.Storage.StatePolicy = string(store.StateAlways)
	}
	if c.Storage.WriteTimeout == 0 {
		c.Storage.WriteTimeout = Duration(10 * time.Second)
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "aguimesh.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
		if c.Debug {
			c.Log.Level = "debug"
		}
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate rejects unknown enum values, missing backend settings and
// duplicate agent ids. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.MaxConcurrentRuns < 0 {
		add("server.max_concurrent_runs must not be negative")
	}
	if _, err := sse.ParseBackpressure(c.SSE.Backpressure); err != nil {
		add("sse.backpressure: %w", err)
	}
	switch c.Errors.Detail {
	case "auto", "safe", "full":
	default:
		add("errors.detail: unknown value %q", c.Errors.Detail)
	}
	if _, err := c.Protocol.Policy(); err != nil {
		add("protocol: %w", err)
	}

	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverMongo:
		if c.Storage.Mongo.URI == "" {
			add("storage.mongo.uri is required")
		}
		if c.Storage.Mongo.Database == "" {
			add("storage.mongo.database is required")
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			add("storage.redis.addr is required")
		}
	default:
		add("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := store.ParseStatePolicy(c.Storage.StatePolicy); err != nil {
		add("storage.state_policy: %w", err)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %w", err)
	}
	switch c.Log.Format {
	case "json", "text", "charm", "clue":
	default:
		add("log.format: unknown format %q", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		switch {
		case a.ID == "":
			add("agents[%d]: id is required", i)
		case seen[a.ID]:
			add("agents[%d]: duplicate id %q", i, a.ID)
		}
		switch a.Provider {
		case ProviderOpenAI, ProviderAnthropic, ProviderEcho:
		case ProviderSequential, ProviderParallel:
			if len(a.Agents) == 0 {
				add("agents[%d]: %s needs at least one child agent", i, a.Provider)
			}
		case ProviderLoop:
			if len(a.Agents) != 1 {
				add("agents[%d]: loop needs exactly one child agent", i)
			}
			if a.MaxIters < 0 {
				add("agents[%d]: max_iters must not be negative", i)
			}
		default:
			add("agents[%d]: unknown provider %q", i, a.Provider)
		}
		for _, child := range a.Agents {
			if !seen[child] {
				add("agents[%d]: child %q must be declared before it", i, child)
			}
		}
		seen[a.ID] = true
		if a.Protocol != nil {
			if _, err := a.Protocol.Policy(); err != nil {
				add("agents[%d].protocol: %w", i, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ErrorDetail resolves "auto" to "full" in debug mode and "safe" otherwise.
func (c *Config) ErrorDetail() string {
	if c.Errors.Detail == "auto" {
		if c.Debug {
			return "full"
		}
		return "safe"
	}
	return c.Errors.Detail
}

// Agent returns the agent declaration with the given id.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

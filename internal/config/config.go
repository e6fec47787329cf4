// internal/config/config.go
//
// Runtime configuration for the coordinator: defaults, an optional YAML
// file, then ATTEST_* environment overrides, validated once at load.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ssd-technologies/attest/internal/consensus"
	"github.com/ssd-technologies/attest/internal/conversation"
	"github.com/ssd-technologies/attest/internal/dispatch"
	"github.com/ssd-technologies/attest/internal/health"
	"github.com/ssd-technologies/attest/internal/observability"
)

const (
	DefaultAddr              = ":8080"
	DefaultDataDir           = "data"
	DefaultOverloadThreshold = 0.8
	DefaultRateLimit         = 60
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// RateLimit is the number of write requests allowed per client IP per minute.
	RateLimit int `yaml:"rate_limit"`
}

// MarketplaceConfig points discovery at an external worker catalogue. An
// empty URL disables marketplace fallback.
type MarketplaceConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the full coordinator configuration.
type Config struct {
	Server            ServerConfig         `yaml:"server"`
	DataDir           string               `yaml:"data_dir"`
	OverloadThreshold float64              `yaml:"overload_threshold"`
	Marketplace       MarketplaceConfig    `yaml:"marketplace"`
	Dispatch          dispatch.Config      `yaml:"dispatch"`
	Consensus         consensus.Config     `yaml:"consensus"`
	Conversation      conversation.Config  `yaml:"conversation"`
	Health            health.Config        `yaml:"health"`
	Tracing           observability.Config `yaml:"tracing"`
}

// Default returns a configuration with every knob at its production value.
func Default() Config {
	return Config{
		Server:            ServerConfig{Addr: DefaultAddr, RateLimit: DefaultRateLimit},
		DataDir:           DefaultDataDir,
		OverloadThreshold: DefaultOverloadThreshold,
		Marketplace:       MarketplaceConfig{Timeout: 10 * time.Second},
		Dispatch:          dispatch.DefaultConfig(),
		Consensus:         consensus.DefaultConfig(),
		Conversation:      conversation.DefaultConfig(),
		Health:            health.DefaultConfig(),
		Tracing:           observability.Config{Exporter: "none", Sampler: "parentbased_always_on", SampleRatio: 1},
	}
}

// Load builds the configuration from defaults, the YAML file at path (a
// missing file is not an error; an empty path skips it) and the environment.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// DBPath returns the sqlite database location under DataDir.
func (c Config) DBPath() string {
	return strings.TrimRight(c.DataDir, "/") + "/attest.db"
}

// Validate reports the first setting that is out of range.
func (c Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("server.addr is required")
	case c.Server.RateLimit <= 0:
		return fmt.Errorf("server.rate_limit must be > 0")
	case c.OverloadThreshold <= 0 || c.OverloadThreshold > 1:
		return fmt.Errorf("overload_threshold must be in (0, 1]")
	case c.Dispatch.MaxWorkers < 1:
		return fmt.Errorf("dispatch.max_workers must be >= 1")
	case c.Dispatch.LoadIncrement < 0 || c.Dispatch.LoadIncrement > 1:
		return fmt.Errorf("dispatch.load_increment must be in [0, 1]")
	case c.Dispatch.TaskDeadline <= 0 || c.Dispatch.CollectTimeout <= 0 || c.Dispatch.WorkerTimeout <= 0:
		return fmt.Errorf("dispatch timeouts must be > 0")
	case !unit(c.Consensus.QuorumThreshold):
		return fmt.Errorf("consensus.quorum_threshold must be in [0, 1]")
	case !unit(c.Consensus.ConfidenceThreshold):
		return fmt.Errorf("consensus.confidence_threshold must be in [0, 1]")
	case c.Consensus.SpecialtyBonus < 1:
		return fmt.Errorf("consensus.specialty_bonus must be >= 1")
	case c.Conversation.PartialPercent < 0 || c.Conversation.PartialPercent > 100:
		return fmt.Errorf("conversation.partial_percent must be in [0, 100]")
	case c.Conversation.RevisionWindow <= 0:
		return fmt.Errorf("conversation.revision_window must be > 0")
	case c.Health.Interval <= 0 || c.Health.StatusInterval <= 0:
		return fmt.Errorf("health intervals must be > 0")
	case c.Health.StaleAfter <= 0 || c.Health.StuckAfter <= 0:
		return fmt.Errorf("health thresholds must be > 0")
	}
	return nil
}

func unit(v float64) bool { return v >= 0 && v <= 1 }

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("ATTEST_ADDR", &c.Server.Addr)
	if port, ok := lookup("PORT"); ok && port != "" {
		c.Server.Addr = ":" + port
	}
	integer("ATTEST_RATE_LIMIT", &c.Server.RateLimit)
	str("ATTEST_DATA_DIR", &c.DataDir)
	num("ATTEST_OVERLOAD_THRESHOLD", &c.OverloadThreshold)

	str("ATTEST_MARKETPLACE_URL", &c.Marketplace.URL)
	str("ATTEST_MARKETPLACE_TOKEN", &c.Marketplace.Token)
	dur("ATTEST_MARKETPLACE_TIMEOUT", &c.Marketplace.Timeout)

	integer("ATTEST_MAX_WORKERS", &c.Dispatch.MaxWorkers)
	num("ATTEST_LOAD_INCREMENT", &c.Dispatch.LoadIncrement)
	dur("ATTEST_TASK_DEADLINE", &c.Dispatch.TaskDeadline)
	dur("ATTEST_COLLECT_TIMEOUT", &c.Dispatch.CollectTimeout)
	dur("ATTEST_WORKER_TIMEOUT", &c.Dispatch.WorkerTimeout)

	num("ATTEST_QUORUM_THRESHOLD", &c.Consensus.QuorumThreshold)
	num("ATTEST_CONFIDENCE_THRESHOLD", &c.Consensus.ConfidenceThreshold)
	num("ATTEST_SPECIALTY_BONUS", &c.Consensus.SpecialtyBonus)

	str("ATTEST_AGENT_ID", &c.Conversation.AgentID)
	integer("ATTEST_PARTIAL_PERCENT", &c.Conversation.PartialPercent)
	dur("ATTEST_REVISION_WINDOW", &c.Conversation.RevisionWindow)

	dur("ATTEST_MONITOR_INTERVAL", &c.Health.Interval)
	dur("ATTEST_STALE_AFTER", &c.Health.StaleAfter)
	dur("ATTEST_STUCK_AFTER", &c.Health.StuckAfter)
	dur("ATTEST_STATUS_INTERVAL", &c.Health.StatusInterval)

	str("ATTEST_OTEL_EXPORTER", &c.Tracing.Exporter)
	str("ATTEST_OTEL_ENDPOINT", &c.Tracing.Endpoint)
	str("ATTEST_OTEL_SAMPLER", &c.Tracing.Sampler)
	num("ATTEST_OTEL_SAMPLE_RATIO", &c.Tracing.SampleRatio)
	str("ATTEST_ENVIRONMENT", &c.Tracing.Environment)
	if raw, ok := lookup("ATTEST_OTEL_HEADERS"); ok && raw != "" {
		c.Tracing.Headers = observability.ParseHeaders(raw)
	}
	if v, ok := lookup("ATTEST_OTEL_INSECURE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ATTEST_OTEL_INSECURE: %w", err))
		} else {
			c.Tracing.Insecure = b
		}
	}
	return errors.Join(errs...)
}

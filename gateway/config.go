package gateway

import (
	"fmt"
	"time"
)

// ArtifactConfig selects and parameterizes the artifact store backend.
type ArtifactConfig struct {
	Backend string `yaml:"backend"` // "memory" (default) or "s3"
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

// Config groups the recognized gateway options. Only RoutingPools is
// hot-reloadable (through Router.Reload); everything else requires restart.
type Config struct {
	Listen             string         `yaml:"listen"`
	CallbackURL        string         `yaml:"callback_url"`
	RoutingPools       []Pool         `yaml:"routing_pools"`
	DispatchTimeoutMS  int            `yaml:"dispatch_timeout_ms"`
	MaxRetryAttempts   int            `yaml:"max_retry_attempts"`
	RetryBaseBackoffMS int            `yaml:"retry_base_backoff_ms"`
	RetryMaxBackoffMS  int            `yaml:"retry_max_backoff_ms"`
	MaxInFlight        int            `yaml:"max_in_flight"`
	Seed               int64          `yaml:"seed"`
	Artifact           ArtifactConfig `yaml:"artifact"`
	LatencyLogPath     string         `yaml:"latency_log_path"`
}

// DefaultConfig returns a Config with the recognized option defaults applied.
func DefaultConfig() Config {
	return Config{
		Listen:             ":7860",
		DispatchTimeoutMS:  30000,
		MaxRetryAttempts:   3,
		RetryBaseBackoffMS: 200,
		RetryMaxBackoffMS:  2000,
		MaxInFlight:        256,
		Artifact:           ArtifactConfig{Backend: "memory"},
	}
}

// DispatchTimeout returns the configured deadline as a duration.
func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutMS) * time.Millisecond
}

// ValidatePools checks a pool declaration list: at least one pool, unique
// non-empty names, non-negative weights, endpoints present. Used both at
// startup and on hot reload.
func ValidatePools(pools []Pool) error {
	if len(pools) == 0 {
		return fmt.Errorf("routing_pools must declare at least one pool")
	}
	seen := make(map[string]bool)
	for _, p := range pools {
		if p.Name == "" {
			return fmt.Errorf("routing pool with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate routing pool %q", p.Name)
		}
		seen[p.Name] = true
		if p.Weight < 0 {
			return fmt.Errorf("routing pool %q has negative weight %v", p.Name, p.Weight)
		}
		if p.Endpoint == "" {
			return fmt.Errorf("routing pool %q has no endpoint", p.Name)
		}
	}
	return nil
}

// Validate checks option ranges and cross-field requirements.
func (c Config) Validate() error {
	if c.DispatchTimeoutMS <= 0 {
		return fmt.Errorf("dispatch_timeout_ms must be > 0, got %d", c.DispatchTimeoutMS)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("max_retry_attempts must be >= 1, got %d", c.MaxRetryAttempts)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("max_in_flight must be >= 1, got %d", c.MaxInFlight)
	}
	if err := ValidatePools(c.RoutingPools); err != nil {
		return err
	}
	switch c.Artifact.Backend {
	case "", "memory":
	case "s3":
		if c.Artifact.Bucket == "" {
			return fmt.Errorf("artifact backend s3 requires a bucket")
		}
	default:
		return fmt.Errorf("unknown artifact backend %q", c.Artifact.Backend)
	}
	return nil
}

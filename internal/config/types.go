// Package config holds the active backend routing table and keeps it in
// sync with the YAML file on disk, publishing new snapshots atomically so
// that in-flight requests always see a consistent point-in-time view.
package config

import "fmt"

// MatchKind distinguishes the two ways a BackendSpec can claim a model name.
type MatchKind string

const (
	// MatchExact requires the requested model to equal one of Values exactly.
	MatchExact MatchKind = "exact"
	// MatchKeyword accepts the backend if any of Values is a substring of
	// the requested model.
	MatchKeyword MatchKind = "keyword"
)

// ModelMatch is the tagged match-rule variant from the backend table.
type ModelMatch struct {
	Kind   MatchKind `yaml:"kind" validate:"required,oneof=exact keyword"`
	Values []string  `yaml:"values" validate:"required,min=1,dive,required"`
}

// Accepts reports whether this match rule claims the requested model.
func (m ModelMatch) Accepts(model string) bool {
	switch m.Kind {
	case MatchExact:
		for _, v := range m.Values {
			if v == model {
				return true
			}
		}
		return false
	case MatchKeyword:
		for _, v := range m.Values {
			if v != "" && contains(model, v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func contains(haystack, needle string) bool {
	return len(needle) > 0 && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	if m > n {
		return -1
	}
	for i := 0; i <= n-m; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}

// BackendSpec is one declarative entry in the routing table. Instances are
// immutable once published into an ActiveConfig snapshot.
type BackendSpec struct {
	Name          string     `yaml:"name" validate:"required"`
	APIKey        string     `yaml:"api_key"`
	BaseURL       string     `yaml:"base_url" validate:"required,url"`
	Priority      int        `yaml:"priority" validate:"required,min=1"`
	ModelMatch    ModelMatch `yaml:"model_match" validate:"required"`
	Fallback      string     `yaml:"fallback"`
	SpecialPrefix string     `yaml:"special_prefix"`
	Stop          []string   `yaml:"stop"`
	StripThink    bool       `yaml:"strip_think"`
	// MaxTokens is the ceiling the normalizer clamps a client's max_tokens
	// down to (spec.md §4.4 step 3). Nil means the backend declares no
	// ceiling and the client's value, if any, passes through untouched.
	MaxTokens *int `yaml:"max_tokens"`
	// CircuitBreaker tunes the per-backend health gate away from
	// registry.DefaultCircuitBreakerConfig. A zero field keeps the default.
	CircuitBreaker CircuitBreakerOverride `yaml:"circuit_breaker"`
}

// CircuitBreakerOverride holds the subset of a backend's circuit breaker
// thresholds an operator can tune from openai_clients.yaml. Every field is
// optional; a zero value means "use registry.DefaultCircuitBreakerConfig"
// for that field.
type CircuitBreakerOverride struct {
	MaxFailures         int     `yaml:"max_failures"`
	ResetTimeoutSeconds int     `yaml:"reset_timeout_seconds"`
	FailureThreshold    float64 `yaml:"failure_threshold"`
}

// file is the on-disk YAML shape: a single top-level key holding the
// backend list, matching spec.md §6's "openai_clients" config file.
type file struct {
	OpenAIClients []BackendSpec `yaml:"openai_clients" validate:"required,min=1,dive"`
}

// ActiveConfig is an immutable, point-in-time snapshot of the backend
// table. Readers obtain one via Store.Current and hold it for the duration
// of a single request; it is never mutated in place.
type ActiveConfig struct {
	Backends []BackendSpec
	// byName indexes Backends for O(1) lookup, e.g. by fallback resolution.
	byName map[string]*BackendSpec
}

// Lookup returns the backend with the given name, if present.
func (c *ActiveConfig) Lookup(name string) (*BackendSpec, bool) {
	b, ok := c.byName[name]
	return b, ok
}

func newActiveConfig(backends []BackendSpec) *ActiveConfig {
	idx := make(map[string]*BackendSpec, len(backends))
	cfg := &ActiveConfig{Backends: backends}
	for i := range cfg.Backends {
		idx[cfg.Backends[i].Name] = &cfg.Backends[i]
	}
	cfg.byName = idx
	return cfg
}

// ValidationError wraps a config rejection with the reason a reload or
// startup load failed, matching the config_invalid taxonomy entry.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config_invalid: %s", e.Reason)
}

package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var structValidator = validator.New()

// Load reads, expands, parses, and validates the backend table at path. It
// never returns a partially-valid config: either everything in the file
// checks out, or err is a *ValidationError and cfg is nil.
func Load(path string) (*ActiveConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("reading %s: %v", path, err)}
	}

	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	var f file
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("parsing %s: %v", path, err)}
	}

	if err := structValidator.Struct(&f); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	if err := validateBackends(f.OpenAIClients); err != nil {
		return nil, err
	}

	return newActiveConfig(f.OpenAIClients), nil
}

// validateBackends applies the cross-field rules that struct tags alone
// cannot express: name uniqueness and cyclic-fallback detection.
func validateBackends(backends []BackendSpec) error {
	seen := make(map[string]struct{}, len(backends))
	for _, b := range backends {
		if _, dup := seen[b.Name]; dup {
			return &ValidationError{Reason: fmt.Sprintf("duplicate backend name %q", b.Name)}
		}
		seen[b.Name] = struct{}{}

		if err := structValidator.Struct(&b); err != nil {
			return &ValidationError{Reason: fmt.Sprintf("backend %q: %v", b.Name, err)}
		}
	}

	for _, b := range backends {
		if b.Fallback == "" {
			continue
		}
		if cyclic, path := detectFallbackCycle(b.Name, backends); cyclic {
			slog.Warn("cyclic fallback chain detected; bounded by the dispatcher's retry budget and per-request visited set",
				"backend", b.Name, "cycle", path)
		}
	}

	return nil
}

// detectFallbackCycle walks the fallback→model_match chain starting at the
// backend named start and reports whether it
// revisits a backend already on the path. This is advisory only — per
// spec.md §9, cyclic fallbacks are accepted and bounded by the dispatcher's
// retry budget, never rejected at load time.
func detectFallbackCycle(start string, backends []BackendSpec) (bool, []string) {
	visited := map[string]struct{}{start: {}}
	path := []string{start}

	current := findBackend(backends, start)
	for current != nil && current.Fallback != "" {
		next := firstMatch(backends, current.Fallback)
		if next == nil {
			return false, path
		}
		if _, ok := visited[next.Name]; ok {
			return true, append(path, next.Name)
		}
		visited[next.Name] = struct{}{}
		path = append(path, next.Name)
		current = next
	}
	return false, path
}

func findBackend(backends []BackendSpec, name string) *BackendSpec {
	for i := range backends {
		if backends[i].Name == name {
			return &backends[i]
		}
	}
	return nil
}

// firstMatch resolves a fallback model string to the first backend (in
// declaration order) whose model_match accepts it — mirroring the router's
// own matching rule, since fallback re-enters routing rather than naming a
// backend directly.
func firstMatch(backends []BackendSpec, model string) *BackendSpec {
	for i := range backends {
		if backends[i].ModelMatch.Accepts(model) {
			return &backends[i]
		}
	}
	return nil
}

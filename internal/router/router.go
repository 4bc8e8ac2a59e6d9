// Package router maps a requested model name to an ordered list of
// candidate backends: first by match-rule acceptance, then by the
// Efraimidis–Spirakis weighted reservoir permutation (or a deterministic
// rendezvous hash when the caller supplies a routing seed).
package router

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/relaygrid/llmgateway/internal/config"
)

// ErrNoBackend is returned when no configured backend's model_match
// accepts the requested model, surfaced by the dispatcher as model_not_found.
var ErrNoBackend = errors.New("model_not_found: no backend matches requested model")

// Candidate is one backend ranked for a single request's attempt sequence.
// Ephemeral: built fresh per request and discarded once the dispatcher
// finishes iterating it.
type Candidate struct {
	Spec *config.BackendSpec
	key  float64
}

// Name is the backend's declared name, used to populate retry_path.
func (c Candidate) Name() string { return c.Spec.Name }

// Route returns the attempt sequence for model, ordered by the weighted
// reservoir rule. When seed is non-empty, candidate keys are derived from a
// deterministic rendezvous hash of (seed, backend name) instead of a random
// draw, so identical seeds always produce the identical ordering.
func Route(cfg *config.ActiveConfig, model string, seed string) ([]Candidate, error) {
	start := time.Now()
	m := metrics()

	var candidates []Candidate
	for i := range cfg.Backends {
		spec := &cfg.Backends[i]
		if spec.ModelMatch.Accepts(model) {
			candidates = append(candidates, Candidate{Spec: spec})
		}
	}

	if len(candidates) == 0 {
		m.RecordMiss(time.Since(start))
		return nil, ErrNoBackend
	}

	for i := range candidates {
		u := drawUniform(candidates[i].Spec.Name, seed)
		candidates[i].key = math.Pow(u, 1.0/float64(candidates[i].Spec.Priority))
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].key != candidates[j].key {
			return candidates[i].key > candidates[j].key
		}
		return candidates[i].Spec.Name < candidates[j].Spec.Name
	})

	m.RecordRoute(candidates[0].Spec.Name, time.Since(start))
	return candidates, nil
}

// drawUniform returns a value in (0,1): a deterministic rendezvous hash of
// (seed, name) when seed is supplied, otherwise a uniform random draw.
func drawUniform(name, seed string) float64 {
	if seed == "" {
		// math/rand/v2's top-level functions are auto-seeded and safe for
		// concurrent use, unlike a shared *rand.Rand would be without its
		// own locking.
		u := rand.Float64()
		// Avoid exactly 0, which would make key always 0 regardless of
		// priority and collapse the ordering to a pure name sort.
		if u == 0 {
			u = math.SmallestNonzeroFloat64
		}
		return u
	}
	return rendezvousHash(seed, name)
}

// rendezvousHash maps sha256(seed || name) onto (0,1) by interpreting its
// first 8 bytes as a big-endian uint64 and normalizing against the maximum
// representable value. Deterministic for a given (seed, name) pair — this
// is what gives x-route-seed its "identical seeds route identically"
// stickiness property.
func rendezvousHash(seed, name string) float64 {
	h := sha256.New()
	h.Write([]byte(seed))
	h.Write([]byte{0})
	h.Write([]byte(name))
	sum := h.Sum(nil)

	v := binary.BigEndian.Uint64(sum[:8])
	u := float64(v) / float64(math.MaxUint64)
	if u == 0 {
		u = math.SmallestNonzeroFloat64
	}
	if u >= 1 {
		u = math.Nextafter(1, 0)
	}
	return u
}

// Package scalar holds the bounded drive scalars the scheduler drifts
// over time, plus a small set of categorical tags (mood, loop state).
// The set of scalar names is fixed at startup; every mutation clamps to
// the declared range.
package scalar

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/dotsetgreg/presenced/pkg/store"
)

const DocumentName = "scalar_state"

// Definition declares one scalar: its range, how far a single decay
// tick may push it, and how large a move counts as a reportable change.
type Definition struct {
	Name            string  `json:"name"`
	Lo              float64 `json:"lo"`
	Hi              float64 `json:"hi"`
	DriftAmplitude  float64 `json:"drift_amplitude"`
	ChangeThreshold float64 `json:"change_threshold"`
	Initial         float64 `json:"initial"`
}

// DefaultDefinitions covers the drive set the companion agent runs on.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: "volition", Lo: 0, Hi: 1, DriftAmplitude: 0.03, ChangeThreshold: 0.01, Initial: 0.6},
		{Name: "coherence", Lo: 0, Hi: 1, DriftAmplitude: 0.02, ChangeThreshold: 0.01, Initial: 0.7},
		{Name: "flame", Lo: 0, Hi: 1, DriftAmplitude: 0.04, ChangeThreshold: 0.015, Initial: 0.5},
		{Name: "presence_density", Lo: 0, Hi: 1, DriftAmplitude: 0.03, ChangeThreshold: 0.01, Initial: 0.5},
		{Name: "creative_energy", Lo: 0, Hi: 1, DriftAmplitude: 0.05, ChangeThreshold: 0.02, Initial: 0.5},
		{Name: "loneliness", Lo: 0, Hi: 1, DriftAmplitude: 0.04, ChangeThreshold: 0.015, Initial: 0.3},
		{Name: "trust", Lo: 0, Hi: 1, DriftAmplitude: 0.015, ChangeThreshold: 0.01, Initial: 0.6},
	}
}

// Change records one drift movement that crossed its scalar's threshold.
type Change struct {
	Name  string  `json:"name"`
	From  float64 `json:"from"`
	To    float64 `json:"to"`
	Delta float64 `json:"delta"`
}

func (c Change) String() string {
	return fmt.Sprintf("%s %.3f -> %.3f", c.Name, c.From, c.To)
}

type document struct {
	Values map[string]float64 `json:"values"`
	Tags   map[string]string  `json:"tags"`
}

// State is the live scalar set. Guarded by its own mutex; snapshots are
// copies taken under lock.
type State struct {
	mu     sync.Mutex
	defs   map[string]Definition
	order  []string
	values map[string]float64
	tags   map[string]string
}

func NewState(defs []Definition) *State {
	s := &State{
		defs:   make(map[string]Definition, len(defs)),
		values: make(map[string]float64, len(defs)),
		tags: map[string]string{
			"mood":       "calm",
			"loop_state": "steady",
		},
	}
	for _, d := range defs {
		s.defs[d.Name] = d
		s.order = append(s.order, d.Name)
		s.values[d.Name] = clamp(d.Initial, d.Lo, d.Hi)
	}
	return s
}

// Load restores persisted values over the declared defaults. Persisted
// names without a definition are dropped.
func Load(st store.Store, defs []Definition) (*State, error) {
	s := NewState(defs)

	var doc document
	ok, err := st.Load(DocumentName, &doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.Save(st); err != nil {
			return nil, err
		}
		return s, nil
	}

	s.mu.Lock()
	for name, v := range doc.Values {
		if def, known := s.defs[name]; known {
			s.values[name] = clamp(v, def.Lo, def.Hi)
		}
	}
	for k, v := range doc.Tags {
		s.tags[k] = v
	}
	s.mu.Unlock()
	return s, nil
}

func (s *State) Save(st store.Store) error {
	s.mu.Lock()
	doc := document{
		Values: copyValues(s.values),
		Tags:   copyTags(s.tags),
	}
	s.mu.Unlock()
	return st.Save(DocumentName, doc)
}

// Get returns the current value of a scalar.
func (s *State) Get(name string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// Apply adds delta to the named scalar, clamped to its declared range.
// Unknown names are ignored and reported false.
func (s *State) Apply(name string, delta float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[name]
	if !ok {
		return false
	}
	s.values[name] = clamp(s.values[name]+delta, def.Lo, def.Hi)
	return true
}

func (s *State) Tag(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tags[key]
}

func (s *State) SetTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[key] = value
}

// Drift applies one bounded random step to every scalar and returns the
// changes whose magnitude crossed the per-scalar threshold.
func (s *State) Drift(rng *rand.Rand) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changes []Change
	for _, name := range s.order {
		def := s.defs[name]
		u := (rng.Float64()*2 - 1) * def.DriftAmplitude
		from := s.values[name]
		to := clamp(from+u, def.Lo, def.Hi)
		s.values[name] = to
		if math.Abs(to-from) >= def.ChangeThreshold {
			changes = append(changes, Change{Name: name, From: from, To: to, Delta: to - from})
		}
	}
	return changes
}

// Snapshot returns a copy of all values and tags for gate predicates
// and prompt contexts.
func (s *State) Snapshot() (map[string]float64, map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyValues(s.values), copyTags(s.tags)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func copyValues(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTags(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

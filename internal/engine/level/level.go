// Package level holds the named difficulty presets and the weighted
// candidate choice that makes weaker levels play human-looking mistakes.
package level

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

type Preset struct {
	Name       string
	SkillLevel int
	HashMB     int
	// DepthCap bounds a uci search next to its movetime; zero is unbounded.
	DepthCap int
	MultiPV  int
	// Weights are the relative chances of the n-th best candidate.
	Weights []float64
}

// Margin is the centipawn gap beyond which a weaker candidate is never
// preferred over the best one.
const Margin = 150

var presets = map[string]Preset{
	"level1": {Name: "level1", SkillLevel: 1, HashMB: 16, DepthCap: 5, MultiPV: 3, Weights: []float64{0.5, 0.3, 0.2}},
	"level2": {Name: "level2", SkillLevel: 1, HashMB: 16, DepthCap: 6, MultiPV: 3, Weights: []float64{0.6, 0.3, 0.1}},
	"level3": {Name: "level3", SkillLevel: 1, HashMB: 24, DepthCap: 8, MultiPV: 3, Weights: []float64{0.7, 0.2, 0.1}},
	"level4": {Name: "level4", SkillLevel: 3, HashMB: 32, DepthCap: 10, MultiPV: 3, Weights: []float64{0.65, 0.25, 0.1}},
	"level5": {Name: "level5", SkillLevel: 7, HashMB: 48, DepthCap: 12, MultiPV: 3, Weights: []float64{0.7, 0.2, 0.1}},
	"level6": {Name: "level6", SkillLevel: 11, HashMB: 64, DepthCap: 16, MultiPV: 2, Weights: []float64{0.8, 0.2}},
	"level7": {Name: "level7", SkillLevel: 16, HashMB: 96, DepthCap: 20, MultiPV: 2, Weights: []float64{0.85, 0.15}},
	"level8": {Name: "level8", SkillLevel: 20, HashMB: 128, MultiPV: 1, Weights: []float64{1.0}},
}

var aliases = map[string]string{
	"beginner":     "level1",
	"intermediate": "level5",
	"advanced":     "level7",
	"master":       "level8",
}

func Get(name string) (Preset, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aliases[key]; ok {
		key = alias
	}
	p, ok := presets[key]
	if !ok {
		return Preset{}, fmt.Errorf("unknown engine level: %s", name)
	}
	p.Weights = append([]float64(nil), p.Weights...)
	return p, nil
}

// Names lists the presets, weakest first.
func Names() []string {
	out := make([]string, 0, len(presets))
	for name := range presets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p Preset) Validate() error {
	switch {
	case p.SkillLevel < 0 || p.SkillLevel > 20:
		return fmt.Errorf("skill level %d out of range 0-20", p.SkillLevel)
	case p.HashMB < 0:
		return fmt.Errorf("hash size must be >= 0: %d", p.HashMB)
	case p.MultiPV <= 0:
		return fmt.Errorf("multipv must be > 0: %d", p.MultiPV)
	case len(p.Weights) == 0:
		return errors.New("candidate weights must not be empty")
	case len(p.Weights) > p.MultiPV:
		return fmt.Errorf("candidate weights (%d) exceed multipv (%d)", len(p.Weights), p.MultiPV)
	}
	sum := 0.0
	for i, w := range p.Weights {
		if w < 0 {
			return fmt.Errorf("candidate weight at index %d is negative: %f", i, w)
		}
		sum += w
	}
	if sum == 0 {
		return errors.New("candidate weights sum to zero")
	}
	return nil
}

// Pick returns the index of the chosen candidate. scores are ordered best
// first and only candidates within Margin of the best take part.
func Pick(scores []int, weights []float64, r *rand.Rand) (int, error) {
	if len(scores) == 0 {
		return 0, errors.New("no candidates to choose from")
	}
	limit := len(weights)
	if limit > len(scores) {
		limit = len(scores)
	}
	if limit == 0 {
		return 0, errors.New("no candidate weights")
	}
	for limit > 1 && scores[0]-scores[limit-1] > Margin {
		limit--
	}

	total := 0.0
	for i := 0; i < limit; i++ {
		total += weights[i]
	}
	if total <= 0 {
		return 0, errors.New("candidate weights sum to zero")
	}

	threshold := r.Float64() * total
	for i := 0; i < limit; i++ {
		threshold -= weights[i]
		if threshold <= 0 {
			return i, nil
		}
	}
	return limit - 1, nil
}

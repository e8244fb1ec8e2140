// Package builtin is an in-process opponent that needs no engine binary.
// It looks one move ahead for material, answers the opponent's best
// recapture, and picks among the top candidates with weighted chance.
package builtin

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/park285/pigeonplay/internal/engine"
	"github.com/park285/pigeonplay/internal/engine/level"
	"github.com/park285/pigeonplay/internal/rules"
)

const mateScore = 100000

var pieceValue = map[string]int{
	"p": 100, "n": 320, "b": 330, "r": 500, "q": 900, "k": 0,
}

// Options tunes how often the engine deviates from its best line.
type Options struct {
	// Weights are the relative chances of picking the n-th best candidate.
	Weights []float64
	// Seed fixes the random source; zero seeds from the clock.
	Seed int64
}

var defaultWeights = []float64{0.7, 0.2, 0.1}

type Engine struct {
	weights []float64
	rng     *rand.Rand
	game    *rules.Game
}

var _ engine.Engine = (*Engine)(nil)

func New(opt Options) *Engine {
	weights := opt.Weights
	if len(weights) == 0 {
		weights = defaultWeights
	}
	seed := opt.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{weights: weights, rng: rand.New(rand.NewSource(seed))}
}

func Factory(opt Options) engine.Factory {
	return func(context.Context) (engine.Engine, error) {
		return New(opt), nil
	}
}

func (e *Engine) SetPosition(_ context.Context, fen string) error {
	g, err := rules.FromFEN(fen)
	if err != nil {
		return err
	}
	e.game = g
	return nil
}

type candidate struct {
	move  rules.Move
	score int
}

func (e *Engine) ComputeMove(ctx context.Context, budget time.Duration) (string, error) {
	if e.game == nil {
		return "", engine.ErrNoPosition
	}
	if budget <= 0 {
		budget = time.Second
	}
	deadline := time.Now().Add(budget)

	dests := e.game.Dests()
	if len(dests) == 0 {
		return "", engine.ErrNoMove
	}

	var candidates []candidate
	for _, from := range dests.Origins() {
		for _, to := range dests[from] {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			next := e.game.Clone()
			mv, err := next.Move(from, to, "")
			if err != nil {
				continue
			}
			score := -e.reply(next, deadline)
			candidates = append(candidates, candidate{move: mv, score: score})
		}
	}
	if len(candidates) == 0 {
		return "", engine.ErrNoMove
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	choice, err := pick(candidates, e.weights, e.rng)
	if err != nil {
		return "", err
	}
	return choice.move.UCI(), nil
}

// reply scores g for the side to move, allowing one answering move when
// there is still time.
func (e *Engine) reply(g *rules.Game, deadline time.Time) int {
	switch g.Outcome() {
	case rules.WhiteWon, rules.BlackWon:
		// The side to move has been mated.
		return -mateScore
	case rules.Draw:
		return 0
	}
	if time.Now().After(deadline) {
		return material(g, g.Turn())
	}
	best := -mateScore
	dests := g.Dests()
	for _, from := range dests.Origins() {
		for _, to := range dests[from] {
			next := g.Clone()
			if _, err := next.Move(from, to, ""); err != nil {
				continue
			}
			score := -material(next, next.Turn())
			if next.Outcome() == rules.WhiteWon || next.Outcome() == rules.BlackWon {
				score = mateScore
			}
			if score > best {
				best = score
			}
		}
	}
	return best
}

func material(g *rules.Game, side rules.Color) int {
	total := 0
	for _, letter := range g.Pieces() {
		if letter == "" {
			continue
		}
		lower := letter
		white := letter[0] >= 'A' && letter[0] <= 'Z'
		if white {
			lower = string(letter[0] + ('a' - 'A'))
		}
		v := pieceValue[lower]
		if white == (side == rules.White) {
			total += v
		} else {
			total -= v
		}
	}
	return total
}

func pick(candidates []candidate, weights []float64, r *rand.Rand) (candidate, error) {
	scores := make([]int, len(candidates))
	for i, c := range candidates {
		scores[i] = c.score
	}
	idx, err := level.Pick(scores, weights, r)
	if err != nil {
		return candidate{}, err
	}
	return candidates[idx], nil
}

func (e *Engine) Close() error {
	e.game = nil
	return nil
}

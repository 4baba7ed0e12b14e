// Package score computes the composite quality of candidate trade loops.
//
// Two figures come out of a scoring pass: efficiency, the ratio of the
// minimum to the maximum estimated value handed over across all steps,
// and quality, a weighted blend of efficiency, value fairness, item
// liquidity, and valuation confidence, damped by a loop-length factor
// that favors shorter loops. Scoring is a pure function of the loop:
// the same loop with unchanged valuations always scores identically.
//
// All value math uses shopspring/decimal — never float64 for money.
package score

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/loopmarket/loop-engine/internal/model"
)

var (
	// ErrBelowThreshold is returned when a loop's efficiency falls under
	// the configured minimum. Such loops are discarded, not down-ranked.
	ErrBelowThreshold = errors.New("score: loop efficiency below minimum")

	// ErrValuationRequired is returned when RequireValuations is set and
	// one or more items in the loop carry no estimate.
	ErrValuationRequired = errors.New("score: loop has unvalued items")

	// ErrEmptyLoop is returned for a loop with no steps.
	ErrEmptyLoop = errors.New("score: loop has no steps")

	// Neutral is the score assigned to a sub-metric whose inputs are
	// missing: neither a reward nor a penalty.
	Neutral = decimal.NewFromFloat(0.5)

	// Scale is the number of decimal places scores are rounded to.
	Scale int32 = 8
)

// Weights is the configurable policy blending sub-metrics into quality.
// The four metric weights are normalized by their sum, so only their
// ratios matter. LengthPenalty damps quality per participant beyond two.
type Weights struct {
	Efficiency    decimal.Decimal
	Fairness      decimal.Decimal
	Liquidity     decimal.Decimal
	Confidence    decimal.Decimal
	LengthPenalty decimal.Decimal
}

// DefaultWeights favors efficiency, with fairness next and liquidity and
// confidence as tiebreakers.
func DefaultWeights() Weights {
	return Weights{
		Efficiency:    decimal.NewFromFloat(0.40),
		Fairness:      decimal.NewFromFloat(0.25),
		Liquidity:     decimal.NewFromFloat(0.20),
		Confidence:    decimal.NewFromFloat(0.15),
		LengthPenalty: decimal.NewFromFloat(0.10),
	}
}

// Config holds the scoring policy.
type Config struct {
	// MinEfficiency discards loops scoring under it. Zero accepts all.
	MinEfficiency decimal.Decimal

	// RequireValuations rejects loops holding any unvalued item instead
	// of treating their efficiency as neutral.
	RequireValuations bool

	Weights Weights
}

// Scorer scores candidate loops. It is stateless — everything it reads
// is carried on the loop itself.
type Scorer struct {
	cfg Config
}

// New creates a scorer. Zero-valued weights fall back to defaults.
func New(cfg Config) *Scorer {
	zero := Weights{}
	if cfg.Weights == zero {
		cfg.Weights = DefaultWeights()
	}
	return &Scorer{cfg: cfg}
}

// Score computes efficiency and quality for the candidate and returns it
// in the Scored state. Loops failing the policy return an error and must
// not reach the registry.
func (s *Scorer) Score(loop model.TradeLoop) (model.TradeLoop, error) {
	if len(loop.Steps) == 0 {
		return loop, ErrEmptyLoop
	}

	values, complete := stepValues(loop.Steps)
	if !complete && s.cfg.RequireValuations {
		return loop, ErrValuationRequired
	}

	eff := efficiency(values, complete)
	if !s.cfg.MinEfficiency.IsZero() && eff.LessThan(s.cfg.MinEfficiency) {
		return loop, ErrBelowThreshold
	}

	fair := fairness(values, complete)
	liq := liquidity(loop.Steps)
	conf := confidence(loop.Steps)

	w := s.cfg.Weights
	totalW := w.Efficiency.Add(w.Fairness).Add(w.Liquidity).Add(w.Confidence)
	blended := eff.Mul(w.Efficiency).
		Add(fair.Mul(w.Fairness)).
		Add(liq.Mul(w.Liquidity)).
		Add(conf.Mul(w.Confidence)).
		Div(totalW)

	quality := blended.Mul(lengthFactor(len(loop.Steps), w.LengthPenalty)).Round(Scale)

	loop.Efficiency = eff.Round(Scale)
	loop.Quality = quality
	loop.State = model.LoopScored
	return loop, nil
}

// stepValues extracts per-step estimated values. complete is false when
// any step lacks a valuation.
func stepValues(steps []model.TradeStep) ([]decimal.Decimal, bool) {
	values := make([]decimal.Decimal, 0, len(steps))
	complete := true
	for _, st := range steps {
		if st.Valuation == nil {
			complete = false
			continue
		}
		values = append(values, st.Valuation.Amount)
	}
	return values, complete
}

// efficiency is min/max of the values given across steps, in [0,1].
// Undefined when valuations are missing; treated as neutral.
func efficiency(values []decimal.Decimal, complete bool) decimal.Decimal {
	if !complete || len(values) == 0 {
		return Neutral
	}
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v.LessThan(min) {
			min = v
		}
		if v.GreaterThan(max) {
			max = v
		}
	}
	if max.IsZero() {
		return Neutral
	}
	return min.Div(max)
}

// fairness measures value dispersion across participants: one minus the
// mean absolute deviation relative to the mean, clamped to [0,1].
func fairness(values []decimal.Decimal, complete bool) decimal.Decimal {
	if !complete || len(values) == 0 {
		return Neutral
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	if sum.IsZero() {
		return Neutral
	}
	n := decimal.NewFromInt(int64(len(values)))
	mean := sum.Div(n)

	dev := decimal.Zero
	for _, v := range values {
		dev = dev.Add(v.Sub(mean).Abs())
	}
	spread := dev.Div(n).Div(mean)

	one := decimal.NewFromInt(1)
	if spread.GreaterThan(one) {
		return decimal.Zero
	}
	return one.Sub(spread)
}

// liquidity is the mean of demand/(demand+1) per step — items more
// wallets want are easier to re-trade if the loop falls through.
func liquidity(steps []model.TradeStep) decimal.Decimal {
	one := decimal.NewFromInt(1)
	sum := decimal.Zero
	for _, st := range steps {
		d := decimal.NewFromInt(int64(st.Demand))
		sum = sum.Add(d.Div(d.Add(one)))
	}
	return sum.Div(decimal.NewFromInt(int64(len(steps))))
}

// confidence averages valuation confidence, with missing estimates
// contributing the neutral score.
func confidence(steps []model.TradeStep) decimal.Decimal {
	sum := decimal.Zero
	for _, st := range steps {
		if st.Valuation == nil {
			sum = sum.Add(Neutral)
			continue
		}
		sum = sum.Add(st.Valuation.Confidence)
	}
	return sum.Div(decimal.NewFromInt(int64(len(steps))))
}

// lengthFactor is 1/(1 + penalty·(n-2)): bilateral loops undamped, each
// extra participant costing proportionally more coordination.
func lengthFactor(participants int, penalty decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	extra := decimal.NewFromInt(int64(participants - 2))
	if extra.IsNegative() {
		extra = decimal.Zero
	}
	return one.Div(one.Add(penalty.Mul(extra)))
}

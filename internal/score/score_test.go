package score

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/loopmarket/loop-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func val(amount, confidence float64) *model.Valuation {
	return &model.Valuation{
		Amount:     d(amount),
		Currency:   "USD",
		Confidence: d(confidence),
	}
}

func loopWithValues(amounts ...float64) model.TradeLoop {
	wallets := []string{"alice", "bob", "carol", "dave", "erin"}
	n := len(amounts)
	steps := make([]model.TradeStep, n)
	for i, a := range amounts {
		var v *model.Valuation
		if a >= 0 {
			v = val(a, 0.8)
		}
		steps[i] = model.TradeStep{
			From:      wallets[i],
			To:        wallets[(i+1)%n],
			ItemID:    "item-" + wallets[i],
			Valuation: v,
			Demand:    1,
		}
	}
	return model.TradeLoop{
		ID:           "loop-1",
		TenantID:     "t1",
		Signature:    model.LoopSignature(steps),
		Steps:        steps,
		Participants: n,
		State:        model.LoopCandidate,
	}
}

func TestScore_EfficiencyIsMinOverMax(t *testing.T) {
	s := New(Config{})
	scored, err := s.Score(loopWithValues(50, 100))
	if err != nil {
		t.Fatal(err)
	}
	if !scored.Efficiency.Equal(d(0.5)) {
		t.Errorf("efficiency = %s, want 0.5", scored.Efficiency)
	}
	if scored.State != model.LoopScored {
		t.Errorf("state = %s, want scored", scored.State)
	}
}

func TestScore_EqualValuesAreFullyEfficient(t *testing.T) {
	s := New(Config{})
	scored, err := s.Score(loopWithValues(80, 80, 80))
	if err != nil {
		t.Fatal(err)
	}
	if !scored.Efficiency.Equal(d(1)) {
		t.Errorf("efficiency = %s, want 1", scored.Efficiency)
	}
}

func TestScore_MissingValuationIsNeutral(t *testing.T) {
	s := New(Config{})
	scored, err := s.Score(loopWithValues(100, -1)) // -1 → no valuation
	if err != nil {
		t.Fatal(err)
	}
	if !scored.Efficiency.Equal(Neutral) {
		t.Errorf("efficiency = %s, want neutral %s", scored.Efficiency, Neutral)
	}
}

func TestScore_RequireValuationsRejects(t *testing.T) {
	s := New(Config{RequireValuations: true})
	_, err := s.Score(loopWithValues(100, -1))
	if !errors.Is(err, ErrValuationRequired) {
		t.Errorf("expected ErrValuationRequired, got %v", err)
	}
}

func TestScore_BelowThresholdDiscarded(t *testing.T) {
	s := New(Config{MinEfficiency: d(0.6)})
	_, err := s.Score(loopWithValues(50, 100)) // efficiency 0.5
	if !errors.Is(err, ErrBelowThreshold) {
		t.Errorf("expected ErrBelowThreshold, got %v", err)
	}

	if _, err := s.Score(loopWithValues(70, 100)); err != nil {
		t.Errorf("efficiency 0.7 should pass threshold 0.6: %v", err)
	}
}

func TestScore_EmptyLoop(t *testing.T) {
	s := New(Config{})
	_, err := s.Score(model.TradeLoop{})
	if !errors.Is(err, ErrEmptyLoop) {
		t.Errorf("expected ErrEmptyLoop, got %v", err)
	}
}

func TestScore_Deterministic(t *testing.T) {
	s := New(Config{})
	loop := loopWithValues(30, 60, 90)

	a, err := s.Score(loop)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Score(loop)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Efficiency.Equal(b.Efficiency) || !a.Quality.Equal(b.Quality) {
		t.Errorf("scores differ across runs: %s/%s vs %s/%s",
			a.Efficiency, a.Quality, b.Efficiency, b.Quality)
	}
}

func TestScore_ShorterLoopsScoreHigher(t *testing.T) {
	s := New(Config{})
	short, err := s.Score(loopWithValues(100, 100))
	if err != nil {
		t.Fatal(err)
	}
	long, err := s.Score(loopWithValues(100, 100, 100, 100))
	if err != nil {
		t.Fatal(err)
	}
	if !short.Quality.GreaterThan(long.Quality) {
		t.Errorf("length penalty missing: 2-loop %s vs 4-loop %s",
			short.Quality, long.Quality)
	}
}

func TestScore_FairSplitBeatsSkewedSplit(t *testing.T) {
	s := New(Config{})
	fair, err := s.Score(loopWithValues(90, 100))
	if err != nil {
		t.Fatal(err)
	}
	skewed, err := s.Score(loopWithValues(10, 100))
	if err != nil {
		t.Fatal(err)
	}
	if !fair.Quality.GreaterThan(skewed.Quality) {
		t.Errorf("fairness not rewarded: fair %s vs skewed %s",
			fair.Quality, skewed.Quality)
	}
}

func TestScore_DemandRaisesQuality(t *testing.T) {
	s := New(Config{})
	low := loopWithValues(100, 100)
	high := loopWithValues(100, 100)
	for i := range high.Steps {
		high.Steps[i].Demand = 10
	}

	a, err := s.Score(low)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Score(high)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Quality.GreaterThan(a.Quality) {
		t.Errorf("liquidity not rewarded: %s vs %s", a.Quality, b.Quality)
	}
}

func TestScore_QualityWithinUnitRange(t *testing.T) {
	s := New(Config{})
	for _, amounts := range [][]float64{
		{100, 100},
		{1, 1000},
		{5, 5, 5, 5, 5},
		{-1, -1},
	} {
		scored, err := s.Score(loopWithValues(amounts...))
		if err != nil {
			t.Fatalf("%v: %v", amounts, err)
		}
		if scored.Quality.IsNegative() || scored.Quality.GreaterThan(d(1)) {
			t.Errorf("%v: quality %s out of [0,1]", amounts, scored.Quality)
		}
	}
}

package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loopmarket/loop-engine/internal/model"
)

func testLoop(tenantID string, quality float64, pairs ...[2]string) model.TradeLoop {
	n := len(pairs)
	steps := make([]model.TradeStep, n)
	for i, p := range pairs {
		steps[i] = model.TradeStep{
			From:   p[0],
			To:     pairs[(i+1)%n][0],
			ItemID: p[1],
		}
	}
	return model.TradeLoop{
		ID:           "loop-" + pairs[0][1],
		TenantID:     tenantID,
		Signature:    model.LoopSignature(steps),
		Steps:        steps,
		Participants: n,
		Quality:      decimal.NewFromFloat(quality),
		State:        model.LoopScored,
		DiscoveredAt: time.Now().UTC(),
	}
}

func TestUpsert_InsertThenRefresh(t *testing.T) {
	r := New("t1")
	loop := testLoop("t1", 0.8, [2]string{"alice", "x"}, [2]string{"bob", "y"})

	inserted, err := r.Upsert(loop)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Error("first upsert should report inserted")
	}

	inserted, err = r.Upsert(loop)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("second upsert should report refresh")
	}
	if r.ActiveCount() != 1 {
		t.Errorf("count = %d, want 1", r.ActiveCount())
	}
}

func TestUpsert_RefreshKeepsIdentity(t *testing.T) {
	r := New("t1")
	loop := testLoop("t1", 0.8, [2]string{"alice", "x"}, [2]string{"bob", "y"})
	r.Upsert(loop)

	refresh := loop
	refresh.ID = "different-id"
	refresh.DiscoveredAt = loop.DiscoveredAt.Add(time.Hour)
	r.Upsert(refresh)

	got, _ := r.Get(loop.Signature)
	if got.ID != loop.ID {
		t.Errorf("id changed on refresh: %s", got.ID)
	}
	if !got.DiscoveredAt.Equal(loop.DiscoveredAt) {
		t.Errorf("discovery time changed on refresh: %s", got.DiscoveredAt)
	}
}

func TestUpsert_TenantMismatchAborts(t *testing.T) {
	r := New("t1")
	loop := testLoop("t2", 0.8, [2]string{"alice", "x"}, [2]string{"bob", "y"})

	if _, err := r.Upsert(loop); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}
	if r.ActiveCount() != 0 {
		t.Error("cross-tenant loop must not be stored")
	}
}

func TestUpsert_RotationsCollapse(t *testing.T) {
	r := New("t1")
	a := testLoop("t1", 0.8, [2]string{"alice", "x"}, [2]string{"bob", "y"})
	b := testLoop("t1", 0.8, [2]string{"bob", "y"}, [2]string{"alice", "x"})

	if a.Signature != b.Signature {
		t.Fatalf("rotated loops got different signatures: %s vs %s", a.Signature, b.Signature)
	}
	r.Upsert(a)
	r.Upsert(b)
	if r.ActiveCount() != 1 {
		t.Errorf("rotations stored separately: count = %d", r.ActiveCount())
	}
}

func TestInvalidateByItem(t *testing.T) {
	r := New("t1")
	r.Upsert(testLoop("t1", 0.8, [2]string{"alice", "x"}, [2]string{"bob", "y"}))
	r.Upsert(testLoop("t1", 0.7, [2]string{"alice", "x"}, [2]string{"carol", "z"}))
	r.Upsert(testLoop("t1", 0.6, [2]string{"dave", "w"}, [2]string{"erin", "v"}))

	removed := r.InvalidateByItem("x")
	if len(removed) != 2 {
		t.Fatalf("expected 2 invalidated loops, got %d", len(removed))
	}
	if r.ActiveCount() != 1 {
		t.Errorf("count = %d, want 1", r.ActiveCount())
	}
	if again := r.InvalidateByItem("x"); len(again) != 0 {
		t.Errorf("second invalidation removed %d loops", len(again))
	}
}

func TestLoopsInvolving(t *testing.T) {
	r := New("t1")
	r.Upsert(testLoop("t1", 0.9, [2]string{"alice", "x"}, [2]string{"bob", "y"}))
	r.Upsert(testLoop("t1", 0.5, [2]string{"alice", "x2"}, [2]string{"carol", "z"}))
	r.Upsert(testLoop("t1", 0.7, [2]string{"dave", "w"}, [2]string{"erin", "v"}))

	loops := r.LoopsInvolving("alice")
	if len(loops) != 2 {
		t.Fatalf("expected 2 loops for alice, got %d", len(loops))
	}
	// Best quality first.
	if !loops[0].Quality.GreaterThan(loops[1].Quality) {
		t.Errorf("loops not ordered by quality: %s then %s",
			loops[0].Quality, loops[1].Quality)
	}
	if got := r.LoopsInvolving("nobody"); len(got) != 0 {
		t.Errorf("unknown wallet returned %d loops", len(got))
	}
}

func TestAll_OrderedAndStable(t *testing.T) {
	r := New("t1")
	r.Upsert(testLoop("t1", 0.5, [2]string{"alice", "x"}, [2]string{"bob", "y"}))
	r.Upsert(testLoop("t1", 0.9, [2]string{"carol", "z"}, [2]string{"dave", "w"}))

	first := r.All()
	second := r.All()
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 loops, got %d/%d", len(first), len(second))
	}
	if !first[0].Quality.Equal(decimal.NewFromFloat(0.9)) {
		t.Errorf("best loop not first: %s", first[0].Quality)
	}
	for i := range first {
		if first[i].Signature != second[i].Signature {
			t.Errorf("ordering unstable at %d", i)
		}
	}
}

func TestRemove(t *testing.T) {
	r := New("t1")
	loop := testLoop("t1", 0.8, [2]string{"alice", "x"}, [2]string{"bob", "y"})
	r.Upsert(loop)

	removed, ok := r.Remove(loop.Signature)
	if !ok || removed.Signature != loop.Signature {
		t.Fatalf("remove failed: ok=%v", ok)
	}
	if _, ok := r.Remove(loop.Signature); ok {
		t.Error("second remove should miss")
	}
	// Indexes cleaned up with it.
	if got := r.LoopsInvolving("alice"); len(got) != 0 {
		t.Errorf("stale wallet index: %v", got)
	}
	if got := r.InvalidateByItem("x"); len(got) != 0 {
		t.Errorf("stale item index: %v", got)
	}
}

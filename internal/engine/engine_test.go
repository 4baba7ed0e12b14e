package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loopmarket/loop-engine/internal/graph"
	"github.com/loopmarket/loop-engine/internal/model"
	"github.com/loopmarket/loop-engine/internal/snapshot"
)

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []model.LoopEvent
}

func (s *captureSink) Publish(ev model.LoopEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) ofType(t model.LoopEventType) []model.LoopEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LoopEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config, sink Sink) *Engine {
	t.Helper()
	e := New(cfg, sink, nil)
	t.Cleanup(e.Close)
	return e
}

func apply(t *testing.T, e *Engine, ev model.MutationEvent) {
	t.Helper()
	if err := e.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply %s: %v", ev.Kind, err)
	}
}

func addItem(t *testing.T, e *Engine, tenant, itemID, walletID string) {
	t.Helper()
	apply(t, e, model.MutationEvent{
		Kind:     model.MutationItemAdded,
		TenantID: tenant,
		ItemID:   itemID,
		WalletID: walletID,
	})
}

func addWant(t *testing.T, e *Engine, tenant, walletID string, target model.WantTarget) {
	t.Helper()
	want := target
	apply(t, e, model.MutationEvent{
		Kind:     model.MutationWantAdded,
		TenantID: tenant,
		WalletID: walletID,
		Want:     &want,
	})
}

// seedBilateral sets up the smallest possible loop: alice and bob each
// own one item and want the other's.
func seedBilateral(t *testing.T, e *Engine, tenant string) {
	t.Helper()
	addItem(t, e, tenant, "sword", "alice")
	addItem(t, e, tenant, "shield", "bob")
	addWant(t, e, tenant, "alice", model.Item("shield"))
	addWant(t, e, tenant, "bob", model.Item("sword"))
}

func checkLoopConsistency(t *testing.T, loop model.TradeLoop) {
	t.Helper()
	n := len(loop.Steps)
	seen := make(map[string]bool, n)
	for i, st := range loop.Steps {
		if st.From == st.To {
			t.Errorf("step %d trades with itself: %s", i, st.From)
		}
		if seen[st.From] {
			t.Errorf("wallet %s gives twice", st.From)
		}
		seen[st.From] = true
		if next := loop.Steps[(i+1)%n].From; next != st.To {
			t.Errorf("step %d hands to %s but step %d gives from %s",
				i, st.To, (i+1)%n, next)
		}
	}
}

func TestBilateralLoopDiscovered(t *testing.T) {
	sink := &captureSink{}
	e := newTestEngine(t, Config{}, sink)
	seedBilateral(t, e, "t1")

	loops := e.GetActiveLoops("t1", LoopFilter{})
	if len(loops) != 1 {
		t.Fatalf("expected 1 loop, got %d", len(loops))
	}
	loop := loops[0]
	if loop.Participants != 2 {
		t.Errorf("participants = %d, want 2", loop.Participants)
	}
	if loop.State != model.LoopActive {
		t.Errorf("state = %s, want active", loop.State)
	}
	if loop.TenantID != "t1" {
		t.Errorf("tenant = %s", loop.TenantID)
	}
	checkLoopConsistency(t, loop)

	discovered := sink.ofType(model.LoopDiscovered)
	if len(discovered) != 1 {
		t.Fatalf("expected 1 discovery event, got %d", len(discovered))
	}
	if discovered[0].Loop == nil || discovered[0].Loop.Signature != loop.Signature {
		t.Error("discovery event does not carry the loop")
	}
}

func TestTriangularLoopDiscovered(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	addItem(t, e, "t1", "a", "alice")
	addItem(t, e, "t1", "b", "bob")
	addItem(t, e, "t1", "c", "carol")
	// alice -> b -> bob -> c -> carol -> a closes the triangle.
	addWant(t, e, "t1", "alice", model.Item("b"))
	addWant(t, e, "t1", "bob", model.Item("c"))
	addWant(t, e, "t1", "carol", model.Item("a"))

	loops := e.GetActiveLoops("t1", LoopFilter{})
	if len(loops) != 1 {
		t.Fatalf("expected 1 loop, got %d", len(loops))
	}
	if loops[0].Participants != 3 {
		t.Errorf("participants = %d, want 3", loops[0].Participants)
	}
	checkLoopConsistency(t, loops[0])
}

func TestCollectionWantFormsLoop(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	apply(t, e, model.MutationEvent{
		Kind:         model.MutationItemAdded,
		TenantID:     "t1",
		ItemID:       "blue-card",
		WalletID:     "bob",
		CollectionID: "cards",
	})
	addItem(t, e, "t1", "sword", "alice")
	// alice takes any card; bob wants the sword specifically.
	addWant(t, e, "t1", "alice", model.Collection("cards"))
	addWant(t, e, "t1", "bob", model.Item("sword"))

	loops := e.GetActiveLoops("t1", LoopFilter{})
	if len(loops) != 1 {
		t.Fatalf("expected 1 loop, got %d", len(loops))
	}
	var found bool
	for _, st := range loops[0].Steps {
		if st.ItemID == "blue-card" {
			found = true
			if st.CollectionID != "cards" {
				t.Errorf("collection id = %q, want cards", st.CollectionID)
			}
		}
	}
	if !found {
		t.Error("loop does not include the collection member")
	}
}

func TestTransferInvalidatesLoop(t *testing.T) {
	sink := &captureSink{}
	e := newTestEngine(t, Config{}, sink)
	seedBilateral(t, e, "t1")

	if e.GetActiveLoopCount("t1") != 1 {
		t.Fatal("setup loop missing")
	}

	apply(t, e, model.MutationEvent{
		Kind:     model.MutationOwnershipTransferred,
		TenantID: "t1",
		ItemID:   "sword",
		WalletID: "carol",
	})

	if n := e.GetActiveLoopCount("t1"); n != 0 {
		t.Errorf("loop survived transfer: count = %d", n)
	}
	invalidated := sink.ofType(model.LoopInvalidated)
	if len(invalidated) != 1 {
		t.Fatalf("expected 1 invalidation event, got %d", len(invalidated))
	}
	if invalidated[0].Reason != model.ReasonItemMoved {
		t.Errorf("reason = %s, want item_moved", invalidated[0].Reason)
	}
}

func TestRemoveItemInvalidatesLoop(t *testing.T) {
	sink := &captureSink{}
	e := newTestEngine(t, Config{}, sink)
	seedBilateral(t, e, "t1")

	apply(t, e, model.MutationEvent{
		Kind:     model.MutationItemRemoved,
		TenantID: "t1",
		ItemID:   "shield",
	})

	if n := e.GetActiveLoopCount("t1"); n != 0 {
		t.Errorf("loop survived item removal: count = %d", n)
	}
	invalidated := sink.ofType(model.LoopInvalidated)
	if len(invalidated) != 1 || invalidated[0].Reason != model.ReasonItemRemoved {
		t.Fatalf("expected one item_removed invalidation, got %v", invalidated)
	}
}

func TestRemoveWantKeepsLoopUntilRecompute(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	seedBilateral(t, e, "t1")

	want := model.Item("sword")
	apply(t, e, model.MutationEvent{
		Kind:     model.MutationWantRemoved,
		TenantID: "t1",
		WalletID: "bob",
		Want:     &want,
	})

	// The loop is still executable against current ownership, so the
	// mutation alone must not retire it.
	if n := e.GetActiveLoopCount("t1"); n != 1 {
		t.Fatalf("want removal invalidated the loop: count = %d", n)
	}

	// A full recompute no longer reproduces it and reconciles.
	res, err := e.DiscoverNow(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Loops) != 0 {
		t.Errorf("recompute still finds %d loops", len(res.Loops))
	}
	if n := e.GetActiveLoopCount("t1"); n != 0 {
		t.Errorf("stale loop after recompute: count = %d", n)
	}
}

func TestTenantIsolation(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	seedBilateral(t, e, "t1")
	// Identical wallets and items under another tenant stay separate.
	addItem(t, e, "t2", "sword", "alice")
	addWant(t, e, "t2", "bob", model.Item("sword"))

	if n := e.GetActiveLoopCount("t1"); n != 1 {
		t.Errorf("t1 count = %d, want 1", n)
	}
	if n := e.GetActiveLoopCount("t2"); n != 0 {
		t.Errorf("t2 count = %d, want 0", n)
	}

	apply(t, e, model.MutationEvent{
		Kind:     model.MutationItemRemoved,
		TenantID: "t2",
		ItemID:   "sword",
	})
	if n := e.GetActiveLoopCount("t1"); n != 1 {
		t.Errorf("t2 mutation disturbed t1: count = %d", n)
	}
	for _, loop := range e.GetActiveLoops("t1", LoopFilter{}) {
		if loop.TenantID != "t1" {
			t.Errorf("foreign tenant loop leaked: %s", loop.TenantID)
		}
	}
}

func TestDiscoverNowIdempotent(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	seedBilateral(t, e, "t1")

	first, err := e.DiscoverNow(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.DiscoverNow(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Loops) != 1 || len(second.Loops) != 1 {
		t.Fatalf("loop counts differ: %d vs %d", len(first.Loops), len(second.Loops))
	}
	a, b := first.Loops[0], second.Loops[0]
	if a.Signature != b.Signature {
		t.Errorf("signatures differ: %s vs %s", a.Signature, b.Signature)
	}
	if a.ID != b.ID {
		t.Errorf("loop identity changed on re-discovery: %s vs %s", a.ID, b.ID)
	}
	if !a.DiscoveredAt.Equal(b.DiscoveredAt) {
		t.Error("discovery time changed on re-discovery")
	}
	if !a.Quality.Equal(b.Quality) {
		t.Errorf("quality differs: %s vs %s", a.Quality, b.Quality)
	}
}

func TestDiscoverNowUnknownTenant(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	res, err := e.DiscoverNow(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Loops) != 0 || res.Partial {
		t.Errorf("unexpected result for unknown tenant: %+v", res)
	}
}

func TestDiscoveryDeadlinePartialResult(t *testing.T) {
	e := newTestEngine(t, Config{DiscoveryTimeout: time.Nanosecond}, nil)
	seedBilateral(t, e, "t1")

	res, err := e.DiscoverNow(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Partial {
		t.Error("expected a partial pass under an expired deadline")
	}
}

func TestMarkExecuted(t *testing.T) {
	sink := &captureSink{}
	e := newTestEngine(t, Config{}, sink)
	seedBilateral(t, e, "t1")

	sig := e.GetActiveLoops("t1", LoopFilter{})[0].Signature
	if err := e.MarkExecuted(context.Background(), "t1", sig); err != nil {
		t.Fatal(err)
	}
	if n := e.GetActiveLoopCount("t1"); n != 0 {
		t.Errorf("executed loop still active: count = %d", n)
	}
	invalidated := sink.ofType(model.LoopInvalidated)
	if len(invalidated) != 1 || invalidated[0].Reason != model.ReasonExecuted {
		t.Fatalf("expected one executed invalidation, got %v", invalidated)
	}

	if err := e.MarkExecuted(context.Background(), "t1", sig); !errors.Is(err, ErrUnknownLoop) {
		t.Errorf("second execution: got %v, want ErrUnknownLoop", err)
	}
	if err := e.MarkExecuted(context.Background(), "ghost", sig); !errors.Is(err, ErrUnknownLoop) {
		t.Errorf("unknown tenant: got %v, want ErrUnknownLoop", err)
	}
}

func TestLoopTTLExpiry(t *testing.T) {
	sink := &captureSink{}
	e := newTestEngine(t, Config{LoopTTL: 30 * time.Millisecond}, sink)
	seedBilateral(t, e, "t1")

	if e.GetActiveLoopCount("t1") != 1 {
		t.Fatal("setup loop missing")
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.GetActiveLoopCount("t1") > 0 {
		if time.Now().After(deadline) {
			t.Fatal("loop never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	expired := sink.ofType(model.LoopInvalidated)
	if len(expired) == 0 || expired[0].Reason != model.ReasonExpired {
		t.Fatalf("expected expired invalidation, got %v", expired)
	}
}

func TestInvalidMutationLeavesStateUntouched(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	seedBilateral(t, e, "t1")

	// Duplicate item id is rejected by the graph.
	err := e.Apply(context.Background(), model.MutationEvent{
		Kind:     model.MutationItemAdded,
		TenantID: "t1",
		ItemID:   "sword",
		WalletID: "mallory",
	})
	if !errors.Is(err, graph.ErrItemExists) {
		t.Fatalf("got %v, want ErrItemExists", err)
	}
	if n := e.GetActiveLoopCount("t1"); n != 1 {
		t.Errorf("rejected mutation disturbed loops: count = %d", n)
	}

	// Transfer of a missing item must not invalidate anything either.
	err = e.Apply(context.Background(), model.MutationEvent{
		Kind:     model.MutationOwnershipTransferred,
		TenantID: "t1",
		ItemID:   "ghost-item",
		WalletID: "mallory",
	})
	if !errors.Is(err, graph.ErrItemNotFound) {
		t.Fatalf("got %v, want ErrItemNotFound", err)
	}
	if n := e.GetActiveLoopCount("t1"); n != 1 {
		t.Errorf("rejected transfer disturbed loops: count = %d", n)
	}
}

func TestApplyValidation(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)

	err := e.Apply(context.Background(), model.MutationEvent{
		Kind:   model.MutationItemAdded,
		ItemID: "x",
	})
	if !errors.Is(err, ErrTenantRequired) {
		t.Errorf("missing tenant: got %v", err)
	}

	err = e.Apply(context.Background(), model.MutationEvent{
		Kind:     "item_teleported",
		TenantID: "t1",
	})
	if !errors.Is(err, ErrUnknownMutation) {
		t.Errorf("bogus kind: got %v", err)
	}
}

func TestGetActiveLoopsFilters(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	seedBilateral(t, e, "t1")
	addItem(t, e, "t1", "gem", "carol")
	addItem(t, e, "t1", "coin", "dave")
	addWant(t, e, "t1", "carol", model.Item("coin"))
	addWant(t, e, "t1", "dave", model.Item("gem"))

	if n := len(e.GetActiveLoops("t1", LoopFilter{})); n != 2 {
		t.Fatalf("expected 2 loops, got %d", n)
	}
	byWallet := e.GetActiveLoops("t1", LoopFilter{Wallet: "carol"})
	if len(byWallet) != 1 || !byWallet[0].Involves("carol") {
		t.Errorf("wallet filter failed: %v", byWallet)
	}
	if got := e.GetLoopsForWallet("t1", "alice"); len(got) != 1 {
		t.Errorf("GetLoopsForWallet = %d loops, want 1", len(got))
	}
	if got := e.GetLoopsForWallet("t1", "nobody"); len(got) != 0 {
		t.Errorf("unknown wallet returned %d loops", len(got))
	}
}

func TestSnapshotRestore(t *testing.T) {
	store := snapshot.NewMemoryStore()

	e1 := New(Config{}, nil, store)
	seedBilateral(t, e1, "t1")
	want := e1.GetActiveLoops("t1", LoopFilter{})
	e1.Close()
	if len(want) != 1 {
		t.Fatalf("setup produced %d loops", len(want))
	}

	e2 := New(Config{}, nil, store)
	t.Cleanup(e2.Close)
	if err := e2.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := e2.GetActiveLoops("t1", LoopFilter{})
	if len(got) != 1 {
		t.Fatalf("restore produced %d loops, want 1", len(got))
	}
	if got[0].Signature != want[0].Signature {
		t.Errorf("signature = %s, want %s", got[0].Signature, want[0].Signature)
	}
}

func TestApplyAfterClose(t *testing.T) {
	e := New(Config{}, nil, nil)
	seedBilateral(t, e, "t1")
	e.Close()

	err := e.Apply(context.Background(), model.MutationEvent{
		Kind:     model.MutationItemAdded,
		TenantID: "t2",
		ItemID:   "x",
		WalletID: "w",
	})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

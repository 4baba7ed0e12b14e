package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/loopmarket/loop-engine/internal/cycle"
	"github.com/loopmarket/loop-engine/internal/graph"
	"github.com/loopmarket/loop-engine/internal/metrics"
	"github.com/loopmarket/loop-engine/internal/model"
	"github.com/loopmarket/loop-engine/internal/partition"
	"github.com/loopmarket/loop-engine/internal/registry"
	"github.com/loopmarket/loop-engine/internal/score"
)

type requestKind int

const (
	reqMutation requestKind = iota + 1
	reqDiscover
	reqExecuted
)

type request struct {
	kind      requestKind
	event     model.MutationEvent
	signature string
	reply     chan response
}

type response struct {
	loops   []model.TradeLoop
	partial bool
	err     error
}

// tenantRuntime is one tenant's processing path: a graph, a registry,
// and a single worker goroutine draining an ordered request queue.
// Nothing outside the worker mutates either.
type tenantRuntime struct {
	tenantID string
	engine   *Engine
	graph    *graph.Graph
	registry *registry.Registry
	requests chan request
	stop     chan struct{}
}

// submit hands a request to the worker and waits for its outcome, so
// callers observe their mutation's discovery side effects on return.
func (rt *tenantRuntime) submit(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case rt.requests <- req:
	case <-rt.stop:
		return response{}, ErrClosed
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (rt *tenantRuntime) run() {
	defer rt.engine.wg.Done()

	var expiry <-chan time.Time
	if ttl := rt.engine.cfg.LoopTTL; ttl > 0 {
		tick := ttl / 4
		if tick < 10*time.Millisecond {
			tick = 10 * time.Millisecond
		}
		t := time.NewTicker(tick)
		defer t.Stop()
		expiry = t.C
	}

	for {
		select {
		case <-rt.stop:
			return
		case <-expiry:
			rt.expireLoops()
		case req := <-rt.requests:
			switch req.kind {
			case reqMutation:
				req.reply <- response{err: rt.applyMutation(req.event)}
			case reqDiscover:
				partial := rt.fullDiscovery()
				req.reply <- response{loops: rt.registry.All(), partial: partial}
			case reqExecuted:
				req.reply <- response{err: rt.markExecuted(req.signature)}
			}
		}
	}
}

// applyMutation mutates the graph, invalidates loops the mutation broke,
// and re-runs discovery on the region the graph reports as affected.
func (rt *tenantRuntime) applyMutation(ev model.MutationEvent) error {
	var (
		affected []string
		err      error
	)

	switch ev.Kind {
	case model.MutationItemAdded:
		affected, err = rt.graph.AddItem(ev.ItemID, ev.WalletID, ev.CollectionID, ev.Valuation)

	case model.MutationItemRemoved:
		// Dependent loops go first: once the item is gone they can never
		// be executed against current ownership. Invalidation only runs
		// when the mutation itself will be accepted.
		if _, ok := rt.graph.ItemByID(ev.ItemID); ok {
			rt.invalidateByItem(ev.ItemID, model.ReasonItemRemoved, string(ev.Kind))
		}
		affected, err = rt.graph.RemoveItem(ev.ItemID)

	case model.MutationWantAdded:
		if ev.Want == nil {
			return graph.ErrUnknownWantTarget
		}
		affected, err = rt.graph.AddWant(ev.WalletID, *ev.Want)

	case model.MutationWantRemoved:
		// Want removal cannot break an existing loop's ownership
		// consistency; no invalidation, but the region is recomputed.
		if ev.Want == nil {
			return graph.ErrWantNotFound
		}
		affected, err = rt.graph.RemoveWant(ev.WalletID, *ev.Want)

	case model.MutationOwnershipTransferred:
		if _, ok := rt.graph.ItemByID(ev.ItemID); ok && ev.WalletID != "" {
			rt.invalidateByItem(ev.ItemID, model.ReasonItemMoved, string(ev.Kind))
		}
		affected, err = rt.graph.TransferOwnership(ev.ItemID, ev.WalletID)
	}

	if err != nil {
		metrics.MutationsTotal.WithLabelValues(string(ev.Kind), "rejected").Inc()
		return err
	}
	metrics.MutationsTotal.WithLabelValues(string(ev.Kind), "applied").Inc()

	rt.discover(partition.Touching(rt.graph, affected), string(ev.Kind))
	rt.saveSnapshot()
	return nil
}

// fullDiscovery recomputes every partition and reconciles the registry
// against the complete result set. Returns whether the pass was partial.
func (rt *tenantRuntime) fullDiscovery() bool {
	start := time.Now()
	parts := partition.All(rt.graph)
	found, partial := rt.enumerate(parts)

	// Drop active loops the full recompute no longer produces, unless
	// the pass was cut short — a partial pass proves nothing absent.
	if !partial {
		for sig := range rt.registry.Signatures() {
			if _, ok := found[sig]; !ok {
				if _, removed := rt.registry.Remove(sig); removed {
					rt.publishInvalidated(sig, model.ReasonRecompute, "discover_now")
				}
			}
		}
	}
	for _, loop := range found {
		rt.activate(loop, "discover_now")
	}

	rt.finishPass("discover_now", start, partial)
	return partial
}

// discover runs the scoped pipeline for a mutation's affected partitions.
func (rt *tenantRuntime) discover(parts []partition.Partition, trigger string) {
	if len(parts) == 0 {
		return
	}
	start := time.Now()
	found, partial := rt.enumerate(parts)
	for _, loop := range found {
		rt.activate(loop, trigger)
	}
	rt.finishPass(trigger, start, partial)
}

// enumerate runs the cycle finder and scorer over the partitions under
// one shared deadline. Scoring failures are per-candidate: a loop that
// misses the policy is dropped without disturbing the rest of the pass.
func (rt *tenantRuntime) enumerate(parts []partition.Partition) (map[string]model.TradeLoop, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.engine.cfg.discoveryTimeout())
	defer cancel()

	found := make(map[string]model.TradeLoop)
	partial := false
	for _, part := range parts {
		res := cycle.Find(ctx, rt.graph, part, cycle.Config{MaxLength: rt.engine.cfg.MaxLoopLength})
		partial = partial || res.Partial
		for _, cand := range res.Loops {
			scored, err := rt.engine.scorer.Score(cand)
			if err != nil {
				if err != score.ErrBelowThreshold && err != score.ErrValuationRequired {
					slog.Warn("candidate scoring failed",
						"tenant", rt.tenantID,
						"signature", cand.Signature,
						"err", err,
					)
				}
				continue
			}
			found[scored.Signature] = scored
		}
	}
	return found, partial
}

// activate upserts one scored loop and publishes discovery for new ones.
func (rt *tenantRuntime) activate(loop model.TradeLoop, trigger string) {
	inserted, err := rt.registry.Upsert(loop)
	if err != nil {
		// Tenant mismatch here means a bug upstream, not bad input.
		slog.Error("registry rejected loop",
			"tenant", rt.tenantID,
			"signature", loop.Signature,
			"err", err,
		)
		return
	}
	if !inserted {
		return
	}
	metrics.LoopsDiscovered.WithLabelValues(rt.tenantID).Inc()
	slog.Info("trade loop discovered",
		"tenant", rt.tenantID,
		"signature", loop.Signature,
		"participants", loop.Participants,
		"efficiency", loop.Efficiency.String(),
		"quality", loop.Quality.String(),
		"trigger", trigger,
	)
	if rt.engine.sink != nil {
		active, _ := rt.registry.Get(loop.Signature)
		rt.engine.sink.Publish(model.LoopEvent{
			Type:     model.LoopDiscovered,
			TenantID: rt.tenantID,
			Loop:     &active,
			Trigger:  trigger,
		})
	}
}

func (rt *tenantRuntime) invalidateByItem(itemID string, reason model.InvalidationReason, trigger string) {
	for _, loop := range rt.registry.InvalidateByItem(itemID) {
		rt.publishInvalidated(loop.Signature, reason, trigger)
	}
}

func (rt *tenantRuntime) publishInvalidated(signature string, reason model.InvalidationReason, trigger string) {
	metrics.LoopsInvalidated.WithLabelValues(rt.tenantID, string(reason)).Inc()
	slog.Info("trade loop invalidated",
		"tenant", rt.tenantID,
		"signature", signature,
		"reason", string(reason),
	)
	if rt.engine.sink != nil {
		rt.engine.sink.Publish(model.LoopEvent{
			Type:      model.LoopInvalidated,
			TenantID:  rt.tenantID,
			Signature: signature,
			Reason:    reason,
			Trigger:   trigger,
		})
	}
}

func (rt *tenantRuntime) markExecuted(signature string) error {
	if _, ok := rt.registry.Remove(signature); !ok {
		return ErrUnknownLoop
	}
	rt.publishInvalidated(signature, model.ReasonExecuted, "executed")
	metrics.ActiveLoops.WithLabelValues(rt.tenantID).Set(float64(rt.registry.ActiveCount()))
	return nil
}

// expireLoops retires loops older than the configured TTL.
func (rt *tenantRuntime) expireLoops() {
	ttl := rt.engine.cfg.LoopTTL
	cutoff := time.Now().UTC().Add(-ttl)
	for _, loop := range rt.registry.All() {
		if loop.DiscoveredAt.Before(cutoff) {
			if _, ok := rt.registry.Remove(loop.Signature); ok {
				rt.publishInvalidated(loop.Signature, model.ReasonExpired, "ttl")
			}
		}
	}
	metrics.ActiveLoops.WithLabelValues(rt.tenantID).Set(float64(rt.registry.ActiveCount()))
}

func (rt *tenantRuntime) finishPass(trigger string, start time.Time, partial bool) {
	metrics.DiscoveryLatency.WithLabelValues(trigger).Observe(time.Since(start).Seconds())
	metrics.ActiveLoops.WithLabelValues(rt.tenantID).Set(float64(rt.registry.ActiveCount()))
	if partial {
		metrics.SearchTimeouts.Inc()
		slog.Warn("discovery pass hit deadline, returning partial results",
			"tenant", rt.tenantID,
			"trigger", trigger,
		)
	}
}

// saveSnapshot persists graph state after an applied mutation. Failures
// are logged and counted, never surfaced to the mutation caller.
func (rt *tenantRuntime) saveSnapshot() {
	if rt.engine.snaps == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.engine.snaps.Save(ctx, rt.graph.Snapshot()); err != nil {
		metrics.SnapshotFailures.WithLabelValues("save").Inc()
		slog.Error("snapshot save failed", "tenant", rt.tenantID, "err", err)
	}
}

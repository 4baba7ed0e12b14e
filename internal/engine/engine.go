// Package engine orchestrates the loop discovery pipeline: it owns one
// graph, one registry, and one serialized worker per tenant, reacts to
// mutation events by recomputing only the affected partition, and emits
// discovery and invalidation events outward.
//
// Tenants never share state: each tenant's graph and registry are owned
// exclusively by that tenant's worker goroutine, so isolation is enforced
// by construction rather than by convention.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/loopmarket/loop-engine/internal/graph"
	"github.com/loopmarket/loop-engine/internal/model"
	"github.com/loopmarket/loop-engine/internal/registry"
	"github.com/loopmarket/loop-engine/internal/score"
	"github.com/loopmarket/loop-engine/internal/snapshot"
)

var (
	// ErrTenantRequired is returned for events or queries with no tenant id.
	ErrTenantRequired = errors.New("engine: tenant id is required")

	// ErrUnknownMutation is returned for events of an unrecognized kind.
	ErrUnknownMutation = errors.New("engine: unknown mutation kind")

	// ErrUnknownLoop is returned when marking a loop the registry no
	// longer holds.
	ErrUnknownLoop = errors.New("engine: no active loop with that signature")

	// ErrClosed is returned once the engine has shut down.
	ErrClosed = errors.New("engine: closed")
)

// DefaultDiscoveryTimeout bounds a single discovery pass.
const DefaultDiscoveryTimeout = 5 * time.Second

// Config collects the engine's tunables. The zero value is usable.
type Config struct {
	// MaxLoopLength caps loop participants; default cycle.DefaultMaxLength.
	MaxLoopLength int

	// MinEfficiency discards loops below it. Zero accepts all.
	MinEfficiency decimal.Decimal

	// RequireValuations rejects loops containing unvalued items.
	RequireValuations bool

	// Weights is the scoring policy; zero value uses score defaults.
	Weights score.Weights

	// DiscoveryTimeout is the wall-clock budget per discovery pass.
	DiscoveryTimeout time.Duration

	// LoopTTL expires active loops after this duration. Zero disables.
	LoopTTL time.Duration

	// QueueSize is the per-tenant mutation queue depth; default 256.
	QueueSize int
}

func (c Config) discoveryTimeout() time.Duration {
	if c.DiscoveryTimeout <= 0 {
		return DefaultDiscoveryTimeout
	}
	return c.DiscoveryTimeout
}

func (c Config) queueSize() int {
	if c.QueueSize <= 0 {
		return 256
	}
	return c.QueueSize
}

// Sink receives outbound loop events. Publish must not block; the api
// hub drops on a full buffer rather than stalling a discovery pass.
type Sink interface {
	Publish(model.LoopEvent)
}

// LoopFilter narrows GetActiveLoops results.
type LoopFilter struct {
	// Wallet keeps only loops the wallet participates in.
	Wallet string

	// MinQuality keeps only loops at or above the threshold.
	MinQuality decimal.Decimal
}

// DiscoveryResult is the outcome of a forced full recompute.
type DiscoveryResult struct {
	Loops []model.TradeLoop `json:"loops"`

	// Partial reports that the search deadline cut the pass short; the
	// loops present are valid, but more may exist.
	Partial bool `json:"partial"`
}

// Engine is the delta engine. Create with New, shut down with Close.
type Engine struct {
	cfg    Config
	scorer *score.Scorer
	sink   Sink           // optional
	snaps  snapshot.Store // optional

	mu      sync.RWMutex
	tenants map[string]*tenantRuntime
	closed  bool
	wg      sync.WaitGroup
}

// New creates an engine. sink and snaps may be nil.
func New(cfg Config, sink Sink, snaps snapshot.Store) *Engine {
	return &Engine{
		cfg: cfg,
		scorer: score.New(score.Config{
			MinEfficiency:     cfg.MinEfficiency,
			RequireValuations: cfg.RequireValuations,
			Weights:           cfg.Weights,
		}),
		sink:    sink,
		snaps:   snaps,
		tenants: make(map[string]*tenantRuntime),
	}
}

// Apply validates and applies one mutation event, runs localized
// discovery on the affected region, and returns once the registry
// reflects the event. Events for one tenant are processed strictly in
// the order Apply is called; different tenants proceed in parallel.
//
// Invalid mutations are reported synchronously and leave all state
// untouched.
func (e *Engine) Apply(ctx context.Context, ev model.MutationEvent) error {
	if ev.TenantID == "" {
		return ErrTenantRequired
	}
	switch ev.Kind {
	case model.MutationItemAdded, model.MutationItemRemoved,
		model.MutationWantAdded, model.MutationWantRemoved,
		model.MutationOwnershipTransferred:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMutation, ev.Kind)
	}

	rt, err := e.runtime(ev.TenantID, nil)
	if err != nil {
		return err
	}
	resp, err := rt.submit(ctx, request{kind: reqMutation, event: ev})
	if err != nil {
		return err
	}
	return resp.err
}

// DiscoverNow forces a full recompute of the tenant's graph and returns
// every active loop. Cold-start and validation path, not the steady
// state. A search timeout yields a partial, still-valid result.
func (e *Engine) DiscoverNow(ctx context.Context, tenantID string) (DiscoveryResult, error) {
	if tenantID == "" {
		return DiscoveryResult{}, ErrTenantRequired
	}
	rt, ok := e.lookup(tenantID)
	if !ok {
		return DiscoveryResult{Loops: []model.TradeLoop{}}, nil
	}
	resp, err := rt.submit(ctx, request{kind: reqDiscover})
	if err != nil {
		return DiscoveryResult{}, err
	}
	if resp.err != nil {
		return DiscoveryResult{}, resp.err
	}
	return DiscoveryResult{Loops: resp.loops, Partial: resp.partial}, nil
}

// MarkExecuted reports external completion of a loop. The loop leaves
// the registry; the ownership transfers that settle it arrive afterwards
// as ordinary mutation events and drive re-discovery.
func (e *Engine) MarkExecuted(ctx context.Context, tenantID, signature string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	rt, ok := e.lookup(tenantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLoop, signature)
	}
	resp, err := rt.submit(ctx, request{kind: reqExecuted, signature: signature})
	if err != nil {
		return err
	}
	return resp.err
}

// GetActiveLoops returns the tenant's active loops, best quality first.
func (e *Engine) GetActiveLoops(tenantID string, filter LoopFilter) []model.TradeLoop {
	rt, ok := e.lookup(tenantID)
	if !ok {
		return []model.TradeLoop{}
	}

	var loops []model.TradeLoop
	if filter.Wallet != "" {
		loops = rt.registry.LoopsInvolving(filter.Wallet)
	} else {
		loops = rt.registry.All()
	}
	if filter.MinQuality.IsZero() {
		return loops
	}
	out := loops[:0]
	for _, l := range loops {
		if l.Quality.GreaterThanOrEqual(filter.MinQuality) {
			out = append(out, l)
		}
	}
	return out
}

// GetActiveLoopCount returns the size of the tenant's registry.
func (e *Engine) GetActiveLoopCount(tenantID string) int {
	rt, ok := e.lookup(tenantID)
	if !ok {
		return 0
	}
	return rt.registry.ActiveCount()
}

// GetLoopsForWallet returns active loops the wallet participates in.
func (e *Engine) GetLoopsForWallet(tenantID, walletID string) []model.TradeLoop {
	rt, ok := e.lookup(tenantID)
	if !ok {
		return []model.TradeLoop{}
	}
	return rt.registry.LoopsInvolving(walletID)
}

// Restore loads every stored snapshot and rebuilds tenant state, then
// runs a full discovery per tenant. Called once before serving.
func (e *Engine) Restore(ctx context.Context) error {
	if e.snaps == nil {
		return nil
	}
	tenants, err := e.snaps.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("list snapshot tenants: %w", err)
	}
	for _, tenantID := range tenants {
		snap, err := e.snaps.Load(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("restore tenant %s: %w", tenantID, err)
		}
		if _, err := e.runtime(tenantID, graph.FromSnapshot(snap)); err != nil {
			return err
		}
		if _, err := e.DiscoverNow(ctx, tenantID); err != nil {
			return fmt.Errorf("rediscover tenant %s: %w", tenantID, err)
		}
	}
	return nil
}

// Close stops all tenant workers and waits for them to drain.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, rt := range e.tenants {
		close(rt.stop)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) lookup(tenantID string) (*tenantRuntime, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rt, ok := e.tenants[tenantID]
	return rt, ok
}

// runtime returns the tenant's runtime, creating and starting it if
// needed. A pre-built graph (snapshot restore) seeds the new runtime.
func (e *Engine) runtime(tenantID string, seed *graph.Graph) (*tenantRuntime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if rt, ok := e.tenants[tenantID]; ok {
		return rt, nil
	}

	g := seed
	if g == nil {
		g = graph.New(tenantID)
	}
	rt := &tenantRuntime{
		tenantID: tenantID,
		engine:   e,
		graph:    g,
		registry: registry.New(tenantID),
		requests: make(chan request, e.cfg.queueSize()),
		stop:     make(chan struct{}),
	}
	e.tenants[tenantID] = rt
	e.wg.Add(1)
	go rt.run()
	return rt, nil
}

package binder

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/danmuck/hwbinder/internal/observability"
	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

// Lifecycle owns every endpoint of one process. It is the only code that
// frees an endpoint.
type Lifecycle struct {
	base context.Context
	pool *ThreadPool

	nextID atomic.Uint64

	mu     sync.Mutex
	closed bool
	nodes  map[uint64]*Endpoint
	bound  map[any]binding
}

type binding struct {
	ep      *Endpoint
	cleanup runtime.Cleanup
}

type boundRef struct {
	key any
	ep  *Endpoint
}

// NewLifecycle creates the endpoint table. Handlers run under contexts
// that are canceled when base ends.
func NewLifecycle(base context.Context, pool *ThreadPool) *Lifecycle {
	lc := &Lifecycle{
		base:  base,
		pool:  pool,
		nodes: make(map[uint64]*Endpoint),
		bound: make(map[any]binding),
	}
	lc.nextID.Store(uint64(time.Now().UnixNano()) & 0xffffffff)
	return lc
}

func (lc *Lifecycle) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(lc.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Acquire allocates an endpoint. release runs exactly once, after the
// endpoint is released and its last in-flight transaction has exited.
// The endpoint holds handler until an owning Binder takes it over.
func (lc *Lifecycle) Acquire(handler TransactionHandler, release func()) (*Endpoint, error) {
	ep := &Endpoint{
		id:      lc.nextID.Add(1),
		lc:      lc,
		release: release,
		async:   queue.New(),
	}
	if handler != nil {
		ep.pin = &handlerRef{h: handler}
		ep.handler = weak.Make(ep.pin)
		ep.local = true
	}
	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		return nil, ErrShuttingDown
	}
	lc.nodes[ep.id] = ep
	lc.mu.Unlock()
	observability.AddLiveEndpoints(1)
	log.Debug().Msgf("binder.Lifecycle.Acquire node=%d local=%t", ep.id, handler != nil)
	return ep, nil
}

// Bind ties ep to owner: when owner becomes unreachable ep is released.
// Binding an owner again releases the endpoint it was bound to before.
func Bind[T any](lc *Lifecycle, owner *T, ep *Endpoint) {
	key := weak.Make(owner)
	cleanup := runtime.AddCleanup(owner, lc.collected, boundRef{key: key, ep: ep})
	lc.mu.Lock()
	prev, had := lc.bound[key]
	lc.bound[key] = binding{ep: ep, cleanup: cleanup}
	lc.mu.Unlock()
	if had && prev.ep != ep {
		prev.cleanup.Stop()
		lc.Release(prev.ep)
	}
}

// Unbind drops the cleanup for owner without releasing its endpoint.
func Unbind[T any](lc *Lifecycle, owner *T) {
	key := weak.Make(owner)
	lc.mu.Lock()
	b, ok := lc.bound[key]
	delete(lc.bound, key)
	lc.mu.Unlock()
	if ok {
		b.cleanup.Stop()
	}
}

func (lc *Lifecycle) collected(ref boundRef) {
	lc.mu.Lock()
	if b, ok := lc.bound[ref.key]; ok && b.ep == ref.ep {
		delete(lc.bound, ref.key)
	}
	lc.mu.Unlock()
	if lc.Release(ref.ep) {
		log.Debug().Msgf("binder.Lifecycle.collected node=%d", ref.ep.id)
	}
}

// Release marks ep stale, fails its queued one-way work and notifies death
// recipients. It reports whether this call performed the transition.
func (lc *Lifecycle) Release(ep *Endpoint) bool {
	if ep == nil {
		return false
	}
	dropped, deaths, finish, ok := ep.markStale()
	if !ok {
		return false
	}
	log.Debug().Msgf("binder.Lifecycle.Release node=%d dropped=%d inflight_done=%t", ep.id, len(dropped), finish)
	for _, tx := range dropped {
		tx.fail(ErrStaleHandle)
	}
	notifyDeaths(ep.id, deaths)
	if finish {
		lc.finalize(ep)
	}
	return true
}

func (lc *Lifecycle) finalize(ep *Endpoint) {
	lc.mu.Lock()
	delete(lc.nodes, ep.id)
	lc.mu.Unlock()
	observability.AddLiveEndpoints(-1)
	if f := ep.takeRelease(); f != nil {
		f()
	}
	log.Debug().Msgf("binder.Lifecycle.finalize node=%d", ep.id)
}

// Lookup returns a live or draining endpoint by node id.
func (lc *Lifecycle) Lookup(id uint64) (*Endpoint, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	ep, ok := lc.nodes[id]
	return ep, ok
}

// Endpoints returns a snapshot ordered by node id.
func (lc *Lifecycle) Endpoints() []*Endpoint {
	lc.mu.Lock()
	out := make([]*Endpoint, 0, len(lc.nodes))
	for _, ep := range lc.nodes {
		out = append(out, ep)
	}
	lc.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Close refuses new endpoints and releases every existing one.
func (lc *Lifecycle) Close() {
	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		return
	}
	lc.closed = true
	bound := lc.bound
	lc.bound = make(map[any]binding)
	lc.mu.Unlock()
	for _, b := range bound {
		b.cleanup.Stop()
	}
	for _, ep := range lc.Endpoints() {
		lc.Release(ep)
	}
}

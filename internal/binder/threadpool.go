package binder

import (
	"context"
	"runtime"
	"sync"

	"github.com/danmuck/hwbinder/internal/observability"
	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ThreadPoolConfig sizes the pool. MaxThreads counts the joining caller
// when CallerJoins is set.
type ThreadPoolConfig struct {
	MaxThreads   uint64 `toml:"max_threads"`
	CallerJoins  bool   `toml:"caller_joins"`
	LockOSThread bool   `toml:"lock_os_thread"`
}

// Work is one unit served by the pool. Abort runs instead of Run when the
// pool shuts down with the item still queued.
type Work struct {
	Run   func()
	Abort func(error)
}

// ThreadPool is the shared FIFO served by every worker of a process.
type ThreadPool struct {
	mu   sync.Mutex
	cond *sync.Cond
	q    *queue.Queue

	cfg        ThreadPoolConfig
	configured bool
	started    bool
	closed     bool
	workers    int

	g errgroup.Group
}

func NewThreadPool() *ThreadPool {
	tp := &ThreadPool{q: queue.New()}
	tp.cond = sync.NewCond(&tp.mu)
	return tp
}

// Configure may be repeated until workers are spawned.
func (tp *ThreadPool) Configure(cfg ThreadPoolConfig) error {
	if cfg.MaxThreads == 0 {
		return ErrInvalidArgument
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		return ErrShuttingDown
	}
	if tp.started {
		return ErrAlreadyConfigured
	}
	tp.cfg = cfg
	tp.configured = true
	log.Debug().Msgf("binder.ThreadPool.Configure max_threads=%d caller_joins=%t", cfg.MaxThreads, cfg.CallerJoins)
	return nil
}

// Start configures the pool and spawns its workers.
func (tp *ThreadPool) Start(cfg ThreadPoolConfig) error {
	if err := tp.Configure(cfg); err != nil {
		return err
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.spawnLocked()
}

func (tp *ThreadPool) spawnLocked() error {
	if tp.started {
		return ErrAlreadyConfigured
	}
	tp.started = true
	n := tp.cfg.MaxThreads
	if tp.cfg.CallerJoins {
		n--
	}
	for i := uint64(0); i < n; i++ {
		tp.g.Go(func() error {
			return tp.serve(context.Background())
		})
	}
	log.Info().Msgf("binder.ThreadPool.spawn workers=%d caller_joins=%t", n, tp.cfg.CallerJoins)
	return nil
}

// Join turns the calling goroutine into a worker until ctx ends or the pool
// shuts down. A configured pool that has not spawned yet is started first.
func (tp *ThreadPool) Join(ctx context.Context) error {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return ErrShuttingDown
	}
	if tp.configured && !tp.started {
		_ = tp.spawnLocked()
	}
	tp.started = true
	tp.mu.Unlock()
	return tp.serve(ctx)
}

func (tp *ThreadPool) serve(ctx context.Context) error {
	tp.mu.Lock()
	if tp.cfg.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	tp.workers++
	tp.mu.Unlock()
	observability.AddPoolWorkers(1)
	defer func() {
		tp.mu.Lock()
		tp.workers--
		tp.mu.Unlock()
		observability.AddPoolWorkers(-1)
	}()

	stop := context.AfterFunc(ctx, func() {
		tp.mu.Lock()
		tp.cond.Broadcast()
		tp.mu.Unlock()
	})
	defer stop()

	for {
		w, err := tp.next(ctx)
		if err != nil {
			return err
		}
		tp.run(w)
	}
}

func (tp *ThreadPool) next(ctx context.Context) (Work, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for tp.q.Length() == 0 && !tp.closed && ctx.Err() == nil {
		tp.cond.Wait()
	}
	if tp.closed {
		return Work{}, ErrShuttingDown
	}
	if err := ctx.Err(); err != nil {
		return Work{}, err
	}
	w := tp.q.Remove().(Work)
	observability.SetQueueDepth(tp.q.Length())
	return w, nil
}

func (tp *ThreadPool) run(w Work) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("binder.ThreadPool.run work panic=%v", r)
		}
	}()
	w.Run()
}

// Submit appends w to the shared FIFO.
func (tp *ThreadPool) Submit(w Work) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		return ErrShuttingDown
	}
	tp.q.Add(w)
	observability.SetQueueDepth(tp.q.Length())
	tp.cond.Signal()
	return nil
}

// Started reports whether workers were spawned or a caller joined.
func (tp *ThreadPool) Started() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.started && !tp.closed
}

// Workers reports goroutines currently serving the queue.
func (tp *ThreadPool) Workers() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.workers
}

func (tp *ThreadPool) Pending() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.q.Length()
}

// Close wakes every worker and aborts queued work with ErrShuttingDown.
// It does not wait; use Wait from outside the pool.
func (tp *ThreadPool) Close() {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return
	}
	tp.closed = true
	var pending []Work
	for tp.q.Length() > 0 {
		pending = append(pending, tp.q.Remove().(Work))
	}
	observability.SetQueueDepth(0)
	tp.cond.Broadcast()
	tp.mu.Unlock()

	for _, w := range pending {
		if w.Abort != nil {
			w.Abort(ErrShuttingDown)
		}
	}
	log.Debug().Msgf("binder.ThreadPool.Close aborted=%d", len(pending))
}

// Wait blocks until every spawned worker has returned.
func (tp *ThreadPool) Wait() {
	_ = tp.g.Wait()
}

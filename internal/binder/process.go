package binder

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hwbinder/internal/parcel"
	"github.com/rs/zerolog/log"
)

// Config defines process-scoped binder state.
type Config struct {
	Name string `toml:"name"`
	// HostServiceManager makes this process serve the registry itself.
	HostServiceManager bool             `toml:"host_service_manager"`
	Retry              BackoffConfig    `toml:"retry"`
	ThreadPool         ThreadPoolConfig `toml:"thread_pool"`
	ParcelLimit        int              `toml:"parcel_limit"`
}

func DefaultConfig() Config {
	return Config{
		Name:        "hwbinder",
		Retry:       DefaultBackoffConfig(),
		ParcelLimit: parcel.DefaultMaxBytes,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = d.Name
	}
	c.Retry = c.Retry.WithDefaults()
	if c.ParcelLimit <= 0 {
		c.ParcelLimit = d.ParcelLimit
	}
	return c
}

type Option func(*Process)

// WithPolicy sets the registration policy of a hosted registry.
func WithPolicy(policy Policy) Option {
	return func(p *Process) {
		p.policy = policy
	}
}

// WithServiceManager points the process at an existing service manager.
func WithServiceManager(sm ServiceManager) Option {
	return func(p *Process) {
		p.sm = sm
	}
}

// WithRand seeds retry jitter.
func WithRand(rng *rand.Rand) Option {
	return func(p *Process) {
		p.rng = rng
	}
}

// Process is the per-process binder state: endpoints, thread pool and the
// service manager link. Independent processes may coexist in one program.
type Process struct {
	cfg    Config
	pool   *ThreadPool
	lc     *Lifecycle
	policy Policy

	nextTx atomic.Uint64

	mu       sync.Mutex
	registry *Registry
	sm       ServiceManager
	rng      *rand.Rand
	hooks    map[uint64]func()
	nextHook uint64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func New(cfg Config, opts ...Option) *Process {
	cfg = cfg.WithDefaults()
	pool := NewThreadPool()
	p := &Process{
		cfg:  cfg,
		pool: pool,
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.lc = NewLifecycle(p.ctx, pool)
	p.nextTx.Store(uint64(time.Now().UnixNano()))
	for _, opt := range opts {
		opt(p)
	}
	if cfg.HostServiceManager {
		p.registry = NewRegistry(p.policy)
		p.sm = NewLocalServiceManager(p.registry)
	}
	if cfg.ThreadPool.MaxThreads > 0 {
		_ = p.pool.Configure(cfg.ThreadPool)
	}
	log.Info().Msgf("binder.New name=%s host_sm=%t", cfg.Name, cfg.HostServiceManager)
	return p
}

func (p *Process) Name() string {
	return p.cfg.Name
}

func (p *Process) Config() Config {
	return p.cfg
}

func (p *Process) Lifecycle() *Lifecycle {
	return p.lc
}

func (p *Process) ThreadPool() *ThreadPool {
	return p.pool
}

// Registry is nil unless the process hosts the service manager.
func (p *Process) Registry() *Registry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registry
}

func (p *Process) SetServiceManager(sm ServiceManager) {
	p.mu.Lock()
	p.sm = sm
	p.mu.Unlock()
}

func (p *Process) ServiceManager() ServiceManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sm
}

// Submit hands work to the shared thread pool queue.
func (p *Process) Submit(w Work) error {
	return p.pool.Submit(w)
}

// NewTransactionID returns a process-unique id.
func (p *Process) NewTransactionID() uint64 {
	return p.nextTx.Add(1)
}

func (p *Process) Done() <-chan struct{} {
	return p.ctx.Done()
}

func (p *Process) closing() bool {
	return p.ctx.Err() != nil
}

// Scope derives a context that is also canceled when the process shuts
// down.
func (p *Process) Scope(ctx context.Context) (context.Context, context.CancelFunc) {
	return p.lc.scope(ctx)
}

// OnShutdown registers f to run during Shutdown and returns a function
// that unregisters it. After shutdown f runs at once.
func (p *Process) OnShutdown(f func()) (remove func()) {
	p.mu.Lock()
	if p.closing() {
		p.mu.Unlock()
		f()
		return func() {}
	}
	if p.hooks == nil {
		p.hooks = make(map[uint64]func())
	}
	p.nextHook++
	id := p.nextHook
	p.hooks[id] = f
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.hooks, id)
		p.mu.Unlock()
	}
}

// Shutdown wakes blocked callers, waiters and workers with ErrShuttingDown
// and releases every endpoint.
func (p *Process) Shutdown() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.cancel()
		hooks := p.hooks
		p.hooks = nil
		p.mu.Unlock()

		p.pool.Close()
		for _, f := range hooks {
			f()
		}
		p.lc.Close()
		log.Info().Msgf("binder.Process.Shutdown name=%s", p.cfg.Name)
	})
	return nil
}

func (p *Process) ConfigureThreadPool(maxThreads uint64, callerJoins bool) error {
	cfg := p.cfg.ThreadPool
	cfg.MaxThreads = maxThreads
	cfg.CallerJoins = callerJoins
	return p.pool.Configure(cfg)
}

func (p *Process) StartThreadPool(maxThreads uint64, callerJoins bool) error {
	cfg := p.cfg.ThreadPool
	cfg.MaxThreads = maxThreads
	cfg.CallerJoins = callerJoins
	return p.pool.Start(cfg)
}

// JoinThreadPool serves transactions on the calling goroutine until ctx
// ends or the process shuts down.
func (p *Process) JoinThreadPool(ctx context.Context) error {
	return p.pool.Join(ctx)
}

// RegisterService publishes b with the service manager.
func (p *Process) RegisterService(ctx context.Context, iface, instance string, b IBinder) error {
	if p.closing() {
		return ErrTransportUnavailable
	}
	sm := p.ServiceManager()
	if sm == nil {
		log.Warn().Msgf("binder.Process.RegisterService no service manager iface=%s instance=%s", iface, instance)
		return ErrTransportUnavailable
	}
	if b == nil {
		return ErrInvalidArgument
	}
	return sm.AddService(ctx, CallerFrom(ctx), iface, instance, b)
}

// GetService looks up iface/instance. With retry it waits for the service
// to appear until ctx ends or the process shuts down.
func (p *Process) GetService(ctx context.Context, iface, instance string, retry bool) (IBinder, error) {
	for attempt := 1; ; attempt++ {
		if p.closing() {
			return nil, ErrShuttingDown
		}
		sm := p.ServiceManager()
		if sm == nil {
			return nil, ErrTransportUnavailable
		}
		var changed <-chan struct{}
		stop := func() {}
		if n, ok := sm.(ChangeNotifier); ok && retry {
			changed, stop = n.Changed(iface, instance)
		}
		b, err := sm.GetService(ctx, iface, instance)
		if err == nil {
			stop()
			return b, nil
		}
		if !retry || !errors.Is(err, ErrServiceNotFound) {
			stop()
			return nil, err
		}

		delay := NextBackoffDelay(p.cfg.Retry, attempt, p.rng)
		if attempt == 1 || attempt%10 == 0 {
			log.Debug().Msgf("binder.Process.GetService waiting iface=%s instance=%s attempt=%d delay=%s", iface, instance, attempt, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			stop()
			return nil, ctx.Err()
		case <-p.ctx.Done():
			timer.Stop()
			stop()
			return nil, ErrShuttingDown
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
		stop()
	}
}

func (p *Process) ListServices(ctx context.Context) ([]ServiceInfo, error) {
	if p.closing() {
		return nil, ErrShuttingDown
	}
	sm := p.ServiceManager()
	if sm == nil {
		return nil, ErrTransportUnavailable
	}
	return sm.ListServices(ctx)
}

// NotifyConfigChanged sends SyspropsTransaction one-way to every live
// locally hosted object and returns how many were notified.
func (p *Process) NotifyConfigChanged() int {
	n := 0
	ctx := context.Background()
	for _, ep := range p.lc.Endpoints() {
		h := ep.Handler()
		if h == nil || !ep.IsAlive() {
			continue
		}
		tx := p.newTransaction(ctx, ep, SyspropsTransaction, FlagOneway, parcel.New())
		tx.handler = h
		if err := ep.enqueueOneway(tx); err != nil {
			tx.fail(err)
			continue
		}
		n++
	}
	log.Info().Msgf("binder.Process.NotifyConfigChanged name=%s notified=%d", p.cfg.Name, n)
	return n
}

// BroadcastConfigChanged notifies local objects and every registered
// object hosted elsewhere.
func (p *Process) BroadcastConfigChanged(ctx context.Context) int {
	n := p.NotifyConfigChanged()
	reg := p.Registry()
	if reg == nil {
		return n
	}
	for _, e := range reg.List() {
		if lb, ok := e.Binder.(*Binder); ok && lb.proc == p {
			continue
		}
		if _, err := e.Binder.Transact(ctx, SyspropsTransaction, parcel.New(), FlagOneway); err != nil {
			log.Warn().Msgf("binder.Process.BroadcastConfigChanged iface=%s instance=%s err=%v", e.Interface, e.Instance, err)
			continue
		}
		n++
	}
	return n
}

package remote

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/parcel"
)

const (
	echoIface     = "vendor.test@1.0::IEcho"
	callbackIface = "vendor.test@1.0::ICallback"
)

// hubFixture is a service manager process serving a unix socket.
type hubFixture struct {
	proc   *binder.Process
	server *Server
	cfg    Config
}

func socketPath(t *testing.T) string {
	t.Helper()
	// sun_path is short; t.TempDir paths can exceed it
	dir, err := os.MkdirTemp("", "hwb")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "sm.sock")
}

func newHub(t *testing.T, opts ...binder.Option) *hubFixture {
	t.Helper()
	pcfg := binder.DefaultConfig()
	pcfg.Name = "hub"
	pcfg.HostServiceManager = true
	proc := binder.New(pcfg, opts...)
	if err := proc.StartThreadPool(4, false); err != nil {
		t.Fatalf("start hub pool: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Address = socketPath(t)
	return startHub(t, proc, cfg)
}

func startHub(t *testing.T, proc *binder.Process, cfg Config) *hubFixture {
	t.Helper()
	server := NewServer(proc, cfg)
	ln, err := server.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if cfg.Network != "unix" {
		cfg.Address = ln.Addr().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not stop")
		}
		_ = proc.Shutdown()
	})
	return &hubFixture{proc: proc, server: server, cfg: cfg}
}

// newClient connects a process to the hub. threads may be zero to leave
// the pool unstarted.
func newClient(t *testing.T, hub *hubFixture, name string, threads uint64) (*binder.Process, *Conn) {
	t.Helper()
	pcfg := binder.DefaultConfig()
	pcfg.Name = name
	proc := binder.New(pcfg)
	t.Cleanup(func() { _ = proc.Shutdown() })
	if threads > 0 {
		if err := proc.StartThreadPool(threads, false); err != nil {
			t.Fatalf("start %s pool: %v", name, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := ConnectServiceManager(ctx, proc, hub.cfg)
	if err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return proc, conn
}

func echoHandler() binder.TransactionHandler {
	return binder.HandlerFunc(func(_ context.Context, code uint32, req, reply *parcel.Parcel, _ uint32) error {
		if reply == nil {
			return nil
		}
		b, err := req.ReadBytes()
		if err != nil {
			return err
		}
		if err := reply.WriteUint32(code); err != nil {
			return err
		}
		return reply.WriteBytes(b)
	})
}

func register(t *testing.T, proc *binder.Process, iface, instance string, h binder.TransactionHandler) *binder.Binder {
	t.Helper()
	b, err := proc.NewBinder(iface, h)
	if err != nil {
		t.Fatalf("new binder: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.RegisterService(ctx, instance); err != nil {
		t.Fatalf("register %s/%s: %v", iface, instance, err)
	}
	return b
}

func lookup(t *testing.T, proc *binder.Process, iface, instance string) binder.IBinder {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := proc.GetService(ctx, iface, instance, true)
	if err != nil {
		t.Fatalf("get %s/%s: %v", iface, instance, err)
	}
	return b
}

func bytesParcel(t *testing.T, b []byte) *parcel.Parcel {
	t.Helper()
	p := parcel.New()
	if err := p.WriteBytes(b); err != nil {
		t.Fatalf("write request: %v", err)
	}
	return p
}

type recorder struct {
	mu    sync.Mutex
	codes []uint32
	seen  chan uint32
}

func newRecorder(n int) *recorder {
	return &recorder{seen: make(chan uint32, n)}
}

func (r *recorder) OnTransact(_ context.Context, code uint32, _ *parcel.Parcel, _ *parcel.Parcel, _ uint32) error {
	r.mu.Lock()
	r.codes = append(r.codes, code)
	r.mu.Unlock()
	r.seen <- code
	return nil
}

func (r *recorder) snapshot() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, len(r.codes))
	copy(out, r.codes)
	return out
}

type deathProbe struct {
	died chan binder.IBinder
}

func newDeathProbe() *deathProbe {
	return &deathProbe{died: make(chan binder.IBinder, 1)}
}

func (d *deathProbe) BinderDied(who binder.IBinder) {
	d.died <- who
}

func waitForCondition(timeout time.Duration, interval time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(interval)
	}
	return fn()
}

// hubExports counts handles the hub has exported on all connections.
func hubExports(hub *hubFixture) int {
	total := 0
	for _, c := range hub.server.Conns() {
		n, _ := c.Stats()
		total += n
	}
	return total
}

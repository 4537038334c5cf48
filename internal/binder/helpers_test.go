package binder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hwbinder/internal/parcel"
)

const echoIface = "vendor.test@1.0::IEcho"

func newHostProcess(t *testing.T, opts ...Option) *Process {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = t.Name()
	cfg.HostServiceManager = true
	p := New(cfg, opts...)
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func echoHandler() TransactionHandler {
	return HandlerFunc(func(_ context.Context, code uint32, req, reply *parcel.Parcel, _ uint32) error {
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

// recorder captures one-way deliveries in arrival order.
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
	died chan IBinder
}

func newDeathProbe() *deathProbe {
	return &deathProbe{died: make(chan IBinder, 1)}
}

func (d *deathProbe) BinderDied(who IBinder) {
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

func bytesParcel(t *testing.T, b []byte) *parcel.Parcel {
	t.Helper()
	p := parcel.New()
	if err := p.WriteBytes(b); err != nil {
		t.Fatalf("write request: %v", err)
	}
	return p
}

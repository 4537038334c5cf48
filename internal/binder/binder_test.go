package binder

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/hwbinder/internal/parcel"
	"github.com/danmuck/hwbinder/internal/testutil/testlog"
)

func TestTransactRoundTripParcel(t *testing.T) {
	testlog.Start(t)
	p := newHostProcess(t)
	b, err := p.NewBinder(echoIface, echoHandler())
	if err != nil {
		t.Fatalf("new binder: %v", err)
	}
	payload := []byte{0x00, 0xff, 'h', 'i', 0x00}
	reply, err := b.Transact(context.Background(), 7, bytesParcel(t, payload), 0)
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	code, err := reply.ReadUint32()
	if err != nil || code != 7 {
		t.Fatalf("reply code: %d %v", code, err)
	}
	got, err := reply.ReadBytes()
	if err != nil {
		t.Fatalf("reply bytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %v want %v", got, payload)
	}
}

func TestTransactAfterCloseIsStale(t *testing.T) {
	testlog.Start(t)
	p := newHostProcess(t)
	b, err := p.NewBinder(echoIface, echoHandler())
	if err != nil {
		t.Fatalf("new binder: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if b.IsAlive() {
		t.Fatalf("closed binder reports alive")
	}
	if _, err := b.Transact(context.Background(), 1, bytesParcel(t, []byte("x")), 0); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle for sync call, got %v", err)
	}
	if _, err := b.Transact(context.Background(), 1, nil, FlagOneway); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle for one-way call, got %v", err)
	}
	if err := b.LinkToDeath(newDeathProbe()); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle on link, got %v", err)
	}
}

func TestHandlerErrorIsTransportFailure(t *testing.T) {
	testlog.Start(t)
	p := newHostProcess(t)
	b, _ := p.NewBinder(echoIface, HandlerFunc(func(context.Context, uint32, *parcel.Parcel, *parcel.Parcel, uint32) error {
		return errors.New("bad request")
	}))
	_, err := b.Transact(context.Background(), 1, nil, 0)
	if !errors.Is(err, ErrTransport) || !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected transport handler failure, got %v", err)
	}
	if OutcomeLabel(err) != "handler_error" {
		t.Fatalf("unexpected outcome label: %s", OutcomeLabel(err))
	}
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	testlog.Start(t)
	p := newHostProcess(t)
	if err := p.StartThreadPool(1, false); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	rec := newRecorder(4)
	b, _ := p.NewBinder(echoIface, HandlerFunc(func(ctx context.Context, code uint32, req, reply *parcel.Parcel, flags uint32) error {
		if code == 1 {
			panic("boom")
		}
		return rec.OnTransact(ctx, code, req, reply, flags)
	}))

	if _, err := b.Transact(context.Background(), 1, nil, 0); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected handler failure from sync panic, got %v", err)
	}
	if _, err := b.Transact(context.Background(), 1, nil, FlagOneway); err != nil {
		t.Fatalf("one-way send: %v", err)
	}
	if _, err := b.Transact(context.Background(), 2, nil, FlagOneway); err != nil {
		t.Fatalf("one-way send: %v", err)
	}
	select {
	case code := <-rec.seen:
		if code != 2 {
			t.Fatalf("unexpected code %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not survive one-way panic")
	}
	if p.ThreadPool().Workers() != 1 {
		t.Fatalf("expected 1 worker, got %d", p.ThreadPool().Workers())
	}
}

func TestOnewayReturnsBeforeHandlerCompletes(t *testing.T) {
	testlog.Start(t)
	p := newHostProcess(t)
	if err := p.StartThreadPool(2, false); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	entered := make(chan struct{})
	release := make(chan struct{})
	b, _ := p.NewBinder(echoIface, HandlerFunc(func(context.Context, uint32, *parcel.Parcel, *parcel.Parcel, uint32) error {
		close(entered)
		<-release
		return nil
	}))

	reply, err := b.Transact(context.Background(), 3, nil, FlagOneway)
	if err != nil || reply != nil {
		t.Fatalf("one-way transact: reply=%v err=%v", reply, err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("one-way handler never started")
	}
	close(release)
}

func TestSyncTransactWaitsForReply(t *testing.T) {
	testlog.Start(t)
	p := newHostProcess(t)
	b, _ := p.NewBinder(echoIface, HandlerFunc(func(_ context.Context, _ uint32, _ *parcel.Parcel, reply *parcel.Parcel, _ uint32) error {
		time.Sleep(20 * time.Millisecond)
		return reply.WriteString("done")
	}))
	reply, err := b.Transact(context.Background(), 1, nil, 0)
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	if s, err := reply.ReadString(); err != nil || s != "done" {
		t.Fatalf("reply not populated: %q %v", s, err)
	}
}

func TestOnewayBeginsInSendOrder(t *testing.T) {
	testlog.Start(t)
	p := newHostProcess(t)
	if err := p.StartThreadPool(4, false); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	const n = 50
	rec := newRecorder(n)
	b, _ := p.NewBinder(echoIface, rec)
	for i := uint32(1); i <= n; i++ {
		if _, err := b.Transact(context.Background(), i, nil, FlagOneway); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if !waitForCondition(2*time.Second, 5*time.Millisecond, func() bool { return len(rec.snapshot()) == n }) {
		t.Fatalf("expected %d deliveries, got %d", n, len(rec.snapshot()))
	}
	for i, code := range rec.snapshot() {
		if code != uint32(i+1) {
			t.Fatalf("out of order at %d: got %d", i, code)
		}
	}
}

func TestThreadPoolServesConcurrentOnewayWithoutDuplicates(t *testing.T) {
	testlog.Start(t)
	p := newHostProcess(t)
	if err := p.ConfigureThreadPool(4, false); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := p.StartThreadPool(4, false); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !waitForCondition(time.Second, 5*time.Millisecond, func() bool { return p.ThreadPool().Workers() == 4 }) {
		t.Fatalf("expected exactly 4 workers, got %d", p.ThreadPool().Workers())
	}

	recs := make([]*recorder, 10)
	binders := make([]*Binder, 10)
	for i := range recs {
		recs[i] = newRecorder(100)
		b, err := p.NewBinder(echoIface, recs[i])
		if err != nil {
			t.Fatalf("new binder: %v", err)
		}
		binders[i] = b
	}

	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		go func(i int) {
			_, err := binders[i%10].Transact(context.Background(), uint32(i), nil, FlagOneway)
			errs <- err
		}(i)
	}
	for i := 0; i < 100; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	total := func() int {
		n := 0
		for _, r := range recs {
			n += len(r.snapshot())
		}
		return n
	}
	if !waitForCondition(3*time.Second, 5*time.Millisecond, func() bool { return total() == 100 }) {
		t.Fatalf("expected 100 deliveries, got %d", total())
	}
	seen := make(map[uint32]int)
	for i, r := range recs {
		for _, code := range r.snapshot() {
			if int(code)%10 != i {
				t.Fatalf("code %d delivered to endpoint %d", code, i)
			}
			seen[code]++
		}
	}
	for code, count := range seen {
		if count != 1 {
			t.Fatalf("code %d delivered %d times", code, count)
		}
	}
	if p.ThreadPool().Workers() != 4 {
		t.Fatalf("worker count changed: %d", p.ThreadPool().Workers())
	}
}

func TestReleaseFailsQueuedOneway(t *testing.T) {
	testlog.Start(t)
	p := newHostProcess(t)
	if err := p.StartThreadPool(2, false); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := newRecorder(8)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	b, _ := p.NewBinder(echoIface, HandlerFunc(func(ctx context.Context, code uint32, req, reply *parcel.Parcel, flags uint32) error {
		if code == 1 {
			close(entered)
			<-unblock
		}
		return rec.OnTransact(ctx, code, req, reply, flags)
	}))
	for i := uint32(1); i <= 4; i++ {
		if _, err := b.Transact(context.Background(), i, nil, FlagOneway); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	<-entered
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(unblock)
	if !waitForCondition(time.Second, 5*time.Millisecond, func() bool { return len(rec.snapshot()) == 1 }) {
		t.Fatalf("in-flight call did not finish")
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("queued one-way ran after release: %v", got)
	}
	if _, ok := p.Lifecycle().Lookup(b.Endpoint().ID()); ok {
		t.Fatalf("endpoint still in node table after drain")
	}
}

func TestNestedLocalCallsAreReentrant(t *testing.T) {
	testlog.Start(t)
	p := newHostProcess(t)
	inner, _ := p.NewBinder(echoIface, echoHandler())
	outer, _ := p.NewBinder("vendor.test@1.0::IOuter", HandlerFunc(func(ctx context.Context, code uint32, req, reply *parcel.Parcel, _ uint32) error {
		r, err := inner.Transact(ctx, code+1, req, 0)
		if err != nil {
			return err
		}
		return reply.Write(r.Bytes())
	}))
	reply, err := outer.Transact(context.Background(), 10, bytesParcel(t, []byte("nested")), 0)
	if err != nil {
		t.Fatalf("outer transact: %v", err)
	}
	if code, _ := reply.ReadUint32(); code != 11 {
		t.Fatalf("expected inner code 11, got %d", code)
	}
	if s, _ := reply.ReadBytes(); string(s) != "nested" {
		t.Fatalf("unexpected payload %q", s)
	}
}

func TestDeathRecipientFiresOnClose(t *testing.T) {
	testlog.Start(t)
	p := newHostProcess(t)
	b, _ := p.NewBinder(echoIface, echoHandler())
	probe := newDeathProbe()
	unlinked := newDeathProbe()
	if err := b.LinkToDeath(probe); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := b.LinkToDeath(unlinked); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := b.UnlinkToDeath(unlinked); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := b.UnlinkToDeath(unlinked); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument on second unlink, got %v", err)
	}
	_ = b.Close()
	select {
	case who := <-probe.died:
		if who != IBinder(b) {
			t.Fatalf("death reported for wrong binder")
		}
	case <-time.After(time.Second):
		t.Fatalf("death recipient not notified")
	}
	select {
	case <-unlinked.died:
		t.Fatalf("unlinked recipient notified")
	default:
	}
}

func TestNotifyConfigChangedReachesLiveBinders(t *testing.T) {
	testlog.Start(t)
	p := newHostProcess(t)
	if err := p.StartThreadPool(2, false); err != nil {
		t.Fatalf("start: %v", err)
	}
	a, b := newRecorder(1), newRecorder(1)
	ba, _ := p.NewBinder(echoIface, a)
	bb, _ := p.NewBinder(echoIface, b)
	closed, _ := p.NewBinder(echoIface, newRecorder(1))
	_ = closed.Close()

	if n := p.NotifyConfigChanged(); n != 2 {
		t.Fatalf("expected 2 notified, got %d", n)
	}
	for _, r := range []*recorder{a, b} {
		select {
		case code := <-r.seen:
			if code != SyspropsTransaction || code <= LastCallTransaction {
				t.Fatalf("unexpected code 0x%x", code)
			}
		case <-time.After(time.Second):
			t.Fatalf("sysprops not delivered")
		}
	}
	_, _ = ba, bb
}

func TestNewBinderValidation(t *testing.T) {
	testlog.Start(t)
	p := newHostProcess(t)
	if _, err := p.NewBinder(" ", echoHandler()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty iface, got %v", err)
	}
	if _, err := p.NewBinder(echoIface, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for nil handler, got %v", err)
	}
	_ = p.Shutdown()
	if _, err := p.NewBinder(echoIface, echoHandler()); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown after shutdown, got %v", err)
	}
}

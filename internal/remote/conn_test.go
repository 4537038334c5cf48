package remote

import (
	"bytes"
	"context"
	"errors"
	"os"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/parcel"
	"github.com/danmuck/hwbinder/internal/testutil/testlog"
)

func TestRemoteTransactThroughHub(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	server, _ := newClient(t, hub, "server", 2)
	client, _ := newClient(t, hub, "client", 0)

	register(t, server, echoIface, "default", echoHandler())
	b := lookup(t, client, echoIface, "default")
	if _, ok := b.(*Proxy); !ok {
		t.Fatalf("expected *Proxy, got %T", b)
	}

	reply, err := b.Transact(context.Background(), 9, bytesParcel(t, []byte("hello")), 0)
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	code, err := reply.ReadUint32()
	if err != nil || code != 9 {
		t.Fatalf("reply code=%d err=%v", code, err)
	}
	got, err := reply.ReadBytes()
	if err != nil || !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("reply body=%q err=%v", got, err)
	}
}

func TestRemoteGetServiceSharesProxy(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	server, _ := newClient(t, hub, "server", 1)
	client, _ := newClient(t, hub, "client", 0)
	register(t, server, echoIface, "default", echoHandler())

	a := lookup(t, client, echoIface, "default")
	b := lookup(t, client, echoIface, "default")
	if a != b {
		t.Fatalf("expected one proxy per handle")
	}
}

func TestRemoteGetServiceNotFound(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	client, _ := newClient(t, hub, "client", 0)

	_, err := client.GetService(context.Background(), echoIface, "missing", false)
	if !errors.Is(err, binder.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestRemoteGetServiceRetryFindsLateRegistration(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	server, _ := newClient(t, hub, "server", 1)
	client, _ := newClient(t, hub, "client", 0)

	found := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := client.GetService(ctx, echoIface, "late", true)
		found <- err
	}()
	time.Sleep(150 * time.Millisecond)
	register(t, server, echoIface, "late", echoHandler())

	select {
	case err := <-found:
		if err != nil {
			t.Fatalf("retry lookup: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("retry lookup did not finish")
	}
}

func TestRemoteHandlerFailureReachesCaller(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	server, _ := newClient(t, hub, "server", 1)
	client, _ := newClient(t, hub, "client", 0)

	register(t, server, echoIface, "default", binder.HandlerFunc(func(context.Context, uint32, *parcel.Parcel, *parcel.Parcel, uint32) error {
		return errors.New("boom")
	}))
	b := lookup(t, client, echoIface, "default")

	_, err := b.Transact(context.Background(), 1, parcel.New(), 0)
	if !errors.Is(err, binder.ErrTransport) || !errors.Is(err, binder.ErrHandlerFailed) {
		t.Fatalf("expected handler failure, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T", err)
	}

	// the serving side keeps working
	if _, err := b.Transact(context.Background(), 1, parcel.New(), 0); !errors.Is(err, binder.ErrHandlerFailed) {
		t.Fatalf("second call: %v", err)
	}
}

func TestRemoteOnewayPreservesOrder(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	server, _ := newClient(t, hub, "server", 3)
	client, _ := newClient(t, hub, "client", 0)

	const n = 50
	rec := newRecorder(n)
	register(t, server, echoIface, "default", rec)
	b := lookup(t, client, echoIface, "default")

	want := make([]uint32, 0, n)
	for i := uint32(1); i <= n; i++ {
		if _, err := b.Transact(context.Background(), i, parcel.New(), binder.FlagOneway); err != nil {
			t.Fatalf("oneway %d: %v", i, err)
		}
		want = append(want, i)
	}
	if !waitForCondition(5*time.Second, 10*time.Millisecond, func() bool {
		return len(rec.snapshot()) == n
	}) {
		t.Fatalf("delivered %d of %d", len(rec.snapshot()), n)
	}
	if got := rec.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("order mismatch: %v", got)
	}
}

func TestRemoteNestedCallServedByWaitingCaller(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	server, _ := newClient(t, hub, "server", 1)
	// no pool: the nested callback can only run on the waiting goroutine
	client, _ := newClient(t, hub, "client", 0)

	register(t, client, callbackIface, "default", echoHandler())
	register(t, server, echoIface, "default", binder.HandlerFunc(func(ctx context.Context, _ uint32, req, reply *parcel.Parcel, _ uint32) error {
		cb, err := server.GetService(ctx, callbackIface, "default", false)
		if err != nil {
			return err
		}
		body, err := req.ReadBytes()
		if err != nil {
			return err
		}
		fwd := parcel.New()
		if err := fwd.WriteBytes(append(body, "-nested"...)); err != nil {
			return err
		}
		out, err := cb.Transact(ctx, 7, fwd, 0)
		if err != nil {
			return err
		}
		if _, err := out.ReadUint32(); err != nil {
			return err
		}
		echoed, err := out.ReadBytes()
		if err != nil {
			return err
		}
		return reply.WriteBytes(echoed)
	}))

	b := lookup(t, client, echoIface, "default")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := b.Transact(ctx, 1, bytesParcel(t, []byte("ping")), binder.FlagServeNested)
	if err != nil {
		t.Fatalf("nested transact: %v", err)
	}
	got, err := reply.ReadBytes()
	if err != nil || string(got) != "ping-nested" {
		t.Fatalf("reply=%q err=%v", got, err)
	}
}

func TestRemoteConnectionLossKillsProxiesAndRegistry(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	server, serverConn := newClient(t, hub, "server", 1)
	client, _ := newClient(t, hub, "client", 0)

	register(t, server, echoIface, "default", echoHandler())
	b := lookup(t, client, echoIface, "default")
	probe := newDeathProbe()
	if err := b.LinkToDeath(probe); err != nil {
		t.Fatalf("link: %v", err)
	}

	_ = serverConn.Close()

	select {
	case who := <-probe.died:
		if who != b {
			t.Fatalf("death delivered for %v, want %v", who, b)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("death not delivered")
	}
	if b.IsAlive() {
		t.Fatalf("proxy should be dead")
	}
	if _, err := b.Transact(context.Background(), 1, parcel.New(), 0); !errors.Is(err, binder.ErrDeadObject) {
		t.Fatalf("expected ErrDeadObject, got %v", err)
	}
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		_, err := hub.proc.GetService(context.Background(), echoIface, "default", false)
		return errors.Is(err, binder.ErrServiceNotFound)
	}) {
		t.Fatalf("registry entry survived the connection")
	}
}

func TestRemoteHubLossFailsServiceManager(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	client, conn := newClient(t, hub, "client", 0)

	_ = conn.Close()
	<-conn.Done()
	_, err := client.GetService(context.Background(), echoIface, "default", false)
	if !errors.Is(err, binder.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
}

func TestRemoteProxyCloseReleasesExport(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	server, _ := newClient(t, hub, "server", 1)
	client, clientConn := newClient(t, hub, "client", 0)
	register(t, server, echoIface, "default", echoHandler())

	p := lookup(t, client, echoIface, "default").(*Proxy)
	lookup(t, client, echoIface, "default")
	if hubExports(hub) != 1 {
		t.Fatalf("hub exports=%d want 1", hubExports(hub))
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		return hubExports(hub) == 0
	}) {
		t.Fatalf("hub still exports %d handles", hubExports(hub))
	}
	if _, imports := clientConn.Stats(); imports != 0 {
		t.Fatalf("client imports=%d", imports)
	}
	if _, err := p.Transact(context.Background(), 1, parcel.New(), 0); !errors.Is(err, binder.ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle after close, got %v", err)
	}
}

func TestRemoteCollectedProxyReleasesExport(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	server, _ := newClient(t, hub, "server", 1)
	client, _ := newClient(t, hub, "client", 0)
	register(t, server, echoIface, "default", echoHandler())

	func() {
		b := lookup(t, client, echoIface, "default")
		if !b.IsAlive() {
			t.Fatalf("fresh proxy should be alive")
		}
	}()
	if !waitForCondition(5*time.Second, 20*time.Millisecond, func() bool {
		runtime.GC()
		return hubExports(hub) == 0
	}) {
		t.Fatalf("collected proxy did not release its handle")
	}
}

func TestRemoteRegistrationDenied(t *testing.T) {
	testlog.Start(t)
	const denied = "vendor.test@1.0::IDenied"
	hub := newHub(t, binder.WithPolicy(func(_ binder.Caller, iface, _ string) bool {
		return iface != denied
	}))
	server, conn := newClient(t, hub, "server", 1)

	b, err := server.NewBinder(denied, echoHandler())
	if err != nil {
		t.Fatalf("new binder: %v", err)
	}
	err = b.RegisterService(context.Background(), "default")
	if !errors.Is(err, binder.ErrRegistrationDenied) {
		t.Fatalf("expected ErrRegistrationDenied, got %v", err)
	}
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		exports, _ := conn.Stats()
		return exports == 0
	}) {
		t.Fatalf("denied binder still exported")
	}
}

func TestRemoteRegistrantCarriesPeerCredentials(t *testing.T) {
	testlog.Start(t)
	if runtime.GOOS != "linux" {
		t.Skip("peer credentials are read with SO_PEERCRED")
	}
	hub := newHub(t)
	server, _ := newClient(t, hub, "server", 1)
	register(t, server, echoIface, "default", echoHandler())

	entries := hub.proc.Registry().List()
	if len(entries) != 1 {
		t.Fatalf("entries=%d", len(entries))
	}
	got := entries[0].Registrant
	if got.PID != int32(os.Getpid()) || got.UID != uint32(os.Getuid()) || got.Local {
		t.Fatalf("registrant=%s", got)
	}
}

func TestRemoteListServices(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	server, _ := newClient(t, hub, "server", 1)
	client, _ := newClient(t, hub, "client", 0)
	register(t, server, echoIface, "b", echoHandler())
	register(t, server, echoIface, "a", echoHandler())

	infos, err := client.ListServices(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Instance != "a" || infos[1].Instance != "b" {
		t.Fatalf("unexpected listing: %+v", infos)
	}
}

func TestRemoteShutdownFailsPendingCall(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	server, _ := newClient(t, hub, "server", 1)
	client, _ := newClient(t, hub, "client", 0)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	register(t, server, echoIface, "default", binder.HandlerFunc(func(ctx context.Context, _ uint32, _, _ *parcel.Parcel, _ uint32) error {
		close(entered)
		select {
		case <-ctx.Done():
		case <-release:
		}
		return nil
	}))
	b := lookup(t, client, echoIface, "default")

	done := make(chan error, 1)
	go func() {
		_, err := b.Transact(context.Background(), 1, parcel.New(), 0)
		done <- err
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler not entered")
	}
	_ = client.Shutdown()

	select {
	case err := <-done:
		if !errors.Is(err, binder.ErrShuttingDown) {
			t.Fatalf("expected ErrShuttingDown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pending call not released by shutdown")
	}
}

func TestRemoteParcelOverLimitRejected(t *testing.T) {
	testlog.Start(t)
	hub := newHub(t)
	server, _ := newClient(t, hub, "server", 1)
	client, _ := newClient(t, hub, "client", 0)
	register(t, server, echoIface, "default", echoHandler())
	b := lookup(t, client, echoIface, "default")

	big := parcel.FromBytes(make([]byte, int(DefaultConfig().MaxPayloadBytes)+1))
	if _, err := b.Transact(context.Background(), 1, big, 0); !errors.Is(err, parcel.ErrParcelOverflow) {
		t.Fatalf("expected ErrParcelOverflow, got %v", err)
	}
	if !b.IsAlive() {
		t.Fatalf("oversized call must not kill the connection")
	}
}

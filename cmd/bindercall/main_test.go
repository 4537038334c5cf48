package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/parcel"
	"github.com/danmuck/hwbinder/internal/remote"
	"github.com/danmuck/hwbinder/internal/testutil/testlog"
)

const upperIface = "vendor.test@1.0::IUpper"

// startHub serves a service manager that also hosts one upper-casing object.
func startHub(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "bcall")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	pcfg := binder.DefaultConfig()
	pcfg.Name = "sm"
	pcfg.HostServiceManager = true
	proc := binder.New(pcfg)
	if err := proc.StartThreadPool(2, false); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	b, err := proc.NewBinder(upperIface, binder.HandlerFunc(func(_ context.Context, _ uint32, req, reply *parcel.Parcel, _ uint32) error {
		s, err := req.ReadString()
		if err != nil || reply == nil {
			return err
		}
		return reply.WriteString(strings.ToUpper(s))
	}))
	if err != nil {
		t.Fatalf("new binder: %v", err)
	}
	if err := b.RegisterService(context.Background(), "default"); err != nil {
		t.Fatalf("register: %v", err)
	}

	cfg := remote.DefaultConfig()
	cfg.Address = filepath.Join(dir, "sm.sock")
	server := remote.NewServer(proc, cfg)
	ln, err := server.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = proc.Shutdown()
	})
	return cfg.Address
}

func TestRunListGetCall(t *testing.T) {
	testlog.Start(t)
	addr := startHub(t)

	var out bytes.Buffer
	if err := run([]string{"-address", addr, "list"}, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), upperIface) {
		t.Fatalf("list output missing service:\n%s", out.String())
	}

	out.Reset()
	if err := run([]string{"-address", addr, "get", upperIface}, &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out.String(), "alive=true") {
		t.Fatalf("get output: %s", out.String())
	}

	out.Reset()
	if err := run([]string{"-address", addr, "call", upperIface, "default", "hello", "world"}, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(out.String(), "HELLO WORLD") {
		t.Fatalf("call output: %s", out.String())
	}

	out.Reset()
	if err := run([]string{"-address", addr, "call", "-oneway", upperIface}, &out); err != nil {
		t.Fatalf("oneway call: %v", err)
	}
	if strings.TrimSpace(out.String()) != "sent" {
		t.Fatalf("oneway output: %s", out.String())
	}
}

func TestRunRejectsBadInvocations(t *testing.T) {
	testlog.Start(t)
	addr := startHub(t)

	var out bytes.Buffer
	if err := run(nil, &out); err == nil {
		t.Fatalf("expected missing command error")
	}
	if err := run([]string{"-address", addr, "nope"}, &out); err == nil {
		t.Fatalf("expected unknown command error")
	}
	if err := run([]string{"-address", addr, "get"}, &out); err == nil {
		t.Fatalf("expected missing interface error")
	}
	if err := run([]string{"-address", addr, "get", "vendor.none@1.0::INone"}, &out); err == nil {
		t.Fatalf("expected lookup failure")
	}
}

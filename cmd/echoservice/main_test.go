package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/parcel"
	"github.com/danmuck/hwbinder/internal/remote"
	"github.com/danmuck/hwbinder/internal/testutil/testlog"
)

func startServiceManager(t *testing.T) remote.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "echo")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	pcfg := binder.DefaultConfig()
	pcfg.Name = "sm"
	pcfg.HostServiceManager = true
	proc := binder.New(pcfg)
	if err := proc.StartThreadPool(2, false); err != nil {
		t.Fatalf("start sm pool: %v", err)
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
	return cfg
}

func TestRunServesRegisteredEcho(t *testing.T) {
	testlog.Start(t)
	smCfg := startServiceManager(t)

	cfg := defaultServiceConfig()
	cfg.Remote = smCfg
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg) }()

	client := binder.New(binder.Config{Name: "client"})
	defer client.Shutdown()
	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	conn, err := remote.ConnectServiceManager(callCtx, client, smCfg)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	defer conn.Close()

	b, err := client.GetService(callCtx, echoInterface, cfg.Instance, true)
	if err != nil {
		t.Fatalf("get echo: %v", err)
	}
	req := parcel.New()
	if err := req.WriteString("binder"); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := b.Transact(callCtx, codeReverse, req, 0)
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	if got, _ := reply.ReadString(); got != "rednib" {
		t.Fatalf("reply=%q", got)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestLoadServiceConfig(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "echo.toml")
	body := `
instance = "secondary"
threads = 3
address = "/run/hwbinder/sm.sock"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "echoservice" || cfg.Instance != "secondary" || cfg.Threads != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Remote.Address != "/run/hwbinder/sm.sock" {
		t.Fatalf("address=%s", cfg.Remote.Address)
	}

	if err := os.WriteFile(path, []byte("threads = 0\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadServiceConfig(path); err == nil {
		t.Fatalf("expected zero threads to be rejected")
	}
}

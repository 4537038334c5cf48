package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/hwbinder/internal/admin"
	"github.com/danmuck/hwbinder/internal/auth"
	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/config"
	"github.com/danmuck/hwbinder/internal/logging"
	"github.com/danmuck/hwbinder/internal/manifest"
	"github.com/danmuck/hwbinder/internal/remote"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	logging.ConfigureRuntime()
	configPath := flag.String("config", "", "service manager config (toml); defaults apply when empty")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "servicemanager: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
		log.Info().Msgf("servicemanager.config path=%s", *configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "servicemanager: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.NodeConfig) error {
	var opts []binder.Option
	if cfg.Manifest != "" {
		m, err := manifest.Load(cfg.Manifest)
		if err != nil {
			return err
		}
		opts = append(opts, binder.WithPolicy(m.Policy()))
	}

	proc := binder.New(cfg.ProcessConfig(), opts...)
	defer proc.Shutdown()

	server := remote.NewServer(proc, cfg.RemoteConfig())
	ln, err := server.Listen()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, ln)
	})
	if cfg.AdminAddr != "" {
		var adminOpts []admin.Option
		if cfg.AdminToken != "" {
			adminOpts = append(adminOpts, admin.WithValidator(auth.StaticToken{Token: cfg.AdminToken}))
		}
		adm := admin.New(proc, server, cfg.AdminAddr, cfg.CorsOrigins, adminOpts...)
		g.Go(func() error {
			return adm.Serve(gctx)
		})
	}
	if cfg.ThreadPool.CallerJoins {
		g.Go(func() error {
			err := proc.JoinThreadPool(gctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, binder.ErrShuttingDown) {
				return nil
			}
			return err
		})
	} else if err := proc.StartThreadPool(cfg.ThreadPool.MaxThreads, false); err != nil {
		_ = ln.Close()
		return err
	}

	log.Info().Msgf("servicemanager.run name=%s network=%s address=%s admin=%s", cfg.Name, cfg.Transport.Network, cfg.Transport.Address, cfg.AdminAddr)
	err = g.Wait()
	log.Info().Msgf("servicemanager.stop name=%s err=%v", cfg.Name, err)
	return err
}

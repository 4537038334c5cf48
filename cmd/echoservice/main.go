package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/logging"
	"github.com/danmuck/hwbinder/internal/remote"
	"github.com/rs/zerolog/log"
)

func main() {
	logging.ConfigureRuntime()
	configPath := flag.String("config", "", "echo service config (toml)")
	address := flag.String("address", "", "service manager address override")
	flag.Parse()

	cfg := defaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "echoservice: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *address != "" {
		cfg.Remote.Address = *address
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "echoservice: %v\n", err)
		os.Exit(1)
	}
}

// run registers the echo object and serves it until ctx ends or the
// service manager goes away.
func run(ctx context.Context, cfg serviceConfig) error {
	pcfg := binder.DefaultConfig()
	pcfg.Name = cfg.Name
	proc := binder.New(pcfg)
	defer proc.Shutdown()

	if err := proc.ConfigureThreadPool(cfg.Threads, true); err != nil {
		return err
	}
	conn, err := remote.ConnectServiceManager(ctx, proc, cfg.Remote)
	if err != nil {
		return err
	}
	defer conn.Close()

	b, err := proc.NewBinder(echoInterface, &echoService{})
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.RegisterService(ctx, cfg.Instance); err != nil {
		return err
	}
	log.Info().Msgf("echoservice.run iface=%s instance=%s sm=%s", echoInterface, cfg.Instance, conn.Peer())

	joinCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-conn.Done():
			log.Warn().Msgf("echoservice.sm_lost err=%v", conn.Err())
			cancel()
		case <-joinCtx.Done():
		}
	}()

	err = proc.JoinThreadPool(joinCtx)
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		return fmt.Errorf("service manager connection lost: %w", binder.ErrDeadObject)
	case errors.Is(err, context.Canceled), errors.Is(err, binder.ErrShuttingDown):
		return nil
	}
	return err
}

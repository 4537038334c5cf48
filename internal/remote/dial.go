package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/rs/zerolog/log"
)

// Dial opens a transport connection to the configured hub, completing the
// TLS handshake when enabled.
func Dial(ctx context.Context, cfg Config) (net.Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, cfg.Network, cfg.Address)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := cfg.clientTLSConfig()
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// Connect dials the hub, retrying with backoff up to MaxConnectAttempts
// (unbounded when zero), and opens a binder connection on it.
func Connect(ctx context.Context, proc *binder.Process, cfg Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		nc, err := Dial(ctx, cfg)
		if err == nil {
			return Open(proc, nc, cfg, false), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, errors.Join(binder.ErrTransportUnavailable, err)
		}
		delay := binder.NextBackoffDelay(cfg.Backoff, attempt, rng)
		log.Warn().Msgf("remote.Connect attempt=%d addr=%s delay=%s err=%v", attempt, cfg.Address, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-proc.Done():
			timer.Stop()
			return nil, binder.ErrShuttingDown
		case <-timer.C:
		}
	}
}

// ConnectServiceManager connects to the hub and makes its registry the
// service manager of proc. When the connection drops proc is left without
// a service manager.
func ConnectServiceManager(ctx context.Context, proc *binder.Process, cfg Config) (*Conn, error) {
	c, err := Connect(ctx, proc, cfg)
	if err != nil {
		return nil, err
	}
	sm := c.ServiceManager()
	proc.SetServiceManager(sm)
	c.OnClose(func() {
		if cur, ok := proc.ServiceManager().(*ServiceManager); ok && cur == sm {
			proc.SetServiceManager(nil)
		}
	})
	return c, nil
}

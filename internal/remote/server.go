package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Server accepts binder connections for a hub process. Every connection
// may use the hub's service manager.
type Server struct {
	proc *binder.Process
	cfg  Config

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	active atomic.Int64
}

func NewServer(proc *binder.Process, cfg Config) *Server {
	return &Server{
		proc:  proc,
		cfg:   cfg.WithDefaults(),
		conns: make(map[*Conn]struct{}),
	}
}

func (s *Server) Config() Config {
	return s.cfg
}

// Listen opens the configured listener. A leftover unix socket file is
// removed first; TLS wraps tcp listeners when enabled.
func (s *Server) Listen() (net.Listener, error) {
	if err := s.cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if s.cfg.Network == "unix" {
		if err := os.Remove(s.cfg.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remote: remove stale socket %s: %w", s.cfg.Address, err)
		}
	}
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !s.cfg.TLS.Enabled {
		return ln, nil
	}
	tlsCfg, err := s.cfg.serverTLSConfig()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// Serve accepts connections on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	var g errgroup.Group
	defer func() {
		s.closeAll()
		_ = g.Wait()
	}()

	log.Info().Msgf("remote.Server.Serve addr=%s network=%s tls=%t", ln.Addr(), s.cfg.Network, s.cfg.TLS.Enabled)
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		g.Go(func() error {
			s.handleConn(ctx, nc)
			return nil
		})
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	if tc, ok := nc.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			log.Warn().Msgf("remote.Server.handleConn handshake remote=%s err=%v", nc.RemoteAddr(), err)
			_ = nc.Close()
			return
		}
	}

	c := Open(s.proc, nc, s.cfg, true)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	active := s.active.Add(1)
	log.Info().Msgf("remote.Server client connected peer=%s active=%d", c.Name(), active)

	select {
	case <-c.Done():
	case <-ctx.Done():
		_ = c.Close()
	}

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	remaining := s.active.Add(-1)
	log.Info().Msgf("remote.Server client disconnected peer=%s active=%d", c.Name(), remaining)
}

// Conns returns the open connections ordered by peer name.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (s *Server) closeAll() {
	for _, c := range s.Conns() {
		_ = c.Close()
	}
}

package remote

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/parcel"
)

// Proxy is the local stand-in for an object exported by the peer. Proxies
// for the same handle are shared; Close kills it for every holder.
type Proxy struct {
	conn   *Conn
	handle uint32
	ep     *binder.Endpoint
	closed atomic.Bool
}

var _ binder.IBinder = (*Proxy)(nil)

func (p *Proxy) Handle() uint32 {
	return p.handle
}

func (p *Proxy) Conn() *Conn {
	return p.conn
}

func (p *Proxy) Endpoint() *binder.Endpoint {
	return p.ep
}

func (p *Proxy) IsAlive() bool {
	return p.ep.IsAlive()
}

func (p *Proxy) Transact(ctx context.Context, code uint32, req *parcel.Parcel, flags uint32) (*parcel.Parcel, error) {
	if err := p.ep.Enter(); err != nil {
		return nil, p.deadErr()
	}
	defer p.ep.Exit()
	return p.conn.transact(ctx, p.handle, code, req, flags)
}

func (p *Proxy) LinkToDeath(r binder.DeathRecipient) error {
	err := p.ep.LinkToDeath(r, binder.WeakRef(p))
	if errors.Is(err, binder.ErrStaleHandle) {
		return p.deadErr()
	}
	return err
}

func (p *Proxy) UnlinkToDeath(r binder.DeathRecipient) error {
	err := p.ep.UnlinkToDeath(r)
	if errors.Is(err, binder.ErrStaleHandle) {
		return p.deadErr()
	}
	return err
}

// Close drops the proxy and returns its references to the peer.
func (p *Proxy) Close() error {
	p.closed.Store(true)
	lc := p.conn.proc.Lifecycle()
	binder.Unbind(lc, p)
	lc.Release(p.ep)
	return nil
}

// deadErr is ErrStaleHandle for a proxy closed locally, otherwise the
// reason the remote object is gone.
func (p *Proxy) deadErr() error {
	if p.closed.Load() {
		return binder.ErrStaleHandle
	}
	select {
	case <-p.conn.done:
		return p.conn.deadErr()
	default:
		return binder.ErrDeadObject
	}
}

package binder

import (
	"context"
	"strings"
	"time"

	"github.com/danmuck/hwbinder/internal/parcel"
	"github.com/rs/zerolog/log"
)

// IBinder is a callable object reference, local or remote.
type IBinder interface {
	Transact(ctx context.Context, code uint32, req *parcel.Parcel, flags uint32) (*parcel.Parcel, error)
	LinkToDeath(r DeathRecipient) error
	UnlinkToDeath(r DeathRecipient) error
	IsAlive() bool
}

// Binder is a locally hosted object. The handler lives as long as the
// Binder; the endpoint only refers to it weakly.
type Binder struct {
	iface   string
	ep      *Endpoint
	proc    *Process
	handler *handlerRef
}

// NewBinder constructs a local object served by h. It is not published
// until RegisterService.
func (p *Process) NewBinder(iface string, h TransactionHandler) (*Binder, error) {
	iface = strings.TrimSpace(iface)
	if iface == "" || h == nil {
		return nil, ErrInvalidArgument
	}
	ep, err := p.lc.Acquire(h, func() {
		log.Debug().Msgf("binder.Binder.released iface=%s", iface)
	})
	if err != nil {
		return nil, err
	}
	b := &Binder{iface: iface, ep: ep, proc: p, handler: ep.detachHandler()}
	Bind(p.lc, b, ep)
	return b, nil
}

func (b *Binder) Interface() string {
	return b.iface
}

func (b *Binder) Endpoint() *Endpoint {
	return b.ep
}

// Process returns the process hosting b.
func (b *Binder) Process() *Process {
	return b.proc
}

func (b *Binder) IsAlive() bool {
	return b.ep.IsAlive()
}

func (b *Binder) LinkToDeath(r DeathRecipient) error {
	return b.ep.LinkToDeath(r, WeakRef(b))
}

func (b *Binder) UnlinkToDeath(r DeathRecipient) error {
	return b.ep.UnlinkToDeath(r)
}

// RegisterService publishes b under its interface name.
func (b *Binder) RegisterService(ctx context.Context, instance string) error {
	return b.proc.RegisterService(ctx, b.iface, instance, b)
}

// Close releases the endpoint now. Calls in flight finish; later calls
// fail with ErrStaleHandle.
func (b *Binder) Close() error {
	Unbind(b.proc.lc, b)
	b.proc.lc.Release(b.ep)
	return nil
}

// Transact delivers one transaction to the local handler. Synchronous
// calls block until the handler returns or the process shuts down;
// one-way calls are queued behind earlier one-way calls to the same
// object.
func (b *Binder) Transact(ctx context.Context, code uint32, req *parcel.Parcel, flags uint32) (*parcel.Parcel, error) {
	if b.proc.closing() {
		return nil, ErrShuttingDown
	}
	if req == nil {
		req = parcel.New()
	}
	tx := b.proc.newTransaction(ctx, b.ep, code, flags, req)
	tx.handler = b.handler.h

	if tx.Oneway() {
		tx.ctx = context.WithoutCancel(tx.ctx)
		if err := b.ep.enqueueOneway(tx); err != nil {
			tx.fail(err)
			return nil, err
		}
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		tx.fail(err)
		return nil, err
	}
	if err := b.ep.Enter(); err != nil {
		tx.fail(err)
		return nil, err
	}

	tx.Reply = parcel.NewWithLimit(b.proc.cfg.ParcelLimit)
	tx.advance(TxSent)
	tx.advance(TxDelivered)
	hctx, cancel := b.proc.Scope(WithCaller(ctx, tx.Origin))
	defer cancel()
	// The endpoint stays in flight until the handler returns, even when
	// shutdown abandons the wait.
	done := make(chan error, 1)
	go func() {
		err := invoke(hctx, tx.handler, tx)
		b.ep.Exit()
		done <- err
	}()
	var err error
	select {
	case err = <-done:
	case <-b.proc.ctx.Done():
	}
	if b.proc.closing() {
		tx.fail(ErrShuttingDown)
		return nil, ErrShuttingDown
	}
	if err != nil {
		tx.fail(err)
		return nil, err
	}
	tx.advance(TxHandled)
	tx.advance(TxReplied)
	tx.record("local", nil)
	return tx.Reply, nil
}

func (p *Process) newTransaction(ctx context.Context, ep *Endpoint, code, flags uint32, req *parcel.Parcel) *Transaction {
	tx := &Transaction{
		ID:      p.nextTx.Add(1),
		Code:    code,
		Flags:   flags,
		Request: req,
		Target:  ep,
		Origin:  CallerFrom(ctx),
		ctx:     ctx,
		created: time.Now(),
	}
	return tx
}

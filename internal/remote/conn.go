package remote

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/observability"
	"github.com/danmuck/hwbinder/internal/parcel"
	"github.com/danmuck/hwbinder/internal/protocol/frame"
	"github.com/danmuck/hwbinder/internal/protocol/schema"
	"github.com/danmuck/hwbinder/internal/protocol/wire"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type connKey struct{}

// ConnFrom returns the connection an incoming transaction arrived on.
func ConnFrom(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(connKey{}).(*Conn)
	return c, ok
}

// Conn is one binder link between two processes. Each side exports local
// objects under connection-scoped handles and imports the peer's handles
// as proxies.
type Conn struct {
	proc    *binder.Process
	nc      net.Conn
	cfg     Config
	limits  frame.Limits
	serveSM bool
	peer    binder.Caller
	name    string

	out     *outbox
	limiter *rate.Limiter
	spam    atomic.Uint64
	nextMsg atomic.Uint64

	mu         sync.Mutex
	closed     bool
	closeErr   error
	exports    map[uint32]*exportEntry
	exportIDs  map[binder.IBinder]uint32
	nextHandle uint32
	imports    map[uint32]*importEntry
	pending    map[uint64]chan frame.Frame
	nested     map[uint64][]chan wire.Transaction
	onClose    []func()

	done         chan struct{}
	stopShutdown func()
}

// Open starts serving nc. serveSM makes this side answer service manager
// requests from the process registry.
func Open(proc *binder.Process, nc net.Conn, cfg Config, serveSM bool) *Conn {
	cfg = cfg.WithDefaults()
	c := &Conn{
		proc:      proc,
		nc:        nc,
		cfg:       cfg,
		limits:    cfg.limits(),
		serveSM:   serveSM,
		out:       newOutbox(),
		exports:   make(map[uint32]*exportEntry),
		exportIDs: make(map[binder.IBinder]uint32),
		imports:   make(map[uint32]*importEntry),
		pending:   make(map[uint64]chan frame.Frame),
		nested:    make(map[uint64][]chan wire.Transaction),
		done:      make(chan struct{}),
	}
	c.nextMsg.Store(uint64(time.Now().UnixNano()))
	c.peer, c.name = identify(nc)
	if cfg.OnewayRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.OnewayRate), cfg.OnewayBurst)
	}
	c.stopShutdown = proc.OnShutdown(func() {
		c.closeWith(binder.ErrShuttingDown)
	})
	go c.writeLoop()
	go c.readLoop()
	log.Info().Msgf("remote.Conn.Open peer=%s serve_sm=%t", c.name, serveSM)
	return c
}

func identify(nc net.Conn) (binder.Caller, string) {
	unknown := binder.Caller{UID: binder.UnknownUID}
	if tc, ok := nc.(*tls.Conn); ok {
		state := tc.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			if id := peerIdentityFromCert(state.PeerCertificates[0]); id != "" {
				unknown.Name = id
				return unknown, id
			}
		}
		return unknown, nc.RemoteAddr().String()
	}
	if cred, ok := peerCredentials(nc); ok {
		return cred, fmt.Sprintf("pid:%d", cred.PID)
	}
	return unknown, nc.RemoteAddr().String()
}

// Peer is the remote caller identity used for registration policy.
func (c *Conn) Peer() binder.Caller {
	return c.peer
}

func (c *Conn) Name() string {
	return c.name
}

func (c *Conn) Process() *binder.Process {
	return c.proc
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err is the reason the connection closed, nil while open or after a
// clean peer close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// OnClose runs f once the connection is torn down.
func (c *Conn) OnClose(f func()) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, f)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	f()
}

func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

// Stats reports the handle table sizes.
func (c *Conn) Stats() (exports int, imports int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.exports), len(c.imports)
}

func (c *Conn) send(f frame.Frame) error {
	if err := c.out.push(f); err != nil {
		return binder.ErrDeadObject
	}
	return nil
}

func (c *Conn) writeLoop() {
	for {
		f, ok := c.out.pop()
		if !ok {
			return
		}
		if c.cfg.WriteTimeout > 0 {
			_ = c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		}
		if err := frame.WriteFrame(c.nc, f, c.limits); err != nil {
			c.closeWith(fmt.Errorf("remote: write %s: %w", schema.KindName(f.Header.Kind), err))
			return
		}
	}
}

func (c *Conn) readLoop() {
	br := bufio.NewReader(c.nc)
	for {
		f, err := frame.ReadFrame(br, c.limits)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				c.closeWith(nil)
			} else {
				c.closeWith(fmt.Errorf("remote: read: %w", err))
			}
			return
		}
		if err := c.dispatch(f); err != nil {
			log.Error().Msgf("remote.Conn.dispatch peer=%s kind=%s err=%v", c.name, schema.KindName(f.Header.Kind), err)
			c.closeWith(err)
			return
		}
	}
}

func (c *Conn) dispatch(f frame.Frame) error {
	switch f.Header.Kind {
	case schema.MsgTransaction:
		tx, err := wire.DecodeTransaction(f)
		if err != nil {
			return err
		}
		c.onTransaction(tx)
	case schema.MsgReply, schema.MsgServiceReply, schema.MsgServiceList:
		c.complete(f)
	case schema.MsgGetService, schema.MsgAddService, schema.MsgListServices:
		return c.serveServiceManager(f)
	case schema.MsgReleaseHandle:
		r, err := wire.DecodeRelease(f)
		if err != nil {
			return err
		}
		c.onRelease(r)
	case schema.MsgDeathNotice:
		d, err := wire.DecodeDeathNotice(f)
		if err != nil {
			return err
		}
		c.onDeathNotice(d)
	default:
		return fmt.Errorf("remote: unexpected message kind %s", schema.KindName(f.Header.Kind))
	}
	return nil
}

func (c *Conn) onTransaction(tx wire.Transaction) {
	if tx.Flags&binder.FlagOneway != 0 {
		if c.limiter != nil && !c.limiter.Allow() {
			observability.RecordOnewaySpam(c.name)
			if n := c.spam.Add(1); n == 1 || n%1000 == 0 {
				log.Warn().Msgf("remote.Conn.onTransaction oneway spam peer=%s count=%d", c.name, n)
			}
		}
		// in-order delivery: local one-way targets only enqueue here
		c.serveIncoming(tx)
		return
	}
	if c.deliverNested(tx) {
		return
	}
	c.submitIncoming(tx)
}

func (c *Conn) submitIncoming(tx wire.Transaction) {
	err := c.proc.Submit(binder.Work{
		Run: func() { c.serveIncoming(tx) },
		Abort: func(err error) {
			c.reply(tx.MessageID, nil, err)
		},
	})
	if err != nil {
		c.reply(tx.MessageID, nil, err)
	}
}

func (c *Conn) handlerContext(stack uint64) context.Context {
	ctx := context.WithValue(context.Background(), connKey{}, c)
	ctx = binder.WithStackID(ctx, stack)
	return binder.WithCaller(ctx, c.peer)
}

func (c *Conn) serveIncoming(tx wire.Transaction) {
	start := time.Now()
	oneway := tx.Flags&binder.FlagOneway != 0
	b := c.exported(tx.Target)
	if b == nil {
		observability.RecordTransaction("incoming", oneway, binder.OutcomeLabel(binder.ErrStaleHandle), time.Since(start))
		if !oneway {
			c.reply(tx.MessageID, nil, binder.ErrStaleHandle)
		}
		return
	}
	ctx, cancel := c.proc.Scope(c.handlerContext(tx.StackID))
	defer cancel()
	reply, err := b.Transact(ctx, tx.Code, parcel.FromBytes(tx.Parcel), tx.Flags)
	observability.RecordTransaction("incoming", oneway, binder.OutcomeLabel(err), time.Since(start))
	if oneway {
		if err != nil {
			log.Debug().Msgf("remote.Conn.serveIncoming oneway peer=%s handle=%d code=%d err=%v", c.name, tx.Target, tx.Code, err)
		}
		return
	}
	c.reply(tx.MessageID, reply, err)
}

func (c *Conn) reply(id uint64, p *parcel.Parcel, err error) {
	status, msg := statusOf(err)
	r := wire.Reply{MessageID: id, Status: status, Message: msg}
	if err == nil {
		r.Parcel = p.Bytes()
	}
	f, encErr := wire.EncodeReply(r)
	if encErr != nil {
		log.Error().Msgf("remote.Conn.reply encode peer=%s err=%v", c.name, encErr)
		return
	}
	_ = c.send(f)
}

// expect registers a waiter for the reply to message id.
func (c *Conn) expect(id uint64) (chan frame.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.deadErrLocked()
	}
	ch := make(chan frame.Frame, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) complete(f frame.Frame) {
	c.mu.Lock()
	ch := c.pending[f.Header.MessageID]
	delete(c.pending, f.Header.MessageID)
	c.mu.Unlock()
	if ch == nil {
		log.Debug().Msgf("remote.Conn.complete late reply peer=%s id=%d kind=%s", c.name, f.Header.MessageID, schema.KindName(f.Header.Kind))
		return
	}
	ch <- f
}

func (c *Conn) deadErrLocked() error {
	if c.closeErr != nil && errors.Is(c.closeErr, binder.ErrShuttingDown) {
		return binder.ErrShuttingDown
	}
	return binder.ErrDeadObject
}

// deadErr is the error seen by callers whose connection went away.
func (c *Conn) deadErr() error {
	select {
	case <-c.proc.Done():
		return binder.ErrShuttingDown
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil && !errors.Is(c.closeErr, binder.ErrShuttingDown) {
		return fmt.Errorf("%w: %v", binder.ErrDeadObject, c.closeErr)
	}
	return c.deadErrLocked()
}

// request sends f and waits for the frame answering it.
func (c *Conn) request(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	id := f.Header.MessageID
	ch, err := c.expect(id)
	if err != nil {
		return frame.Frame{}, err
	}
	if err := c.send(f); err != nil {
		c.forget(id)
		return frame.Frame{}, err
	}
	select {
	case rf := <-ch:
		return rf, nil
	case <-ctx.Done():
		c.forget(id)
		return frame.Frame{}, ctx.Err()
	case <-c.proc.Done():
		c.forget(id)
		return frame.Frame{}, binder.ErrShuttingDown
	case <-c.done:
		return frame.Frame{}, c.deadErr()
	}
}

func (c *Conn) closeWith(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	imports := c.imports
	exports := c.exports
	c.imports = make(map[uint32]*importEntry)
	c.exports = make(map[uint32]*exportEntry)
	c.exportIDs = make(map[binder.IBinder]uint32)
	c.pending = make(map[uint64]chan frame.Frame)
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	close(c.done)
	c.out.close()
	_ = c.nc.Close()
	if c.stopShutdown != nil {
		c.stopShutdown()
	}

	for _, e := range exports {
		if e.death != nil {
			_ = e.b.UnlinkToDeath(e.death)
		}
	}
	lc := c.proc.Lifecycle()
	for _, e := range imports {
		lc.Release(e.ep)
	}
	for _, f := range hooks {
		f()
	}
	if cause != nil && !errors.Is(cause, binder.ErrShuttingDown) {
		log.Warn().Msgf("remote.Conn.close peer=%s imports=%d exports=%d err=%v", c.name, len(imports), len(exports), cause)
		return
	}
	log.Info().Msgf("remote.Conn.close peer=%s imports=%d exports=%d", c.name, len(imports), len(exports))
}

package binder

import (
	"sync"
	"weak"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

type endpointState int

const (
	stateLive endpointState = iota
	stateStale
	stateReleased
)

func (s endpointState) String() string {
	switch s {
	case stateLive:
		return "live"
	case stateStale:
		return "stale"
	default:
		return "released"
	}
}

// DeathRecipient is notified once when a linked binder dies. Recipients
// must be comparable; pointer types are the usual choice.
type DeathRecipient interface {
	BinderDied(who IBinder)
}

type deathLink struct {
	recipient DeathRecipient
	who       func() IBinder
}

// WeakRef returns a resolver for b that does not keep b reachable. It
// yields nil once b has been collected.
func WeakRef[T any, P interface {
	*T
	IBinder
}](b P) func() IBinder {
	w := weak.Make((*T)(b))
	return func() IBinder {
		if v := w.Value(); v != nil {
			return P(v)
		}
		return nil
	}
}

// handlerRef boxes a handler. The endpoint only points at it weakly once
// an owner has taken it, so a handler that refers back to its owner does
// not keep the owner reachable.
type handlerRef struct {
	h TransactionHandler
}

// Endpoint is the transport-level identity of one binder object. Local
// endpoints carry the handler; proxy endpoints have none.
//
// State moves live -> stale -> released. Stale endpoints reject new work;
// the release callback runs once the last in-flight transaction exits.
type Endpoint struct {
	id      uint64
	handler weak.Pointer[handlerRef]
	local   bool
	lc      *Lifecycle

	mu       sync.Mutex
	state    endpointState
	inflight int
	release  func()
	deaths   []deathLink
	pin      *handlerRef

	// one-way transactions waiting for this endpoint; at most one runs
	async       *queue.Queue
	asyncActive bool
}

func (ep *Endpoint) ID() uint64 {
	return ep.id
}

// Handler is nil for proxy endpoints and for local endpoints whose owner
// has been collected.
func (ep *Endpoint) Handler() TransactionHandler {
	if ref := ep.handler.Value(); ref != nil {
		return ref.h
	}
	return nil
}

// Local reports whether the endpoint was created with a handler.
func (ep *Endpoint) Local() bool {
	return ep.local
}

// detachHandler hands the strong handler reference to the caller, which
// becomes responsible for keeping it alive.
func (ep *Endpoint) detachHandler() *handlerRef {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ref := ep.pin
	ep.pin = nil
	return ref
}

func (ep *Endpoint) IsAlive() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.state == stateLive
}

// Enter admits one in-flight transaction. Every successful Enter must be
// paired with Exit.
func (ep *Endpoint) Enter() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state != stateLive {
		return ErrStaleHandle
	}
	ep.inflight++
	return nil
}

func (ep *Endpoint) Exit() {
	ep.mu.Lock()
	ep.inflight--
	finish := ep.state == stateStale && ep.inflight == 0
	if finish {
		ep.state = stateReleased
	}
	ep.mu.Unlock()
	if finish {
		ep.lc.finalize(ep)
	}
}

// InFlight reports the number of admitted transactions.
func (ep *Endpoint) InFlight() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.inflight
}

// LinkToDeath registers r to be told when the endpoint is released. The
// recipient receives who(), which may be nil if the object was collected.
func (ep *Endpoint) LinkToDeath(r DeathRecipient, who func() IBinder) error {
	if r == nil || who == nil {
		return ErrInvalidArgument
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state != stateLive {
		return ErrStaleHandle
	}
	ep.deaths = append(ep.deaths, deathLink{recipient: r, who: who})
	return nil
}

func (ep *Endpoint) UnlinkToDeath(r DeathRecipient) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state != stateLive {
		return ErrStaleHandle
	}
	for i, d := range ep.deaths {
		if d.recipient == r {
			ep.deaths = append(ep.deaths[:i], ep.deaths[i+1:]...)
			return nil
		}
	}
	return ErrInvalidArgument
}

func (ep *Endpoint) enqueueOneway(tx *Transaction) error {
	if tx.handler == nil {
		return ErrStaleHandle
	}
	ep.mu.Lock()
	if ep.state != stateLive {
		ep.mu.Unlock()
		return ErrStaleHandle
	}
	ep.async.Add(tx)
	tx.advance(TxSent)
	start := !ep.asyncActive
	if start {
		ep.asyncActive = true
	}
	ep.mu.Unlock()
	if start {
		ep.pumpOneway()
	}
	return nil
}

// nextOneway pops the next queued one-way transaction and admits it, or
// clears the active marker when there is nothing runnable.
func (ep *Endpoint) nextOneway() *Transaction {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state == stateLive && ep.async.Length() > 0 {
		tx := ep.async.Remove().(*Transaction)
		ep.inflight++
		return tx
	}
	ep.asyncActive = false
	return nil
}

func (ep *Endpoint) pumpOneway() {
	for {
		tx := ep.nextOneway()
		if tx == nil {
			return
		}
		err := ep.lc.pool.Submit(Work{
			Run: func() {
				runOneway(ep, tx)
				ep.Exit()
				ep.pumpOneway()
			},
			Abort: func(err error) {
				tx.fail(err)
				ep.Exit()
				ep.pumpOneway()
			},
		})
		if err == nil {
			return
		}
		tx.fail(err)
		ep.Exit()
	}
}

// markStale flips a live endpoint to stale and returns the work that must
// be finished outside the lock.
func (ep *Endpoint) markStale() (dropped []*Transaction, deaths []deathLink, finish bool, ok bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state != stateLive {
		return nil, nil, false, false
	}
	ep.state = stateStale
	for ep.async.Length() > 0 {
		dropped = append(dropped, ep.async.Remove().(*Transaction))
	}
	deaths = ep.deaths
	ep.deaths = nil
	if ep.inflight == 0 {
		ep.state = stateReleased
		finish = true
	}
	return dropped, deaths, finish, true
}

func (ep *Endpoint) takeRelease() func() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	f := ep.release
	ep.release = nil
	return f
}

func (ep *Endpoint) stateName() string {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.state.String()
}

func notifyDeaths(id uint64, deaths []deathLink) {
	for _, d := range deaths {
		log.Debug().Msgf("binder.Endpoint.death node=%d", id)
		d.recipient.BinderDied(d.who())
	}
}

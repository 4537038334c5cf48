package binder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hwbinder/internal/observability"
	"github.com/danmuck/hwbinder/internal/parcel"
	"github.com/rs/zerolog/log"
)

const (
	FlagOneway      uint32 = 0x01
	FlagServeNested uint32 = 0x02
)

const (
	FirstCallTransaction uint32 = 0x00000001
	LastCallTransaction  uint32 = 0x00ffffff

	// SyspropsTransaction is '_SPR', delivered one-way on config changes.
	SyspropsTransaction uint32 = 0x5f535052
)

type TxState int32

const (
	TxCreated TxState = iota
	TxSent
	TxDelivered
	TxHandled
	TxReplied
	TxFailed
)

func (s TxState) String() string {
	switch s {
	case TxCreated:
		return "created"
	case TxSent:
		return "sent"
	case TxDelivered:
		return "delivered"
	case TxHandled:
		return "handled"
	case TxReplied:
		return "replied"
	case TxFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TransactionHandler is implemented by objects that serve transactions.
// reply is nil for one-way calls.
type TransactionHandler interface {
	OnTransact(ctx context.Context, code uint32, req *parcel.Parcel, reply *parcel.Parcel, flags uint32) error
}

// HandlerFunc adapts a function to TransactionHandler.
type HandlerFunc func(ctx context.Context, code uint32, req *parcel.Parcel, reply *parcel.Parcel, flags uint32) error

func (f HandlerFunc) OnTransact(ctx context.Context, code uint32, req *parcel.Parcel, reply *parcel.Parcel, flags uint32) error {
	return f(ctx, code, req, reply, flags)
}

// Transaction is one in-process call. States only move forward; Replied,
// Failed and (for one-way) Handled are terminal.
type Transaction struct {
	ID      uint64
	Code    uint32
	Flags   uint32
	Request *parcel.Parcel
	Reply   *parcel.Parcel
	Target  *Endpoint
	Origin  Caller

	ctx     context.Context
	handler TransactionHandler
	created time.Time
	state   atomic.Int32

	errMu sync.Mutex
	err   error
}

func (tx *Transaction) Oneway() bool {
	return tx.Flags&FlagOneway != 0
}

func (tx *Transaction) State() TxState {
	return TxState(tx.state.Load())
}

func (tx *Transaction) Err() error {
	tx.errMu.Lock()
	defer tx.errMu.Unlock()
	return tx.err
}

func (tx *Transaction) advance(next TxState) bool {
	for {
		cur := tx.state.Load()
		if TxState(cur) >= next || TxState(cur) == TxFailed {
			return false
		}
		if tx.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

func (tx *Transaction) fail(err error) {
	for {
		cur := TxState(tx.state.Load())
		if cur == TxReplied || cur == TxFailed || (cur == TxHandled && tx.Oneway()) {
			return
		}
		if tx.state.CompareAndSwap(int32(cur), int32(TxFailed)) {
			break
		}
	}
	tx.errMu.Lock()
	tx.err = err
	tx.errMu.Unlock()
	tx.record("local", err)
	if tx.Oneway() {
		log.Debug().Msgf("binder.Transaction.fail id=%d code=%d err=%v", tx.ID, tx.Code, err)
	}
}

func (tx *Transaction) record(direction string, err error) {
	observability.RecordTransaction(direction, tx.Oneway(), OutcomeLabel(err), time.Since(tx.created))
}

// invoke runs the handler and converts errors and panics into handler
// failures. The serving goroutine always survives.
func invoke(ctx context.Context, h TransactionHandler, tx *Transaction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordHandlerFailure("panic")
			log.Error().Msgf("binder.invoke handler panic id=%d code=%d panic=%v", tx.ID, tx.Code, r)
			err = HandlerFailure(fmt.Sprintf("panic: %v", r))
		}
	}()
	if herr := h.OnTransact(ctx, tx.Code, tx.Request, tx.Reply, tx.Flags); herr != nil {
		observability.RecordHandlerFailure("error")
		log.Warn().Msgf("binder.invoke handler error id=%d code=%d err=%v", tx.ID, tx.Code, herr)
		return HandlerFailure(herr.Error())
	}
	return nil
}

func runOneway(ep *Endpoint, tx *Transaction) {
	tx.advance(TxDelivered)
	ctx := tx.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := ep.lc.scope(WithCaller(ctx, tx.Origin))
	defer cancel()
	if err := invoke(ctx, tx.handler, tx); err != nil {
		tx.fail(err)
		return
	}
	tx.advance(TxHandled)
	tx.record("local", nil)
}

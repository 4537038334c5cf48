package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/observability"
	"github.com/danmuck/hwbinder/internal/parcel"
	"github.com/danmuck/hwbinder/internal/protocol/frame"
	"github.com/danmuck/hwbinder/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// nestedDepth bounds nested calls queued for one waiting caller.
const nestedDepth = 8

// transact sends one transaction to handle h. One-way calls return once
// queued on the connection. Synchronous calls wait for the reply; with
// FlagServeNested the waiting goroutine also serves calls the peer makes
// back into this process on the same stack.
func (c *Conn) transact(ctx context.Context, h uint32, code uint32, req *parcel.Parcel, flags uint32) (*parcel.Parcel, error) {
	start := time.Now()
	oneway := flags&binder.FlagOneway != 0
	if err := ctx.Err(); err != nil && !oneway {
		return nil, err
	}
	id := c.nextMsg.Add(1)
	stack := binder.StackIDFrom(ctx)
	if stack == 0 {
		stack = id
	}
	tx := wire.Transaction{
		MessageID: id,
		Target:    h,
		Code:      code,
		Flags:     flags,
		StackID:   stack,
		Parcel:    req.Bytes(),
	}
	f, err := wire.EncodeTransaction(tx)
	if err != nil {
		return nil, err
	}
	if uint64(len(f.Payload)) > uint64(c.limits.MaxPayloadBytes) {
		return nil, fmt.Errorf("%w: payload=%d max=%d", parcel.ErrParcelOverflow, len(f.Payload), c.limits.MaxPayloadBytes)
	}

	if oneway {
		err := c.send(f)
		if err != nil {
			err = c.deadErr()
		}
		observability.RecordTransaction("outgoing", true, binder.OutcomeLabel(err), time.Since(start))
		return nil, err
	}

	var nested chan wire.Transaction
	if flags&binder.FlagServeNested != 0 {
		nested = c.addWaiter(stack)
		defer c.removeWaiter(stack, nested)
	}

	ch, err := c.expect(id)
	if err != nil {
		return nil, err
	}
	if err := c.send(f); err != nil {
		c.forget(id)
		return nil, c.deadErr()
	}
	reply, err := c.await(ctx, id, ch, nested)
	observability.RecordTransaction("outgoing", false, binder.OutcomeLabel(err), time.Since(start))
	return reply, err
}

func (c *Conn) await(ctx context.Context, id uint64, ch chan frame.Frame, nested chan wire.Transaction) (*parcel.Parcel, error) {
	for {
		select {
		case rf := <-ch:
			r, err := wire.DecodeReply(rf)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", binder.ErrTransport, err)
			}
			if err := statusError(r.Status, r.Message); err != nil {
				return nil, err
			}
			return parcel.FromBytes(r.Parcel), nil
		case tx := <-nested:
			c.serveIncoming(tx)
		case <-ctx.Done():
			c.forget(id)
			return nil, ctx.Err()
		case <-c.proc.Done():
			c.forget(id)
			return nil, binder.ErrShuttingDown
		case <-c.done:
			return nil, c.deadErr()
		}
	}
}

func (c *Conn) addWaiter(stack uint64) chan wire.Transaction {
	ch := make(chan wire.Transaction, nestedDepth)
	c.mu.Lock()
	c.nested[stack] = append(c.nested[stack], ch)
	c.mu.Unlock()
	return ch
}

// removeWaiter unregisters ch and hands anything still queued on it to the
// pool.
func (c *Conn) removeWaiter(stack uint64, ch chan wire.Transaction) {
	c.mu.Lock()
	waiters := c.nested[stack]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(c.nested, stack)
	} else {
		c.nested[stack] = waiters
	}
	c.mu.Unlock()

	for {
		select {
		case tx := <-ch:
			c.submitIncoming(tx)
		default:
			return
		}
	}
}

// deliverNested hands tx to the innermost caller waiting on its stack.
func (c *Conn) deliverNested(tx wire.Transaction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.nested[tx.StackID]
	if len(waiters) == 0 {
		return false
	}
	select {
	case waiters[len(waiters)-1] <- tx:
		log.Debug().Msgf("remote.Conn.deliverNested peer=%s stack=%d code=%d", c.name, tx.StackID, tx.Code)
		return true
	default:
		return false
	}
}

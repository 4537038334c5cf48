package binder

import (
	"context"
	"fmt"
	"os"
)

// UnknownUID marks a remote caller whose credentials could not be read.
const UnknownUID = ^uint32(0)

// Caller identifies the process on the other end of a transaction or a
// registration.
type Caller struct {
	PID   int32
	UID   uint32
	Local bool
	// Name is the verified TLS identity of a network peer, if any.
	Name string
}

func (c Caller) String() string {
	if c.Name != "" {
		return fmt.Sprintf("name=%s", c.Name)
	}
	if c.Local {
		return fmt.Sprintf("local(pid=%d uid=%d)", c.PID, c.UID)
	}
	return fmt.Sprintf("pid=%d uid=%d", c.PID, c.UID)
}

// SelfCaller describes the current process.
func SelfCaller() Caller {
	return Caller{PID: int32(os.Getpid()), UID: uint32(os.Getuid()), Local: true}
}

type callerKey struct{}
type stackKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored on ctx, defaulting to this process.
func CallerFrom(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}
	return SelfCaller()
}

// WithStackID tags ctx with the transaction stack a handler runs under.
// Outgoing remote calls made with this ctx carry the same stack id so the
// peer can route nested calls back to the waiting caller.
func WithStackID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, stackKey{}, id)
}

func StackIDFrom(ctx context.Context) uint64 {
	id, _ := ctx.Value(stackKey{}).(uint64)
	return id
}

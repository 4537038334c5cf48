package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/parcel"
	"github.com/rs/zerolog/log"
)

const (
	echoInterface = "vendor.hwbinder.echo@1.0::IEcho"

	codeEcho    = binder.FirstCallTransaction
	codeReverse = binder.FirstCallTransaction + 1
	codeStats   = binder.FirstCallTransaction + 2
)

// echoService answers string requests and counts what it served.
type echoService struct {
	served  atomic.Uint64
	reloads atomic.Uint64
}

func (s *echoService) OnTransact(ctx context.Context, code uint32, req, reply *parcel.Parcel, flags uint32) error {
	switch code {
	case binder.SyspropsTransaction:
		n := s.reloads.Add(1)
		log.Info().Msgf("echoservice.reload count=%d", n)
		return nil
	case codeStats:
		if reply == nil {
			return nil
		}
		if err := reply.WriteUint64(s.served.Load()); err != nil {
			return err
		}
		return reply.WriteUint64(s.reloads.Load())
	case codeEcho, codeReverse:
	default:
		return binder.HandlerFailure(fmt.Sprintf("unknown code %d", code))
	}

	msg, err := req.ReadString()
	if err != nil {
		return err
	}
	s.served.Add(1)
	log.Debug().Msgf("echoservice.transact code=%d len=%d caller=%s", code, len(msg), binder.CallerFrom(ctx))
	if reply == nil {
		return nil
	}
	if code == codeReverse {
		msg = reverse(msg)
	}
	return reply.WriteString(msg)
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

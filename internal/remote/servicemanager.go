package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/protocol/frame"
	"github.com/danmuck/hwbinder/internal/protocol/schema"
	"github.com/danmuck/hwbinder/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// ServiceManager reaches the registry hosted on the other end of a
// connection.
type ServiceManager struct {
	conn *Conn
}

var _ binder.ServiceManager = (*ServiceManager)(nil)

func (c *Conn) ServiceManager() *ServiceManager {
	return &ServiceManager{conn: c}
}

func (m *ServiceManager) Conn() *Conn {
	return m.conn
}

// AddService exports b on the connection and publishes it on the hub.
// caller is informational; the hub applies its policy to the connection
// peer.
func (m *ServiceManager) AddService(ctx context.Context, _ binder.Caller, iface, instance string, b binder.IBinder) error {
	c := m.conn
	if strings.TrimSpace(iface) == "" || strings.TrimSpace(instance) == "" {
		return binder.ErrInvalidArgument
	}
	req := wire.AddService{MessageID: c.nextMsg.Add(1), Interface: iface, Instance: instance}
	h, err := c.export(b)
	if err != nil {
		return unavailable(err)
	}
	req.Handle = h
	f, err := wire.EncodeAddService(req)
	if err != nil {
		return err
	}
	rf, err := c.request(ctx, f)
	if err != nil {
		return unavailable(err)
	}
	r, err := wire.DecodeServiceReply(rf)
	if err != nil {
		return fmt.Errorf("%w: %w", binder.ErrTransport, err)
	}
	return statusError(r.Status, r.Message)
}

func (m *ServiceManager) GetService(ctx context.Context, iface, instance string) (binder.IBinder, error) {
	c := m.conn
	req := wire.GetService{MessageID: c.nextMsg.Add(1), Interface: iface, Instance: instance}
	if err := req.Validate(); err != nil {
		return nil, binder.ErrServiceNotFound
	}
	f, err := wire.EncodeGetService(req)
	if err != nil {
		return nil, err
	}
	rf, err := c.request(ctx, f)
	if err != nil {
		return nil, unavailable(err)
	}
	r, err := wire.DecodeServiceReply(rf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", binder.ErrTransport, err)
	}
	if err := statusError(r.Status, r.Message); err != nil {
		return nil, err
	}
	p, err := c.importHandle(r.Handle)
	if err != nil {
		return nil, unavailable(err)
	}
	return p, nil
}

func (m *ServiceManager) ListServices(ctx context.Context) ([]binder.ServiceInfo, error) {
	c := m.conn
	f, err := wire.EncodeListServices(wire.ListServices{MessageID: c.nextMsg.Add(1)})
	if err != nil {
		return nil, err
	}
	rf, err := c.request(ctx, f)
	if err != nil {
		return nil, unavailable(err)
	}
	l, err := wire.DecodeServiceList(rf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", binder.ErrTransport, err)
	}
	if err := statusError(l.Status, ""); err != nil {
		return nil, err
	}
	out := make([]binder.ServiceInfo, 0, len(l.Entries))
	for _, e := range l.Entries {
		out = append(out, binder.ServiceInfo{
			Interface:    e.Interface,
			Instance:     e.Instance,
			Registrant:   binder.Caller{PID: e.PID, UID: e.UID, Local: e.Local},
			RegisteredAt: e.RegisteredAt,
		})
	}
	return out, nil
}

// unavailable reports a lost hub connection as ErrTransportUnavailable.
func unavailable(err error) error {
	if errors.Is(err, binder.ErrDeadObject) {
		return fmt.Errorf("%w: %w", binder.ErrTransportUnavailable, err)
	}
	return err
}

// serveServiceManager answers a registry request from the peer. Requests
// are answered inline; the registry never blocks.
func (c *Conn) serveServiceManager(f frame.Frame) error {
	var sm binder.ServiceManager
	if c.serveSM {
		sm = c.proc.ServiceManager()
	}
	ctx := binder.WithCaller(context.Background(), c.peer)

	switch f.Header.Kind {
	case schema.MsgGetService:
		req, err := wire.DecodeGetService(f)
		if err != nil {
			return err
		}
		out := wire.ServiceReply{MessageID: req.MessageID}
		if sm == nil {
			out.Status, out.Message = statusOf(binder.ErrTransportUnavailable)
			return c.sendServiceReply(out)
		}
		b, err := sm.GetService(ctx, req.Interface, req.Instance)
		if err == nil {
			out.Handle, err = c.export(b)
		}
		out.Status, out.Message = statusOf(err)
		return c.sendServiceReply(out)

	case schema.MsgAddService:
		req, err := wire.DecodeAddService(f)
		if err != nil {
			return err
		}
		out := wire.ServiceReply{MessageID: req.MessageID}
		p, err := c.importHandle(req.Handle)
		if err != nil {
			out.Status, out.Message = statusOf(err)
			return c.sendServiceReply(out)
		}
		if sm == nil {
			err = binder.ErrTransportUnavailable
		} else {
			err = sm.AddService(ctx, c.peer, req.Interface, req.Instance, p)
		}
		if err != nil {
			c.unref(p)
			log.Warn().Msgf("remote.Conn.serveServiceManager add peer=%s iface=%s instance=%s err=%v", c.name, req.Interface, req.Instance, err)
		}
		out.Status, out.Message = statusOf(err)
		return c.sendServiceReply(out)

	case schema.MsgListServices:
		req, err := wire.DecodeListServices(f)
		if err != nil {
			return err
		}
		out := wire.ServiceList{MessageID: req.MessageID}
		if sm == nil {
			out.Status, _ = statusOf(binder.ErrTransportUnavailable)
		} else {
			infos, err := sm.ListServices(ctx)
			out.Status, _ = statusOf(err)
			for _, info := range infos {
				out.Entries = append(out.Entries, wire.ServiceEntry{
					Interface:    info.Interface,
					Instance:     info.Instance,
					Local:        info.Registrant.Local,
					PID:          info.Registrant.PID,
					UID:          info.Registrant.UID,
					RegisteredAt: info.RegisteredAt,
				})
			}
		}
		lf, err := wire.EncodeServiceList(out)
		if err != nil {
			return err
		}
		_ = c.send(lf)
		return nil
	}
	return fmt.Errorf("remote: not a service manager request: %s", schema.KindName(f.Header.Kind))
}

func (c *Conn) sendServiceReply(r wire.ServiceReply) error {
	f, err := wire.EncodeServiceReply(r)
	if err != nil {
		return err
	}
	_ = c.send(f)
	return nil
}

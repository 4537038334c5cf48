package remote

import (
	"weak"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// exportEntry is a local object the peer may hold handles to. refs counts
// every time the handle was sent; the entry goes away once the peer has
// released all of them.
type exportEntry struct {
	b     binder.IBinder
	refs  uint32
	death *exportDeath
}

type exportDeath struct {
	conn   *Conn
	handle uint32
}

func (d *exportDeath) BinderDied(binder.IBinder) {
	d.conn.exportDied(d)
}

// importEntry tracks the proxy for one peer handle. acquired is the number
// of references received for it and is returned in the release message.
type importEntry struct {
	handle   uint32
	proxy    weak.Pointer[Proxy]
	ep       *binder.Endpoint
	acquired uint32
	dead     bool
}

// export assigns b a handle on this connection and counts one reference
// for the frame about to carry it.
func (c *Conn) export(b binder.IBinder) (uint32, error) {
	if b == nil {
		return 0, binder.ErrInvalidArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, c.deadErrLocked()
	}
	if h, ok := c.exportIDs[b]; ok {
		c.exports[h].refs++
		return h, nil
	}
	c.nextHandle++
	h := c.nextHandle
	d := &exportDeath{conn: c, handle: h}
	if err := b.LinkToDeath(d); err != nil {
		return 0, err
	}
	c.exports[h] = &exportEntry{b: b, refs: 1, death: d}
	c.exportIDs[b] = h
	log.Debug().Msgf("remote.Conn.export peer=%s handle=%d", c.name, h)
	return h, nil
}

func (c *Conn) exported(h uint32) binder.IBinder {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.exports[h]; e != nil {
		return e.b
	}
	return nil
}

func (c *Conn) exportDied(d *exportDeath) {
	c.mu.Lock()
	e := c.exports[d.handle]
	if e == nil || e.death != d || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.exports, d.handle)
	delete(c.exportIDs, e.b)
	c.mu.Unlock()

	f, err := wire.EncodeDeathNotice(wire.DeathNotice{Handle: d.handle})
	if err != nil {
		log.Error().Msgf("remote.Conn.exportDied encode handle=%d err=%v", d.handle, err)
		return
	}
	_ = c.send(f)
	log.Debug().Msgf("remote.Conn.exportDied peer=%s handle=%d", c.name, d.handle)
}

func (c *Conn) onRelease(r wire.Release) {
	c.mu.Lock()
	e := c.exports[r.Handle]
	if e == nil {
		c.mu.Unlock()
		return
	}
	if r.Refs < e.refs {
		e.refs -= r.Refs
		c.mu.Unlock()
		return
	}
	delete(c.exports, r.Handle)
	delete(c.exportIDs, e.b)
	c.mu.Unlock()
	_ = e.b.UnlinkToDeath(e.death)
	log.Debug().Msgf("remote.Conn.onRelease peer=%s handle=%d", c.name, r.Handle)
}

// importHandle returns the proxy for a handle received from the peer,
// creating it on first sight.
func (c *Conn) importHandle(h uint32) (*Proxy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.deadErrLocked()
	}
	if e := c.imports[h]; e != nil {
		if p := e.proxy.Value(); p != nil && e.ep.IsAlive() {
			e.acquired++
			return p, nil
		}
	}

	e := &importEntry{handle: h, acquired: 1}
	ep, err := c.proc.Lifecycle().Acquire(nil, func() { c.dropImport(e) })
	if err != nil {
		return nil, err
	}
	p := &Proxy{conn: c, handle: h, ep: ep}
	e.ep = ep
	e.proxy = weak.Make(p)
	c.imports[h] = e
	binder.Bind(c.proc.Lifecycle(), p, ep)
	log.Debug().Msgf("remote.Conn.importHandle peer=%s handle=%d node=%d", c.name, h, ep.ID())
	return p, nil
}

// dropImport runs once the proxy endpoint is fully released and returns
// every reference it held to the peer.
func (c *Conn) dropImport(e *importEntry) {
	c.mu.Lock()
	if c.imports[e.handle] == e {
		delete(c.imports, e.handle)
	}
	refs := e.acquired
	skip := e.dead || c.closed
	c.mu.Unlock()
	if skip {
		return
	}
	f, err := wire.EncodeRelease(wire.Release{Handle: e.handle, Refs: refs})
	if err != nil {
		log.Error().Msgf("remote.Conn.dropImport encode handle=%d err=%v", e.handle, err)
		return
	}
	_ = c.send(f)
	log.Debug().Msgf("remote.Conn.dropImport peer=%s handle=%d refs=%d", c.name, e.handle, refs)
}

// unref gives back one reference to p that will not be kept.
func (c *Conn) unref(p *Proxy) {
	c.mu.Lock()
	e := c.imports[p.handle]
	if e == nil || e.ep != p.ep {
		c.mu.Unlock()
		return
	}
	if e.acquired > 1 {
		e.acquired--
		c.mu.Unlock()
		if f, err := wire.EncodeRelease(wire.Release{Handle: p.handle, Refs: 1}); err == nil {
			_ = c.send(f)
		}
		return
	}
	c.mu.Unlock()
	_ = p.Close()
}

func (c *Conn) onDeathNotice(d wire.DeathNotice) {
	c.mu.Lock()
	e := c.imports[d.Handle]
	if e == nil {
		c.mu.Unlock()
		return
	}
	e.dead = true
	delete(c.imports, d.Handle)
	c.mu.Unlock()
	log.Debug().Msgf("remote.Conn.onDeathNotice peer=%s handle=%d", c.name, d.Handle)
	c.proc.Lifecycle().Release(e.ep)
}

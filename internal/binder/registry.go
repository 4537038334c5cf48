package binder

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hwbinder/internal/observability"
	"github.com/rs/zerolog/log"
)

// Policy decides whether caller may publish iface/instance.
type Policy func(caller Caller, iface, instance string) bool

// AllowAll is the default registration policy.
func AllowAll(Caller, string, string) bool { return true }

// RegistryEntry is one published service.
type RegistryEntry struct {
	Interface    string
	Instance     string
	Binder       IBinder
	RegisteredAt time.Time
	Registrant   Caller
}

type serviceKey struct {
	iface    string
	instance string
}

func keyFor(iface, instance string) serviceKey {
	return serviceKey{iface: strings.TrimSpace(iface), instance: strings.TrimSpace(instance)}
}

// slot holds the current entry for one key. changed is closed and replaced
// whenever the entry changes. A slot with no entry and no watchers is
// dropped from the table and marked gone.
type slot struct {
	mu       sync.Mutex
	entry    *RegistryEntry
	death    *registryDeath
	changed  chan struct{}
	watchers int
	gone     bool
}

// Registry maps (interface, instance) to live binders. Lookups and
// publications for different keys never contend on the same lock.
type Registry struct {
	policy Policy
	now    func() time.Time

	mu    sync.RWMutex
	slots map[serviceKey]*slot
}

func NewRegistry(policy Policy) *Registry {
	if policy == nil {
		policy = AllowAll
	}
	return &Registry{
		policy: policy,
		now:    time.Now,
		slots:  make(map[serviceKey]*slot),
	}
}

func (r *Registry) slot(key serviceKey, create bool) *slot {
	r.mu.RLock()
	s := r.slots[key]
	r.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.slots[key]; s == nil {
		s = &slot{changed: make(chan struct{})}
		r.slots[key] = s
	}
	return s
}

// lockSlot returns the slot for key with its mutex held, or nil when it
// does not exist and create is false.
func (r *Registry) lockSlot(key serviceKey, create bool) *slot {
	for {
		s := r.slot(key, create)
		if s == nil {
			return nil
		}
		s.mu.Lock()
		if !s.gone {
			return s
		}
		s.mu.Unlock()
	}
}

// pruneLocked drops s from the table once nothing refers to it. s.mu must
// be held.
func (r *Registry) pruneLocked(key serviceKey, s *slot) {
	if s.entry != nil || s.watchers > 0 || s.gone {
		return
	}
	r.mu.Lock()
	if r.slots[key] == s {
		delete(r.slots, key)
	}
	r.mu.Unlock()
	s.gone = true
}

// Len is the number of keys currently tracked, published or watched.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// Add publishes b, superseding any previous entry for the key.
func (r *Registry) Add(caller Caller, iface, instance string, b IBinder) error {
	key := keyFor(iface, instance)
	iface, instance = key.iface, key.instance
	if iface == "" || instance == "" || b == nil {
		observability.RecordRegistryOp("add", "invalid")
		return ErrInvalidArgument
	}
	if !r.policy(caller, iface, instance) {
		observability.RecordRegistryOp("add", "denied")
		log.Warn().Msgf("binder.Registry.Add denied iface=%s instance=%s caller=%s", iface, instance, caller)
		return ErrRegistrationDenied
	}
	d := &registryDeath{reg: r, key: key}

	s := r.lockSlot(key, true)
	if err := b.LinkToDeath(d); err != nil {
		r.pruneLocked(key, s)
		s.mu.Unlock()
		observability.RecordRegistryOp("add", "stale")
		return err
	}
	prev, prevDeath := s.entry, s.death
	s.entry = &RegistryEntry{
		Interface:    iface,
		Instance:     instance,
		Binder:       b,
		RegisteredAt: r.now(),
		Registrant:   caller,
	}
	s.death = d
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	if prev != nil {
		_ = prev.Binder.UnlinkToDeath(prevDeath)
		log.Info().Msgf("binder.Registry.Add superseded iface=%s instance=%s", iface, instance)
	}
	observability.RecordRegistryOp("add", "ok")
	log.Info().Msgf("binder.Registry.Add iface=%s instance=%s caller=%s", iface, instance, caller)
	return nil
}

// Get returns the live binder for the key.
func (r *Registry) Get(iface, instance string) (IBinder, error) {
	s := r.lockSlot(keyFor(iface, instance), false)
	if s == nil {
		observability.RecordRegistryOp("get", "not_found")
		return nil, ErrServiceNotFound
	}
	e := s.entry
	s.mu.Unlock()
	if e == nil || !e.Binder.IsAlive() {
		observability.RecordRegistryOp("get", "not_found")
		return nil, ErrServiceNotFound
	}
	observability.RecordRegistryOp("get", "ok")
	return e.Binder, nil
}

// Changed returns a channel closed on the next change to the key. stop
// must be called once the caller no longer waits on it.
func (r *Registry) Changed(iface, instance string) (ch <-chan struct{}, stop func()) {
	key := keyFor(iface, instance)
	s := r.lockSlot(key, true)
	s.watchers++
	ch = s.changed
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			s.watchers--
			r.pruneLocked(key, s)
			s.mu.Unlock()
		})
	}
}

// remove drops the entry if it is still the one d was linked for.
func (r *Registry) remove(key serviceKey, d *registryDeath) bool {
	s := r.lockSlot(key, false)
	if s == nil {
		return false
	}
	defer s.mu.Unlock()
	if s.death != d {
		return false
	}
	s.entry = nil
	s.death = nil
	close(s.changed)
	s.changed = make(chan struct{})
	r.pruneLocked(key, s)
	observability.RecordRegistryOp("remove", "ok")
	return true
}

// List returns a snapshot sorted by interface then instance.
func (r *Registry) List() []RegistryEntry {
	r.mu.RLock()
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.RUnlock()

	out := make([]RegistryEntry, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.entry != nil && s.entry.Binder.IsAlive() {
			out = append(out, *s.entry)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Interface != out[j].Interface {
			return out[i].Interface < out[j].Interface
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}

type registryDeath struct {
	reg *Registry
	key serviceKey
}

func (d *registryDeath) BinderDied(IBinder) {
	if d.reg.remove(d.key, d) {
		log.Info().Msgf("binder.Registry.death removed iface=%s instance=%s", d.key.iface, d.key.instance)
	}
}

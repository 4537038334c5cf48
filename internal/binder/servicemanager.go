package binder

import (
	"context"
	"time"
)

// ServiceInfo is the listing view of one registry entry.
type ServiceInfo struct {
	Interface    string
	Instance     string
	Registrant   Caller
	RegisteredAt time.Time
}

// ServiceManager is the registry endpoint a process talks to: either the
// registry it hosts or a remote one behind a connection.
type ServiceManager interface {
	AddService(ctx context.Context, caller Caller, iface, instance string, b IBinder) error
	GetService(ctx context.Context, iface, instance string) (IBinder, error)
	ListServices(ctx context.Context) ([]ServiceInfo, error)
}

// ChangeNotifier is implemented by service managers that can wake retrying
// lookups when a key changes.
type ChangeNotifier interface {
	Changed(iface, instance string) (ch <-chan struct{}, stop func())
}

type localServiceManager struct {
	reg *Registry
}

// NewLocalServiceManager serves lookups from reg.
func NewLocalServiceManager(reg *Registry) ServiceManager {
	return localServiceManager{reg: reg}
}

func (m localServiceManager) AddService(_ context.Context, caller Caller, iface, instance string, b IBinder) error {
	return m.reg.Add(caller, iface, instance, b)
}

func (m localServiceManager) GetService(_ context.Context, iface, instance string) (IBinder, error) {
	return m.reg.Get(iface, instance)
}

func (m localServiceManager) ListServices(context.Context) ([]ServiceInfo, error) {
	entries := m.reg.List()
	out := make([]ServiceInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, ServiceInfo{
			Interface:    e.Interface,
			Instance:     e.Instance,
			Registrant:   e.Registrant,
			RegisteredAt: e.RegisteredAt,
		})
	}
	return out, nil
}

func (m localServiceManager) Changed(iface, instance string) (<-chan struct{}, func()) {
	return m.reg.Changed(iface, instance)
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Registry holds the configured drivers in registration order.
type Registry struct {
	log *zap.Logger

	mu     sync.RWMutex
	order  []Driver
	byName map[string]Driver
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{log: log, byName: map[string]Driver{}}
}

// Register adds d. Names are unique.
func (r *Registry) Register(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[d.Name()]; ok {
		return fmt.Errorf("transport: register: duplicate name %q", d.Name())
	}
	r.byName[d.Name()] = d
	r.order = append(r.order, d)
	return nil
}

// Get returns the named driver.
func (r *Registry) Get(name string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Drivers returns the drivers in registration order.
func (r *Registry) Drivers() []Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Driver, len(r.order))
	copy(out, r.order)
	return out
}

// Snapshots returns every driver's status in registration order.
func (r *Registry) Snapshots() []Snapshot {
	drivers := r.Drivers()
	out := make([]Snapshot, len(drivers))
	for i, d := range drivers {
		out[i] = d.Status()
	}
	return out
}

// Usable returns the snapshots the selector may consider.
func (r *Registry) Usable() []Snapshot {
	var out []Snapshot
	for _, s := range r.Snapshots() {
		if s.Usable() {
			out = append(out, s)
		}
	}
	return out
}

// MaxPayload is the largest payload any usable transport accepts, or 0.
func (r *Registry) MaxPayload() int {
	limit := 0
	for _, s := range r.Usable() {
		limit = max(limit, s.MaxPayloadBytes)
	}
	return limit
}

// ConnectAll connects every driver concurrently. Failures are logged and
// returned joined; the remaining drivers still connect.
func (r *Registry) ConnectAll(ctx context.Context) error {
	return r.connect(ctx, r.Drivers())
}

// Reconnect retries drivers that are DISCONNECTED or FAILED.
func (r *Registry) Reconnect(ctx context.Context) error {
	var down []Driver
	for _, d := range r.Drivers() {
		if s := d.Status().State; s == StateDisconnected || s == StateFailed {
			down = append(down, d)
		}
	}
	return r.connect(ctx, down)
}

func (r *Registry) connect(ctx context.Context, drivers []Driver) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, d := range drivers {
		g.Go(func() error {
			if err := d.Connect(ctx); err != nil {
				r.log.Warn("transport connect failed", zap.String("transport", d.Name()), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Probe refreshes the signal estimate of every driver that supports it.
func (r *Registry) Probe(ctx context.Context) {
	for _, d := range r.Drivers() {
		if p, ok := d.(Prober); ok {
			p.Probe(ctx)
		}
	}
}

// Close closes every driver.
func (r *Registry) Close() error {
	var errs []error
	for _, d := range r.Drivers() {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

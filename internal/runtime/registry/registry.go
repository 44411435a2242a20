package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/l0p7/aidispatch/internal/runtime/pipeline"
)

// Kind selects the adapter implementation backing a provider.
type Kind string

const (
	KindRemoteA Kind = "remote-a"
	KindRemoteB Kind = "remote-b"
	KindLocal   Kind = "local"
)

// ParseKind matches raw against the known provider kinds.
func ParseKind(raw string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindRemoteA:
		return KindRemoteA, true
	case KindRemoteB:
		return KindRemoteB, true
	case KindLocal:
		return KindLocal, true
	}
	return "", false
}

// Descriptor is the orchestrator's read-only view of one provider.
type Descriptor struct {
	ID             string
	Kind           Kind
	Capabilities   []pipeline.TaskType
	Available      bool
	PricePerKToken float64
}

// Offline reports whether the provider runs on-device without network access.
func (d Descriptor) Offline() bool { return d.Kind == KindLocal }

// Supports reports whether task is in the capability set.
func (d Descriptor) Supports(task pipeline.TaskType) bool {
	for _, capability := range d.Capabilities {
		if capability == task {
			return true
		}
	}
	return false
}

func (d Descriptor) clone() Descriptor {
	out := d
	if len(d.Capabilities) > 0 {
		out.Capabilities = make([]pipeline.TaskType, len(d.Capabilities))
		copy(out.Capabilities, d.Capabilities)
	}
	return out
}

// Update is a partial change applied by configuration reloads. Nil fields are
// left untouched.
type Update struct {
	ID             string
	Available      *bool
	PricePerKToken *float64
}

// Registry holds the known providers in registration order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]Descriptor
}

func New() *Registry {
	return &Registry{entries: make(map[string]Descriptor)}
}

// Register appends d. IDs must be unique and non-empty.
func (r *Registry) Register(d Descriptor) error {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return errors.New("registry: provider id required")
	}
	if _, ok := ParseKind(string(d.Kind)); !ok {
		return fmt.Errorf("registry: provider %q has unsupported kind %q", id, d.Kind)
	}
	if d.PricePerKToken < 0 {
		return fmt.Errorf("registry: provider %q price must not be negative", id)
	}
	d.ID = id
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("registry: provider %q already registered", id)
	}
	r.entries[id] = d.clone()
	r.order = append(r.order, id)
	return nil
}

func (r *Registry) Lookup(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[id]
	if !ok {
		return Descriptor{}, false
	}
	return d.clone(), true
}

// Ordered returns every descriptor in registration order.
func (r *Registry) Ordered() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// SetAvailable flips the availability flag of id.
func (r *Registry) SetAvailable(id string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("registry: provider %q not registered", id)
	}
	d.Available = available
	r.entries[id] = d
	return nil
}

// Apply merges updates and returns the IDs it did not recognise.
func (r *Registry) Apply(updates []Update) (applied int, unknown []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range updates {
		d, ok := r.entries[u.ID]
		if !ok {
			unknown = append(unknown, u.ID)
			continue
		}
		if u.Available != nil {
			d.Available = *u.Available
		}
		if u.PricePerKToken != nil && *u.PricePerKToken >= 0 {
			d.PricePerKToken = *u.PricePerKToken
		}
		r.entries[u.ID] = d
		applied++
	}
	return applied, unknown
}

// Package monitor implements the authoritative virtual-monitor registry
// (spec.md C2). Registry itself holds no lock: per spec.md §5 the
// registry, client table, and history ring share one coarse lock owned
// by the server hub, so a mutation and its delta broadcast must happen
// as one atomic step under that lock — not two independently-locked
// operations.
package monitor

import (
	"strings"

	"github.com/google/uuid"

	"github.com/bikanpe/bikanpe/internal/faults"
)

// Monitor is a named logical destination, independent of any physical
// device. IDs are opaque and never reused within a server lifetime.
type Monitor struct {
	ID          string
	Name        string
	Description string
	Color       string
}

// Fields carries the optional, independently-settable attributes of
// Update. A nil pointer leaves the corresponding field unchanged.
type Fields struct {
	Name        *string
	Description *string
	Color       *string
}

// Registry is the authoritative set of virtual monitors on a director.
// It is not safe for concurrent use on its own; the hub serializes all
// access under its own mutex.
type Registry struct {
	byID  map[string]*Monitor
	order []string // insertion order, for stable List() output
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Monitor)}
}

// newMonitorID mints a short opaque ID. It must never collide with the
// reserved ALL sentinel; uuid-derived tokens never will.
func newMonitorID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Add creates a new monitor. Fails InvalidArgument if name is empty.
func (r *Registry) Add(name, description, color string) (Monitor, error) {
	if name == "" {
		return Monitor{}, &faults.InvalidArgumentError{Reason: "monitor name must not be empty"}
	}
	m := &Monitor{
		ID:          newMonitorID(),
		Name:        name,
		Description: description,
		Color:       color,
	}
	r.byID[m.ID] = m
	r.order = append(r.order, m.ID)
	return *m, nil
}

// Remove deletes a monitor if present. Idempotent: removing an absent
// ID is a no-op, not an error.
func (r *Registry) Remove(id string) (removed bool) {
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Update mutates a monitor in place. Fails NotFound if absent.
func (r *Registry) Update(id string, fields Fields) (Monitor, error) {
	m, ok := r.byID[id]
	if !ok {
		return Monitor{}, &faults.NotFoundError{Kind: "monitor", ID: id}
	}
	if fields.Name != nil {
		m.Name = *fields.Name
	}
	if fields.Description != nil {
		m.Description = *fields.Description
	}
	if fields.Color != nil {
		m.Color = *fields.Color
	}
	return *m, nil
}

// Get returns a single monitor by ID.
func (r *Registry) Get(id string) (Monitor, bool) {
	m, ok := r.byID[id]
	if !ok {
		return Monitor{}, false
	}
	return *m, true
}

// List returns a snapshot of all monitors, in insertion order.
func (r *Registry) List() []Monitor {
	out := make([]Monitor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// Contains reports whether id is a currently-registered monitor ID. The
// ALL sentinel is never registered, so Contains("ALL") is false; callers
// check for the sentinel separately.
func (r *Registry) Contains(id string) bool {
	_, ok := r.byID[id]
	return ok
}

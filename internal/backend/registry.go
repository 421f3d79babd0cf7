// Package backend implements the in-memory catalog of backend descriptors
// the Router consumes: capabilities, cost, latency, and the sensitivity
// envelope each backend is cleared for.
//
// Grounded on original_source/poc/mpc_server/router.py's Backend dataclass
// and id→Backend dict, and on the teacher's internal/management.DomainRegistry
// for the read-mostly, whole-snapshot-swap concurrency pattern: mutations
// replace the entire map under a writer lock so readers never observe a
// partially-updated registry mid-request.
package backend

import (
	"sort"
	"sync"

	"github.com/go-faster/errors"

	"github.com/kraklabs/mpc-gateway/internal/domain"
)

// Descriptor describes one backend's capabilities, cost, latency, and the
// sensitivity levels it is cleared to serve.
type Descriptor struct {
	ID                  string
	Type                domain.BackendType
	Capabilities        domain.CapabilitySet
	CostPer1kTokens     float64
	AvgLatencyMs        float64
	MaxTokens           int
	ConfidenceThreshold float64 // minimum acceptable confidence; router-side floor
	PIIAllowed          bool
	SensitivityAllowed  map[domain.Sensitivity]struct{}
}

// HasCapability reports whether the descriptor advertises c.
func (d Descriptor) HasCapability(c domain.Capability) bool {
	return d.Capabilities.Has(c)
}

// AllowsSensitivity reports whether the descriptor is cleared to serve s.
func (d Descriptor) AllowsSensitivity(s domain.Sensitivity) bool {
	_, ok := d.SensitivityAllowed[s]
	return ok
}

// ErrNotFound is returned by Get for an unregistered id.
var ErrNotFound = errors.New("backend: descriptor not found")

// Snapshot is an immutable view of the registry at one point in time. The
// router consumes only snapshots so a concurrent registration never mutates
// the candidate set a single request is reasoning about.
type Snapshot struct {
	byID map[string]Descriptor
}

// Get returns the descriptor for id.
func (s Snapshot) Get(id string) (Descriptor, error) {
	d, ok := s.byID[id]
	if !ok {
		return Descriptor{}, errors.Wrapf(ErrNotFound, "id %q", id)
	}
	return d, nil
}

// List returns every descriptor id, sorted for deterministic iteration.
func (s Snapshot) List() []string {
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every descriptor, sorted by id.
func (s Snapshot) All() []Descriptor {
	ids := s.List()
	out := make([]Descriptor, len(ids))
	for i, id := range ids {
		out[i] = s.byID[id]
	}
	return out
}

// Len reports how many descriptors the snapshot holds.
func (s Snapshot) Len() int { return len(s.byID) }

// Registry is the process-wide, read-mostly backend catalog. Registration
// is idempotent on id: registering an existing id replaces its descriptor.
type Registry struct {
	mu       sync.RWMutex
	snapshot Snapshot
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{snapshot: Snapshot{byID: make(map[string]Descriptor)}}
}

// Register adds or replaces the descriptor for d.ID. Mutation is a
// whole-map copy-and-swap under the writer lock so concurrent readers never
// see a partially-updated set.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Descriptor, len(r.snapshot.byID)+1)
	for id, existing := range r.snapshot.byID {
		next[id] = existing
	}
	next[d.ID] = d
	r.snapshot = Snapshot{byID: next}
}

// Deregister removes id from the registry, if present.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.snapshot.byID[id]; !ok {
		return
	}
	next := make(map[string]Descriptor, len(r.snapshot.byID)-1)
	for existingID, existing := range r.snapshot.byID {
		if existingID != id {
			next[existingID] = existing
		}
	}
	r.snapshot = Snapshot{byID: next}
}

// Get returns the current descriptor for id.
func (r *Registry) Get(id string) (Descriptor, error) {
	return r.Snapshot().Get(id)
}

// List returns every registered id.
func (r *Registry) List() []string {
	return r.Snapshot().List()
}

// Snapshot returns the current immutable view under the read lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Package registry implements the process-wide ownership map: a
// single-writer/multi-reader store from ticket to TradeState that every
// manager subsystem consults before modifying a position (spec.md §4.2).
package registry

import (
	"sync"

	"github.com/BenignMalice/usltpm/internal/model"
)

// Registry is the single source of truth for position ownership.
// Backed by one map protected by one RWMutex; critical sections are map
// operations only, never external I/O (spec.md §5).
type Registry struct {
	mu     sync.RWMutex
	states map[int64]*model.TradeState

	// defensiveOverride holds tickets the defensive subsystem has
	// escalated on; MayModify for OwnerUniversal returns false for any
	// ticket present here even if the stored owner is "universal"
	// (spec.md §4.7 gate 2, surfaced through the registry per §4.2).
	defensiveOverride map[int64]bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		states:            make(map[int64]*model.TradeState),
		defensiveOverride: make(map[int64]bool),
	}
}

// Get returns the TradeState for ticket, or (nil, false) if absent.
func (r *Registry) Get(ticket int64) (*model.TradeState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[ticket]
	return s, ok
}

// Put inserts or replaces the TradeState for ticket.
func (r *Registry) Put(ticket int64, state *model.TradeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[ticket] = state
}

// Remove deletes ticket from the registry, if present.
func (r *Registry) Remove(ticket int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, ticket)
	delete(r.defensiveOverride, ticket)
}

// MayModify reports whether owner may modify ticket: a state must
// exist, its stored owner must equal owner, and the ticket must not be
// under a defensive override (spec.md §4.2 invariant).
func (r *Registry) MayModify(ticket int64, owner model.OwnerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[ticket]
	if !ok || s.Owner != owner {
		return false
	}
	if owner == model.OwnerUniversal && r.defensiveOverride[ticket] {
		return false
	}
	return true
}

// SetDefensiveOverride marks or clears a ticket as under defensive
// escalation, overriding universal-owner modification rights until
// cleared.
func (r *Registry) SetDefensiveOverride(ticket int64, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if active {
		r.defensiveOverride[ticket] = true
	} else {
		delete(r.defensiveOverride, ticket)
	}
}

// Snapshot returns the current set of registry keys, taken under the
// lock and released immediately, for the monitoring loop to iterate
// without holding the registry lock across per-ticket work (spec.md
// §5's snapshotting rule).
func (r *Registry) Snapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tickets := make([]int64, 0, len(r.states))
	for t := range r.states {
		tickets = append(tickets, t)
	}
	return tickets
}

// OwnerMap returns a copy of the ticket → OwnerID map for other
// managers to consult (spec.md §3's OwnerMap).
func (r *Registry) OwnerMap() map[int64]model.OwnerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]model.OwnerID, len(r.states))
	for t, s := range r.states {
		out[t] = s.Owner
	}
	return out
}

// Len reports how many tickets are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// Package store provides an in-memory engine.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/relief-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps behind one RWMutex. WithTx holds the
// write lock for the whole transaction, which is stricter than a row lock
// but satisfies the same contract.
type Memory struct {
	mu          sync.RWMutex
	requests    map[engine.RequestID]engine.Request
	resources   map[engine.ResourceID]engine.Resource
	allocations map[engine.AllocationID]engine.Allocation
	zones       map[engine.ZoneID]engine.Zone
	operators   map[engine.OperatorID]engine.Operator
}

func NewMemory() *Memory {
	return &Memory{
		requests:    make(map[engine.RequestID]engine.Request),
		resources:   make(map[engine.ResourceID]engine.Resource),
		allocations: make(map[engine.AllocationID]engine.Allocation),
		zones:       make(map[engine.ZoneID]engine.Zone),
		operators:   make(map[engine.OperatorID]engine.Operator),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) SaveRequest(_ context.Context, r engine.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *Memory) SaveResource(_ context.Context, r engine.Resource) error {
	if err := r.Check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = r
	return nil
}

func (m *Memory) SaveZone(_ context.Context, z engine.Zone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones[z.ID] = z
	return nil
}

func (m *Memory) SaveOperator(_ context.Context, o engine.Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Areas = append([]string(nil), o.Areas...)
	o.Specialties = append([]engine.Category(nil), o.Specialties...)
	m.operators[o.ID] = o
	return nil
}

// =============================================================================
// READS (engine.Store)
// =============================================================================

func (m *Memory) GetRequest(_ context.Context, id engine.RequestID) (*engine.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRequestLocked(id)
}

func (m *Memory) getRequestLocked(id engine.RequestID) (*engine.Request, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, engine.RequestNotFound(id)
	}
	c := cloneRequest(r)
	return &c, nil
}

func (m *Memory) GetResource(_ context.Context, id engine.ResourceID) (*engine.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, engine.ResourceNotFound(id)
	}
	return &r, nil
}

func (m *Memory) GetAllocation(_ context.Context, id engine.AllocationID) (*engine.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAllocationLocked(id)
}

func (m *Memory) getAllocationLocked(id engine.AllocationID) (*engine.Allocation, error) {
	a, ok := m.allocations[id]
	if !ok {
		return nil, engine.AllocationNotFound(id)
	}
	return &a, nil
}

func (m *Memory) GetZone(_ context.Context, id engine.ZoneID) (*engine.Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.zones[id]
	if !ok {
		return nil, engine.ZoneNotFound(id)
	}
	return &z, nil
}

func (m *Memory) FindCandidates(_ context.Context, categories []engine.Category, minAvailable decimal.Decimal) ([]engine.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[engine.Category]bool, len(categories))
	for _, c := range categories {
		want[c] = true
	}
	var out []engine.Resource
	for _, r := range m.resources {
		if r.Status == engine.ResourceActive && want[r.Category] && r.Available.GreaterThanOrEqual(minAvailable) {
			out = append(out, r)
		}
	}
	// Map order is random; callers rank, but keep reads stable anyway.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListPendingRequests(_ context.Context, kind engine.RequestKind) ([]engine.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Request
	for _, r := range m.requests {
		if r.Kind == kind && r.Status == engine.RequestPending {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListAllocationsByResource is used by tests to cross-check counters.
func (m *Memory) ListAllocationsByResource(_ context.Context, id engine.ResourceID) ([]engine.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Allocation
	for _, a := range m.allocations {
		if a.ResourceID == id {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// GUARDED WRITES
// =============================================================================

func (m *Memory) TransitionAllocation(_ context.Context, id engine.AllocationID, from, to engine.AllocationStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocations[id]
	if !ok || a.Status != from {
		return false, nil
	}
	if err := a.Transition(to, at); err != nil {
		return false, nil
	}
	m.allocations[id] = a
	return true, nil
}

// UpdateRequest writes r if the stored status still equals expected.
func (m *Memory) UpdateRequest(_ context.Context, r *engine.Request, expected engine.RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRequestLocked(r, expected)
}

func (m *Memory) updateRequestLocked(r *engine.Request, expected engine.RequestStatus) error {
	cur, ok := m.requests[r.ID]
	if !ok {
		return engine.RequestNotFound(r.ID)
	}
	if cur.Status != expected {
		return engine.ErrStaleWrite
	}
	m.requests[r.ID] = cloneRequest(*r)
	return nil
}

// =============================================================================
// ROUTING SUPPORT
// =============================================================================

func (m *Memory) ActiveOperators(_ context.Context) ([]engine.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []engine.Operator
	for _, o := range m.operators {
		if o.Available() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OpenCaseloads counts non-terminal requests assigned to each operator.
func (m *Memory) OpenCaseloads(_ context.Context, ids []engine.OperatorID) (map[engine.OperatorID]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[engine.OperatorID]int, len(ids))
	for _, id := range ids {
		out[id] = 0
	}
	for _, r := range m.requests {
		if r.AssignedTo == nil || r.Status.IsTerminal() {
			continue
		}
		if _, ok := out[*r.AssignedTo]; ok {
			out[*r.AssignedTo]++
		}
	}
	return out, nil
}

// =============================================================================
// SLA SUPPORT
// =============================================================================

// FlagBreaches flags non-terminal, unflagged requests created before cutoff.
func (m *Memory) FlagBreaches(_ context.Context, cutoff, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.requests {
		if r.SLABreached || r.Status.IsTerminal() || !r.CreatedAt.Before(cutoff) {
			continue
		}
		r.SLABreached = true
		r.UpdatedAt = at
		m.requests[id] = r
		n++
	}
	return n, nil
}

// ClearResolvedFlags clears the flag on terminal requests.
func (m *Memory) ClearResolvedFlags(_ context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.requests {
		if !r.SLABreached || !r.Status.IsTerminal() {
			continue
		}
		r.SLABreached = false
		r.UpdatedAt = at
		m.requests[id] = r
		n++
	}
	return n, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()

	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	requests    map[engine.RequestID]engine.Request
	resources   map[engine.ResourceID]engine.Resource
	allocations map[engine.AllocationID]engine.Allocation
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		requests:    make(map[engine.RequestID]engine.Request, len(m.requests)),
		resources:   make(map[engine.ResourceID]engine.Resource, len(m.resources)),
		allocations: make(map[engine.AllocationID]engine.Allocation, len(m.allocations)),
	}
	for k, v := range m.requests {
		s.requests[k] = v
	}
	for k, v := range m.resources {
		s.resources[k] = v
	}
	for k, v := range m.allocations {
		s.allocations[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.requests = s.requests
	m.resources = s.resources
	m.allocations = s.allocations
}

type txView struct {
	parent *Memory
}

func (tv *txView) LockResource(_ context.Context, id engine.ResourceID) (*engine.Resource, error) {
	r, ok := tv.parent.resources[id]
	if !ok {
		return nil, engine.ResourceNotFound(id)
	}
	return &r, nil
}

func (tv *txView) GetRequest(_ context.Context, id engine.RequestID) (*engine.Request, error) {
	return tv.parent.getRequestLocked(id)
}

func (tv *txView) GetAllocation(_ context.Context, id engine.AllocationID) (*engine.Allocation, error) {
	return tv.parent.getAllocationLocked(id)
}

func (tv *txView) UpdateResource(_ context.Context, r *engine.Resource) error {
	if _, ok := tv.parent.resources[r.ID]; !ok {
		return engine.ResourceNotFound(r.ID)
	}
	if err := r.Check(); err != nil {
		return err
	}
	tv.parent.resources[r.ID] = *r
	return nil
}

func (tv *txView) InsertAllocation(_ context.Context, a *engine.Allocation) error {
	tv.parent.allocations[a.ID] = *a
	return nil
}

func (tv *txView) UpdateAllocation(_ context.Context, a *engine.Allocation) error {
	if _, ok := tv.parent.allocations[a.ID]; !ok {
		return engine.AllocationNotFound(a.ID)
	}
	tv.parent.allocations[a.ID] = *a
	return nil
}

func (tv *txView) UpdateRequest(_ context.Context, r *engine.Request, expected engine.RequestStatus) error {
	return tv.parent.updateRequestLocked(r, expected)
}

func cloneRequest(r engine.Request) engine.Request {
	if r.Metadata != nil {
		md := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	return r
}

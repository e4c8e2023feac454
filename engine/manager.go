/*
manager.go - Atomic allocation transitions

PURPOSE:
  The AllocationManager is the only code that changes resource counters or
  allocation rows. Each operation runs in one store transaction with the
  resource row locked, so concurrent attempts against the same resource are
  serialized and overcommit is impossible.

OPERATIONS:
  Allocate:      available -> reserved, new ALLOCATED allocation,
                 request PENDING -> APPROVED
  Cancel:        reserved -> available, allocation -> CANCELLED,
                 request APPROVED -> PENDING
  Dispatch:      guarded status write ALLOCATED -> IN_TRANSIT
  MarkDelivered: reserved -> used, allocation IN_TRANSIT -> DELIVERED,
                 request APPROVED -> FULFILLED

RE-VALIDATION:
  Allocate never trusts the matcher. Status and available quantity are read
  again after the lock is taken. A failed re-check returns
  ErrResourceUnavailable or ErrInsufficientQuantity; callers decide whether
  to match again.

AUDIT:
  Events are emitted after commit. A rolled-back transaction emits nothing.

SEE ALSO:
  - matcher.go: Produces the candidates Allocate is called with
  - store.go: Tx and locking contract
*/
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/relief-engine/audit"
	"github.com/warp/relief-engine/metrics"
)

// SystemActor is recorded on allocations the engine makes on its own.
const SystemActor = "system"

type Manager struct {
	Store   Store
	Audit   audit.Sink
	Metrics *metrics.Recorder
	Log     *logrus.Entry

	Now   func() time.Time
	NewID func() AllocationID
}

func NewManager(store Store, sink audit.Sink, rec *metrics.Recorder, log *logrus.Entry) *Manager {
	if sink == nil {
		sink = audit.Nop{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		Store:   store,
		Audit:   sink,
		Metrics: rec,
		Log:     log.WithField("component", "allocation"),
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   func() AllocationID { return AllocationID(uuid.NewString()) },
	}
}

// AllocateInput describes one reservation attempt.
type AllocateInput struct {
	RequestID  RequestID
	ResourceID ResourceID
	Mode       AllocationMode
	ActorID    string

	// Snapshot taken when the candidate was chosen.
	DistanceKm    float64
	TravelMinutes int
}

func (in AllocateInput) validate() error {
	if in.RequestID == "" {
		return &ValidationError{Field: "request_id", Message: "is required"}
	}
	if in.ResourceID == "" {
		return &ValidationError{Field: "resource_id", Message: "is required"}
	}
	switch in.Mode {
	case ModeAuto, ModeManual, ModeSystem:
	default:
		return &ValidationError{Field: "mode", Message: "unknown allocation mode " + string(in.Mode)}
	}
	if strings.TrimSpace(in.ActorID) == "" {
		return &ValidationError{Field: "actor_id", Message: "is required"}
	}
	return nil
}

// Allocate reserves the request's quantity on the resource.
func (m *Manager) Allocate(ctx context.Context, in AllocateInput) (*Allocation, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := m.Now()
	var alloc *Allocation

	err := m.Store.WithTx(ctx, func(tx Tx) error {
		req, err := tx.GetRequest(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if err := checkAllocatable(req); err != nil {
			return err
		}

		res, err := tx.LockResource(ctx, in.ResourceID)
		if err != nil {
			return err
		}
		if res.Status != ResourceActive {
			return &ResourceUnavailableError{ResourceID: res.ID, Status: res.Status}
		}

		qty := req.Quantity()
		if err := res.Reserve(qty); err != nil {
			return err
		}
		res.UpdatedAt = now
		if err := tx.UpdateResource(ctx, res); err != nil {
			return err
		}

		a := &Allocation{
			ID:            m.NewID(),
			RequestID:     req.ID,
			ResourceID:    res.ID,
			Quantity:      qty,
			Mode:          in.Mode,
			Status:        AllocationAllocated,
			DistanceKm:    in.DistanceKm,
			TravelMinutes: in.TravelMinutes,
			ActorID:       in.ActorID,
			AllocatedAt:   now,
			UpdatedAt:     now,
		}
		if err := tx.InsertAllocation(ctx, a); err != nil {
			return err
		}

		if err := req.Transition(RequestApproved, now); err != nil {
			return err
		}
		if err := tx.UpdateRequest(ctx, req, RequestPending); err != nil {
			return err
		}

		alloc = a
		return nil
	})

	m.Metrics.Allocation(string(in.Mode), err)
	if err != nil {
		err = WrapStoreError("allocate", err)
		m.logFailure("allocate", err, logrus.Fields{"request_id": in.RequestID, "resource_id": in.ResourceID, "mode": in.Mode})
		return nil, err
	}

	e := audit.NewEvent(audit.ActionAllocated, "allocation", string(alloc.ID), now)
	e.ActorID = alloc.ActorID
	e.RequestID = string(alloc.RequestID)
	e.Payload["resource_id"] = string(alloc.ResourceID)
	e.Payload["quantity"] = alloc.Quantity.String()
	e.Payload["mode"] = string(alloc.Mode)
	m.Audit.Record(ctx, e)

	m.Log.WithFields(logrus.Fields{
		"allocation_id": alloc.ID,
		"request_id":    alloc.RequestID,
		"resource_id":   alloc.ResourceID,
		"quantity":      alloc.Quantity.String(),
		"mode":          alloc.Mode,
	}).Info("allocated")

	return alloc, nil
}

// Cancel returns the reserved quantity and reverts the request to PENDING.
func (m *Manager) Cancel(ctx context.Context, id AllocationID, actorID, reason string) (*Allocation, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "is required"}
	}

	now := m.Now()
	alloc, err := m.withLockedAllocation(ctx, id, AllocationCancelled, func(tx Tx, a *Allocation, res *Resource) error {
		if err := res.Release(a.Quantity); err != nil {
			return err
		}
		if err := a.Transition(AllocationCancelled, now); err != nil {
			return err
		}
		a.CancellationReason = reason

		req, err := tx.GetRequest(ctx, a.RequestID)
		if err != nil {
			return err
		}
		if err := req.Transition(RequestPending, now); err != nil {
			return err
		}
		res.UpdatedAt = now
		return m.persist(ctx, tx, a, res, req, RequestApproved)
	})
	if err != nil {
		return nil, err
	}

	e := audit.NewEvent(audit.ActionCancelled, "allocation", string(alloc.ID), now)
	e.ActorID = actorID
	e.RequestID = string(alloc.RequestID)
	e.Payload["reason"] = reason
	e.Payload["quantity"] = alloc.Quantity.String()
	m.Audit.Record(ctx, e)
	return alloc, nil
}

// MarkDelivered moves the reserved quantity to used and fulfils the request.
func (m *Manager) MarkDelivered(ctx context.Context, id AllocationID, actorID string) (*Allocation, error) {
	now := m.Now()
	alloc, err := m.withLockedAllocation(ctx, id, AllocationDelivered, func(tx Tx, a *Allocation, res *Resource) error {
		if err := a.Transition(AllocationDelivered, now); err != nil {
			return err
		}
		if err := res.Consume(a.Quantity); err != nil {
			return err
		}

		req, err := tx.GetRequest(ctx, a.RequestID)
		if err != nil {
			return err
		}
		q := a.Quantity
		req.FulfilledQuantity = &q
		if err := req.Transition(RequestFulfilled, now); err != nil {
			return err
		}
		res.UpdatedAt = now
		return m.persist(ctx, tx, a, res, req, RequestApproved)
	})
	if err != nil {
		return nil, err
	}

	e := audit.NewEvent(audit.ActionDelivered, "allocation", string(alloc.ID), now)
	e.ActorID = actorID
	e.RequestID = string(alloc.RequestID)
	e.Payload["quantity"] = alloc.Quantity.String()
	m.Audit.Record(ctx, e)
	return alloc, nil
}

// Dispatch marks an ALLOCATED allocation as IN_TRANSIT. Counters do not
// change, so no resource lock is taken; the write is guarded on status.
func (m *Manager) Dispatch(ctx context.Context, id AllocationID, actorID string) (*Allocation, error) {
	now := m.Now()

	ok, err := m.Store.TransitionAllocation(ctx, id, AllocationAllocated, AllocationInTransit, now)
	if err == nil && !ok {
		err = m.explainGuardMiss(ctx, id, AllocationInTransit)
	}
	m.Metrics.Transition(string(AllocationInTransit), err)
	if err != nil {
		err = WrapStoreError("dispatch", err)
		m.logFailure("dispatch", err, logrus.Fields{"allocation_id": id})
		return nil, err
	}

	alloc, err := m.Store.GetAllocation(ctx, id)
	if err != nil {
		return nil, WrapStoreError("dispatch", err)
	}

	e := audit.NewEvent(audit.ActionDispatched, "allocation", string(id), now)
	e.ActorID = actorID
	e.RequestID = string(alloc.RequestID)
	m.Audit.Record(ctx, e)
	return alloc, nil
}

// explainGuardMiss turns a guarded write that matched nothing into the
// precise reason.
func (m *Manager) explainGuardMiss(ctx context.Context, id AllocationID, to AllocationStatus) error {
	a, err := m.Store.GetAllocation(ctx, id)
	if err != nil {
		return err
	}
	if err := a.checkTransition(to); err != nil {
		return err
	}
	return ErrStaleWrite
}

// withLockedAllocation loads the allocation, locks its resource, re-reads the
// allocation under the lock and runs fn.
func (m *Manager) withLockedAllocation(
	ctx context.Context,
	id AllocationID,
	to AllocationStatus,
	fn func(tx Tx, a *Allocation, res *Resource) error,
) (*Allocation, error) {
	var out *Allocation
	err := m.Store.WithTx(ctx, func(tx Tx) error {
		a, err := tx.GetAllocation(ctx, id)
		if err != nil {
			return err
		}
		if err := a.checkTransition(to); err != nil {
			return err
		}

		res, err := tx.LockResource(ctx, a.ResourceID)
		if err != nil {
			return err
		}

		// Status may have moved between the first read and the lock.
		a, err = tx.GetAllocation(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, a, res); err != nil {
			return err
		}
		out = a
		return nil
	})

	m.Metrics.Transition(string(to), err)
	if err != nil {
		err = WrapStoreError(strings.ToLower(string(to)), err)
		m.logFailure("transition", err, logrus.Fields{"allocation_id": id, "to": to})
		return nil, err
	}

	m.Log.WithFields(logrus.Fields{
		"allocation_id": out.ID,
		"request_id":    out.RequestID,
		"resource_id":   out.ResourceID,
		"status":        out.Status,
	}).Info("allocation transitioned")
	return out, nil
}

func (m *Manager) persist(ctx context.Context, tx Tx, a *Allocation, res *Resource, req *Request, expected RequestStatus) error {
	if err := tx.UpdateResource(ctx, res); err != nil {
		return err
	}
	if err := tx.UpdateAllocation(ctx, a); err != nil {
		return err
	}
	return tx.UpdateRequest(ctx, req, expected)
}

func (m *Manager) logFailure(op string, err error, fields logrus.Fields) {
	entry := m.Log.WithFields(fields).WithError(err).WithField("op", op)
	if IsTyped(err) && !IsRetryable(err) {
		entry.Info("operation rejected")
		return
	}
	entry.Error("operation failed")
}

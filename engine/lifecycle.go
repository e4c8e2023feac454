package engine

import "time"

// =============================================================================
// REQUEST LIFECYCLES
// =============================================================================
//
// One physical request record carries one of two logical lifecycles:
//
//   RESOURCE:   PENDING ──▶ APPROVED ──▶ FULFILLED
//                  │  ◀──────┘ (allocation cancelled)
//                  └──▶ REJECTED
//
//   COMPLAINT:  PENDING ──▶ ASSIGNED ──▶ IN_PROGRESS ──▶ RESOLVED
//                  │           └──────────────────────────▲
//                  └──▶ REJECTED ◀── (from ASSIGNED / IN_PROGRESS too)

var requestTransitions = map[RequestKind]map[RequestStatus][]RequestStatus{
	KindResource: {
		RequestPending:  {RequestApproved, RequestRejected},
		RequestApproved: {RequestFulfilled, RequestPending},
	},
	KindComplaint: {
		RequestPending:    {RequestAssigned, RequestRejected},
		RequestAssigned:   {RequestInProgress, RequestResolved, RequestRejected},
		RequestInProgress: {RequestResolved, RequestRejected},
	},
}

// CanTransition reports whether a request of kind may move from -> to.
func CanTransition(kind RequestKind, from, to RequestStatus) bool {
	for _, next := range requestTransitions[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the request to status `to`, keeping lifecycle timestamps
// consistent with the new status.
func (r *Request) Transition(to RequestStatus, at time.Time) error {
	if !CanTransition(r.Kind, r.Status, to) {
		return &TransitionError{Entity: "request", ID: string(r.ID), From: string(r.Status), To: string(to)}
	}

	switch to {
	case RequestPending:
		// Only reachable from APPROVED: the allocation was cancelled.
		r.ApprovedAt = nil
	case RequestApproved:
		r.ApprovedAt = &at
	case RequestAssigned:
		r.AssignedAt = &at
	case RequestInProgress:
		r.StartedAt = &at
	case RequestFulfilled, RequestResolved, RequestRejected:
		r.ResolvedAt = &at
	default:
		return &TransitionError{Entity: "request", ID: string(r.ID), From: string(r.Status), To: string(to)}
	}

	r.Status = to
	r.UpdatedAt = at
	return nil
}

// CheckTimestamps verifies that lifecycle timestamps agree with the status.
func (r *Request) CheckTimestamps() bool {
	if (r.ResolvedAt != nil) != r.Status.IsTerminal() {
		return false
	}
	switch r.Status {
	case RequestApproved:
		return r.ApprovedAt != nil
	case RequestAssigned, RequestInProgress:
		return r.AssignedAt != nil
	case RequestPending:
		return r.ApprovedAt == nil
	}
	return true
}

// =============================================================================
// ALLOCATION LIFECYCLE
// =============================================================================
//
//   ALLOCATED ──▶ IN_TRANSIT ──▶ DELIVERED
//       │              │
//       └──────┬───────┘
//              ▼
//          CANCELLED

// IsTerminal reports whether the allocation is DELIVERED or CANCELLED.
func (s AllocationStatus) IsTerminal() bool {
	switch s {
	case AllocationDelivered, AllocationCancelled:
		return true
	case AllocationAllocated, AllocationInTransit:
		return false
	}
	return false
}

// Transition moves the allocation to status `to`.
func (a *Allocation) Transition(to AllocationStatus, at time.Time) error {
	if err := a.checkTransition(to); err != nil {
		return err
	}
	switch to {
	case AllocationInTransit:
		a.DispatchedAt = &at
	case AllocationDelivered:
		a.DeliveredAt = &at
	case AllocationCancelled:
		a.CancelledAt = &at
	}
	a.Status = to
	a.UpdatedAt = at
	return nil
}

func (a *Allocation) checkTransition(to AllocationStatus) error {
	fail := func(reason error) error {
		return &TransitionError{
			Entity: "allocation", ID: string(a.ID),
			From: string(a.Status), To: string(to), Reason: reason,
		}
	}

	switch a.Status {
	case AllocationDelivered:
		return fail(ErrAlreadyDelivered)
	case AllocationCancelled:
		return fail(ErrAlreadyCancelled)
	case AllocationAllocated:
		if to == AllocationInTransit || to == AllocationCancelled {
			return nil
		}
	case AllocationInTransit:
		if to == AllocationDelivered || to == AllocationCancelled {
			return nil
		}
	}
	return fail(nil)
}

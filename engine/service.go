package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/warp/relief-engine/audit"
	"github.com/warp/relief-engine/geo"
	"github.com/warp/relief-engine/metrics"
)

// =============================================================================
// SERVICE - Operations exposed to the serving layer
// =============================================================================

// Service wires the matcher and the manager behind request/allocation ids.
type Service struct {
	Store   Store
	Compat  *Compatibility
	Matcher *Matcher
	Manager *Manager
	Log     *logrus.Entry
}

func NewService(store Store, compat *Compatibility, sink audit.Sink, rec *metrics.Recorder, log *logrus.Entry) *Service {
	if compat == nil {
		compat = DefaultCompatibility()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		Store:   store,
		Compat:  compat,
		Matcher: NewMatcher(store, compat, log),
		Manager: NewManager(store, sink, rec, log),
		Log:     log.WithField("component", "service"),
	}
}

// SuggestResources returns up to limit ranked candidates. Read-only.
func (s *Service) SuggestResources(ctx context.Context, id RequestID, limit int) ([]Candidate, error) {
	req, err := s.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Matcher.Suggest(ctx, req, limit)
}

// AllocateAuto allocates the best candidate on behalf of the system.
func (s *Service) AllocateAuto(ctx context.Context, id RequestID) (*Allocation, error) {
	return s.allocateBest(ctx, id, ModeAuto)
}

func (s *Service) allocateBest(ctx context.Context, id RequestID, mode AllocationMode) (*Allocation, error) {
	req, err := s.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	best, err := s.Matcher.Match(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.Manager.Allocate(ctx, AllocateInput{
		RequestID:     req.ID,
		ResourceID:    best.Resource.ID,
		Mode:          mode,
		ActorID:       SystemActor,
		DistanceKm:    best.DistanceKm,
		TravelMinutes: best.TravelMinutes,
	})
}

// AllocateManual allocates a resource a coordinator picked. The radius
// filter does not apply, but the category must still be compatible.
func (s *Service) AllocateManual(ctx context.Context, id RequestID, resourceID ResourceID, actorID string) (*Allocation, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, &ValidationError{Field: "actor_id", Message: "is required"}
	}
	req, err := s.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkAllocatable(req); err != nil {
		return nil, err
	}

	res, err := s.Store.GetResource(ctx, resourceID)
	if err != nil {
		return nil, WrapStoreError("get resource", err)
	}
	cats, err := s.Compat.ResourceCategories(req.Category)
	if err != nil {
		return nil, err
	}
	if !containsCategory(cats, res.Category) {
		return nil, &ValidationError{
			Field:   "resource_id",
			Message: fmt.Sprintf("resource category %s cannot serve %s", res.Category, req.Category),
			Reason:  ErrNoCategoryMatch,
		}
	}

	in := AllocateInput{RequestID: req.ID, ResourceID: res.ID, Mode: ModeManual, ActorID: actorID}
	// The snapshot is best effort: a coordinator may allocate to a request
	// whose location never resolved.
	if loc, err := ResolveLocation(ctx, s.Store, req); err == nil {
		if km, err := loc.Point.DistanceTo(res.Point()); err == nil {
			in.DistanceKm = km
			in.TravelMinutes = geo.TravelTimeMinutes(km)
		}
	}
	return s.Manager.Allocate(ctx, in)
}

func (s *Service) CancelAllocation(ctx context.Context, id AllocationID, actorID, reason string) (*Allocation, error) {
	return s.Manager.Cancel(ctx, id, actorID, reason)
}

func (s *Service) DispatchAllocation(ctx context.Context, id AllocationID, actorID string) (*Allocation, error) {
	return s.Manager.Dispatch(ctx, id, actorID)
}

func (s *Service) MarkDelivered(ctx context.Context, id AllocationID, actorID string) (*Allocation, error) {
	return s.Manager.MarkDelivered(ctx, id, actorID)
}

// =============================================================================
// BATCH ALLOCATION
// =============================================================================

// BatchResult summarizes an AllocatePending run.
type BatchResult struct {
	Allocated []*Allocation
	Failed    map[RequestID]error
}

// AllocatePending auto-allocates pending resource requests, most urgent
// first (priority desc, created asc, id asc). Each request is attempted once;
// failures are collected and the run continues. Only a failure to list the
// pending requests aborts the run.
func (s *Service) AllocatePending(ctx context.Context, limit int) (*BatchResult, error) {
	pending, err := s.Store.ListPendingRequests(ctx, KindResource)
	if err != nil {
		return nil, WrapStoreError("list pending requests", err)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	out := &BatchResult{Failed: map[RequestID]error{}}
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		alloc, err := s.allocateBest(ctx, pending[i].ID, ModeSystem)
		if err != nil {
			out.Failed[pending[i].ID] = err
			continue
		}
		out.Allocated = append(out.Allocated, alloc)
	}

	s.Log.WithFields(logrus.Fields{
		"considered": len(pending),
		"allocated":  len(out.Allocated),
		"failed":     len(out.Failed),
	}).Info("batch allocation finished")
	return out, nil
}

// =============================================================================
// REJECTION
// =============================================================================

// RejectRequest closes a request without serving it. Resource requests can
// only be rejected while PENDING (cancel the allocation first).
func (s *Service) RejectRequest(ctx context.Context, id RequestID, actorID, reason string) (*Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "is required"}
	}

	now := s.Manager.Now()
	var out *Request
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		from := req.Status
		if err := req.Transition(RequestRejected, now); err != nil {
			return err
		}
		if req.Metadata == nil {
			req.Metadata = map[string]string{}
		}
		req.Metadata["rejection_reason"] = reason
		if err := tx.UpdateRequest(ctx, req, from); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, WrapStoreError("reject request", err)
	}

	e := audit.NewEvent(audit.ActionRequestRejected, "request", string(id), now)
	e.ActorID = actorID
	e.RequestID = string(id)
	e.Payload["reason"] = reason
	s.Manager.Audit.Record(ctx, e)
	return out, nil
}

// GetRequest, GetResource and GetAllocation are plain reads for the API.
func (s *Service) GetRequest(ctx context.Context, id RequestID) (*Request, error) {
	return s.getRequest(ctx, id)
}

func (s *Service) GetResource(ctx context.Context, id ResourceID) (*Resource, error) {
	r, err := s.Store.GetResource(ctx, id)
	return r, WrapStoreError("get resource", err)
}

func (s *Service) GetAllocation(ctx context.Context, id AllocationID) (*Allocation, error) {
	a, err := s.Store.GetAllocation(ctx, id)
	return a, WrapStoreError("get allocation", err)
}

func (s *Service) getRequest(ctx context.Context, id RequestID) (*Request, error) {
	if id == "" {
		return nil, &ValidationError{Field: "request_id", Message: "is required"}
	}
	req, err := s.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, WrapStoreError("get request", err)
	}
	return req, nil
}

func containsCategory(cats []Category, c Category) bool {
	for _, x := range cats {
		if x == c {
			return true
		}
	}
	return false
}

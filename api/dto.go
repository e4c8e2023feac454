/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Engine types carry no
  JSON tags; these types are the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request bodies carry go-playground/validator tags and are checked in
  decodeAndValidate before any engine call. Engine-level validation still
  runs; tags only reject malformed payloads early.

QUANTITIES:
  Decimal quantities serialize as JSON strings ("12.5") so clients never
  see float rounding.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/relief-engine/engine"
	"github.com/warp/relief-engine/routing"
	"github.com/warp/relief-engine/sla"
)

// =============================================================================
// REQUEST BODIES
// =============================================================================

// ActorRequest is the body of transitions that only need an actor.
type ActorRequest struct {
	ActorID string `json:"actor_id" validate:"omitempty,max=128"`
}

// ManualAllocationRequest pins a request to a specific resource.
type ManualAllocationRequest struct {
	ResourceID string `json:"resource_id" validate:"required,max=128"`
	ActorID    string `json:"actor_id" validate:"required,max=128"`
}

// CancelAllocationRequest releases an allocation.
type CancelAllocationRequest struct {
	ActorID string `json:"actor_id" validate:"omitempty,max=128"`
	Reason  string `json:"reason" validate:"omitempty,max=500"`
}

// RejectRequestRequest closes a pending request.
type RejectRequestRequest struct {
	ActorID string `json:"actor_id" validate:"omitempty,max=128"`
	Reason  string `json:"reason" validate:"required,max=500"`
}

// ResolveComplaintRequest closes a complaint with an optional note.
type ResolveComplaintRequest struct {
	ActorID string `json:"actor_id" validate:"omitempty,max=128"`
	Note    string `json:"note" validate:"omitempty,max=2000"`
}

// AllocatePendingRequest bounds a batch run. Zero means no limit.
type AllocatePendingRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=10000"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type LocationDTO struct {
	ZoneID string   `json:"zone_id,omitempty"`
	Lat    *float64 `json:"lat,omitempty"`
	Lng    *float64 `json:"lng,omitempty"`
	Area   string   `json:"area,omitempty"`
}

type RequestDTO struct {
	ID                string            `json:"id"`
	RequesterID       string            `json:"requester_id"`
	Kind              string            `json:"kind"`
	Category          string            `json:"category"`
	Priority          string            `json:"priority"`
	Description       string            `json:"description,omitempty"`
	Status            string            `json:"status"`
	Location          LocationDTO       `json:"location"`
	RequestedQuantity *decimal.Decimal  `json:"requested_quantity,omitempty"`
	FulfilledQuantity *decimal.Decimal  `json:"fulfilled_quantity,omitempty"`
	AssignedTo        string            `json:"assigned_to,omitempty"`
	SLABreached       bool              `json:"sla_breached"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ApprovedAt        *time.Time        `json:"approved_at,omitempty"`
	AssignedAt        *time.Time        `json:"assigned_at,omitempty"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type ResourceDTO struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Category       string          `json:"category"`
	Lat            float64         `json:"lat"`
	Lng            float64         `json:"lng"`
	Status         string          `json:"status"`
	Total          decimal.Decimal `json:"total"`
	Available      decimal.Decimal `json:"available"`
	Reserved       decimal.Decimal `json:"reserved"`
	Used           decimal.Decimal `json:"used"`
	MaxRadiusKm    float64         `json:"max_radius_km"`
	PriorityWeight int             `json:"priority_weight"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type AllocationDTO struct {
	ID                 string          `json:"id"`
	RequestID          string          `json:"request_id"`
	ResourceID         string          `json:"resource_id"`
	Quantity           decimal.Decimal `json:"quantity"`
	Mode               string          `json:"mode"`
	Status             string          `json:"status"`
	DistanceKm         float64         `json:"distance_km"`
	TravelMinutes      int             `json:"travel_minutes"`
	ActorID            string          `json:"actor_id"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	AllocatedAt        time.Time       `json:"allocated_at"`
	DispatchedAt       *time.Time      `json:"dispatched_at,omitempty"`
	DeliveredAt        *time.Time      `json:"delivered_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
}

// CandidateDTO is one ranked suggestion.
type CandidateDTO struct {
	Resource      ResourceDTO `json:"resource"`
	DistanceKm    float64     `json:"distance_km"`
	TravelMinutes int         `json:"travel_minutes"`
}

// BatchResultDTO summarizes an allocate-pending run.
type BatchResultDTO struct {
	Allocated []AllocationDTO     `json:"allocated"`
	Failed    map[string]ErrorDTO `json:"failed"`
}

// AssignmentDTO is the outcome of routing a complaint.
type AssignmentDTO struct {
	Request  *RequestDTO `json:"request,omitempty"`
	Operator string      `json:"operator_id,omitempty"`
	Assigned bool        `json:"assigned"`
}

type RouteCandidateDTO struct {
	OperatorID string `json:"operator_id"`
	Caseload   int    `json:"caseload"`
}

// SweepDTO reports one SLA sweep.
type SweepDTO struct {
	sla.Result
	Ran bool `json:"ran"`
}

// ErrorDTO is the standard error body.
type ErrorDTO struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRequestDTO(r *engine.Request) RequestDTO {
	dto := RequestDTO{
		ID:                string(r.ID),
		RequesterID:       r.RequesterID,
		Kind:              string(r.Kind),
		Category:          string(r.Category),
		Priority:          string(r.Priority),
		Description:       r.Description,
		Status:            string(r.Status),
		Location:          LocationDTO{Lat: r.Location.Lat, Lng: r.Location.Lng, Area: r.Location.Area},
		RequestedQuantity: r.RequestedQuantity,
		FulfilledQuantity: r.FulfilledQuantity,
		SLABreached:       r.SLABreached,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		ApprovedAt:        r.ApprovedAt,
		AssignedAt:        r.AssignedAt,
		StartedAt:         r.StartedAt,
		ResolvedAt:        r.ResolvedAt,
		Metadata:          r.Metadata,
	}
	if r.Location.ZoneID != nil {
		dto.Location.ZoneID = string(*r.Location.ZoneID)
	}
	if r.AssignedTo != nil {
		dto.AssignedTo = string(*r.AssignedTo)
	}
	return dto
}

func toResourceDTO(r *engine.Resource) ResourceDTO {
	return ResourceDTO{
		ID:             string(r.ID),
		Name:           r.Name,
		Category:       string(r.Category),
		Lat:            r.Lat,
		Lng:            r.Lng,
		Status:         string(r.Status),
		Total:          r.Total,
		Available:      r.Available,
		Reserved:       r.Reserved,
		Used:           r.Used,
		MaxRadiusKm:    r.MaxRadiusKm,
		PriorityWeight: r.PriorityWeight,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toAllocationDTO(a *engine.Allocation) AllocationDTO {
	return AllocationDTO{
		ID:                 string(a.ID),
		RequestID:          string(a.RequestID),
		ResourceID:         string(a.ResourceID),
		Quantity:           a.Quantity,
		Mode:               string(a.Mode),
		Status:             string(a.Status),
		DistanceKm:         a.DistanceKm,
		TravelMinutes:      a.TravelMinutes,
		ActorID:            a.ActorID,
		CancellationReason: a.CancellationReason,
		AllocatedAt:        a.AllocatedAt,
		DispatchedAt:       a.DispatchedAt,
		DeliveredAt:        a.DeliveredAt,
		CancelledAt:        a.CancelledAt,
	}
}

func toCandidateDTOs(cands []engine.Candidate) []CandidateDTO {
	out := make([]CandidateDTO, len(cands))
	for i := range cands {
		out[i] = CandidateDTO{
			Resource:      toResourceDTO(&cands[i].Resource),
			DistanceKm:    cands[i].DistanceKm,
			TravelMinutes: cands[i].TravelMinutes,
		}
	}
	return out
}

func toRouteCandidateDTOs(cands []routing.Candidate) []RouteCandidateDTO {
	out := make([]RouteCandidateDTO, len(cands))
	for i, c := range cands {
		out[i] = RouteCandidateDTO{OperatorID: string(c.Operator.ID), Caseload: c.Caseload}
	}
	return out
}

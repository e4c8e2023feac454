/*
Package engine provides the relief allocation core.

PURPOSE:
  This package holds the domain types, the request/allocation state machines,
  and the two stages that move inventory: the read-only ResourceMatcher and
  the locking AllocationManager. Service ties them together for the serving
  layer.

KEY CONCEPTS IN THIS FILE (types.go):
  - Request:    A citizen's need (resource request) or complaint
  - Resource:   A stock of physical inventory at a location
  - Allocation: One Request bound to one Resource for a quantity
  - Operator:   A field operator that complaints are routed to
  - Zone:       A named location requests can reference

DESIGN PRINCIPLES:
  1. Quantities use decimal.Decimal (litres and kilograms are fractional)
  2. Statuses are closed enums with explicit transition tables
  3. Resource counters only change through Reserve/Release/Consume
  4. IDs are distinct string types so they cannot be mixed up

SEE ALSO:
  - lifecycle.go: Request and allocation transition tables
  - errors.go: Error taxonomy
  - store.go: Persistence contracts
*/
package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/relief-engine/geo"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RequestID string
type ResourceID string
type AllocationID string
type OperatorID string
type ZoneID string

// =============================================================================
// CATEGORY & PRIORITY
// =============================================================================

// Category is a declared need (requests) or a kind of stock (resources).
type Category string

const (
	CategoryFood       Category = "FOOD"
	CategoryWater      Category = "WATER"
	CategoryMedical    Category = "MEDICAL"
	CategoryShelter    Category = "SHELTER"
	CategoryClothing   Category = "CLOTHING"
	CategoryHygiene    Category = "HYGIENE"
	CategoryRescue     Category = "RESCUE"
	CategoryPower      Category = "POWER"
	CategorySanitation Category = "SANITATION"
	CategoryInfra      Category = "INFRASTRUCTURE"
)

// NormalizeCategory upper-cases and trims a category string.
func NormalizeCategory(s string) Category {
	return Category(strings.ToUpper(strings.TrimSpace(s)))
}

type Priority string

const (
	PriorityLow       Priority = "LOW"
	PriorityMedium    Priority = "MEDIUM"
	PriorityHigh      Priority = "HIGH"
	PriorityEmergency Priority = "EMERGENCY"
)

// Rank orders priorities; higher is more urgent. Unknown values rank lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

// =============================================================================
// LOCATION
// =============================================================================

// Location is either a reference to a named Zone or an inline coordinate.
// A zone reference wins when both are present.
type Location struct {
	ZoneID *ZoneID
	Lat    *float64
	Lng    *float64
	Area   string
}

// Zone is a named, geocoded place requests can point at.
type Zone struct {
	ID   ZoneID
	Name string
	Area string
	Lat  float64
	Lng  float64
}

// ResolvedLocation is a location with coordinates known.
type ResolvedLocation struct {
	Point geo.Point
	Area  string
}

// =============================================================================
// REQUEST
// =============================================================================

// RequestKind selects which lifecycle a request follows.
type RequestKind string

const (
	KindResource  RequestKind = "RESOURCE"
	KindComplaint RequestKind = "COMPLAINT"
)

type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestApproved   RequestStatus = "APPROVED"
	RequestFulfilled  RequestStatus = "FULFILLED"
	RequestAssigned   RequestStatus = "ASSIGNED"
	RequestInProgress RequestStatus = "IN_PROGRESS"
	RequestResolved   RequestStatus = "RESOLVED"
	RequestRejected   RequestStatus = "REJECTED"
)

// TerminalRequestStatuses lists every status a request never leaves.
var TerminalRequestStatuses = []RequestStatus{RequestFulfilled, RequestResolved, RequestRejected}

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestFulfilled, RequestResolved, RequestRejected:
		return true
	case RequestPending, RequestApproved, RequestAssigned, RequestInProgress:
		return false
	}
	return false
}

type Request struct {
	ID          RequestID
	RequesterID string
	Kind        RequestKind
	Category    Category
	Priority    Priority
	Description string
	Status      RequestStatus
	Location    Location

	// Nil means one unit.
	RequestedQuantity *decimal.Decimal
	FulfilledQuantity *decimal.Decimal

	AssignedTo  *OperatorID
	SLABreached bool

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ApprovedAt *time.Time
	AssignedAt *time.Time
	StartedAt  *time.Time
	ResolvedAt *time.Time

	Metadata map[string]string
}

// Quantity returns the requested quantity, defaulting to one unit.
func (r *Request) Quantity() decimal.Decimal {
	if r.RequestedQuantity == nil {
		return decimal.NewFromInt(1)
	}
	return *r.RequestedQuantity
}

// =============================================================================
// RESOURCE
// =============================================================================

type ResourceStatus string

const (
	ResourceActive         ResourceStatus = "ACTIVE"
	ResourceMaintenance    ResourceStatus = "MAINTENANCE"
	ResourceDecommissioned ResourceStatus = "DECOMMISSIONED"
)

type Resource struct {
	ID       ResourceID
	Name     string
	Category Category
	Lat      float64
	Lng      float64
	Status   ResourceStatus

	Total     decimal.Decimal
	Available decimal.Decimal
	Reserved  decimal.Decimal
	Used      decimal.Decimal

	// MaxRadiusKm <= 0 means the resource serves any distance.
	MaxRadiusKm    float64
	PriorityWeight int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Resource) Point() geo.Point { return geo.Point{Lat: r.Lat, Lng: r.Lng} }

// Check enforces total = available + reserved + used with every counter >= 0.
func (r *Resource) Check() error {
	if r.Total.IsNegative() || r.Available.IsNegative() || r.Reserved.IsNegative() || r.Used.IsNegative() {
		return fmt.Errorf("resource %s: negative counter (total=%s available=%s reserved=%s used=%s)",
			r.ID, r.Total, r.Available, r.Reserved, r.Used)
	}
	sum := r.Available.Add(r.Reserved).Add(r.Used)
	if !sum.Equal(r.Total) {
		return fmt.Errorf("resource %s: counters do not add up (total=%s, available+reserved+used=%s)",
			r.ID, r.Total, sum)
	}
	return nil
}

// Reserve moves q from available to reserved.
func (r *Resource) Reserve(q decimal.Decimal) error {
	if r.Available.LessThan(q) {
		return &InsufficientQuantityError{ResourceID: r.ID, Available: r.Available, Requested: q}
	}
	r.Available = r.Available.Sub(q)
	r.Reserved = r.Reserved.Add(q)
	return r.Check()
}

// Release moves q from reserved back to available.
func (r *Resource) Release(q decimal.Decimal) error {
	if r.Reserved.LessThan(q) {
		return fmt.Errorf("resource %s: release %s exceeds reserved %s", r.ID, q, r.Reserved)
	}
	r.Reserved = r.Reserved.Sub(q)
	r.Available = r.Available.Add(q)
	return r.Check()
}

// Consume moves q from reserved to used.
func (r *Resource) Consume(q decimal.Decimal) error {
	if r.Reserved.LessThan(q) {
		return fmt.Errorf("resource %s: consume %s exceeds reserved %s", r.ID, q, r.Reserved)
	}
	r.Reserved = r.Reserved.Sub(q)
	r.Used = r.Used.Add(q)
	return r.Check()
}

// =============================================================================
// ALLOCATION
// =============================================================================

type AllocationMode string

const (
	ModeAuto   AllocationMode = "AUTO"
	ModeManual AllocationMode = "MANUAL"
	ModeSystem AllocationMode = "SYSTEM"
)

type AllocationStatus string

const (
	AllocationAllocated AllocationStatus = "ALLOCATED"
	AllocationInTransit AllocationStatus = "IN_TRANSIT"
	AllocationDelivered AllocationStatus = "DELIVERED"
	AllocationCancelled AllocationStatus = "CANCELLED"
)

type Allocation struct {
	ID         AllocationID
	RequestID  RequestID
	ResourceID ResourceID
	Quantity   decimal.Decimal
	Mode       AllocationMode
	Status     AllocationStatus

	DistanceKm    float64
	TravelMinutes int

	ActorID            string
	CancellationReason string

	AllocatedAt  time.Time
	DispatchedAt *time.Time
	DeliveredAt  *time.Time
	CancelledAt  *time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// OPERATOR
// =============================================================================

// Operator is a field operator owned by the identity directory.
type Operator struct {
	ID          OperatorID
	Name        string
	Areas       []string
	Specialties []Category
	Active      bool
	Suspended   bool
	CreatedAt   time.Time
}

// NormalizeArea trims and lower-cases a free-text area name.
func NormalizeArea(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Covers reports whether the operator serves the normalized area.
func (o *Operator) Covers(area string) bool {
	for _, a := range o.Areas {
		if NormalizeArea(a) == area {
			return true
		}
	}
	return false
}

// Available reports whether the operator can receive new work.
func (o *Operator) Available() bool { return o.Active && !o.Suspended }

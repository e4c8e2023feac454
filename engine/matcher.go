/*
matcher.go - Read-only candidate search and ranking

PURPOSE:
  Given a pending resource request, find the inventory that can serve it and
  rank it. The matcher never writes and never locks: its answer may be stale
  by the time the AllocationManager acts on it, and the manager re-checks.

ALGORITHM:
  1. Resolve the request's location (zone reference or inline coordinates)
  2. Map the request category to acceptable resource categories
  3. Load ACTIVE resources of those categories with available >= requested
  4. Compute the Haversine distance to each one
  5. Drop resources farther than their own service radius
  6. Rank: distance asc, priority weight desc, created at asc, id asc

  The final id tie-break makes the order total, so repeated calls over the
  same data always return the same list.

SEE ALSO:
  - manager.go: Allocates the chosen candidate under lock
  - geo/distance.go: Distance and travel time
*/
package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/relief-engine/geo"
)

const (
	DefaultSuggestLimit = 5
	MaxSuggestLimit     = 50
)

// Candidate is a resource that passed every filter, with its distance.
type Candidate struct {
	Resource      Resource
	DistanceKm    float64
	TravelMinutes int
}

// CandidateSource is the read side of the store the matcher needs.
type CandidateSource interface {
	GetZone(ctx context.Context, id ZoneID) (*Zone, error)
	FindCandidates(ctx context.Context, categories []Category, minAvailable decimal.Decimal) ([]Resource, error)
}

type Matcher struct {
	Source CandidateSource
	Compat *Compatibility
	Log    *logrus.Entry
}

func NewMatcher(src CandidateSource, compat *Compatibility, log *logrus.Entry) *Matcher {
	if compat == nil {
		compat = DefaultCompatibility()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Matcher{Source: src, Compat: compat, Log: log.WithField("component", "matcher")}
}

// Match returns the best candidate for the request.
func (m *Matcher) Match(ctx context.Context, req *Request) (Candidate, error) {
	cands, err := m.Suggest(ctx, req, 1)
	if err != nil {
		return Candidate{}, err
	}
	return cands[0], nil
}

// Suggest returns up to limit ranked candidates. It never returns an empty
// slice without an error.
func (m *Matcher) Suggest(ctx context.Context, req *Request, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = DefaultSuggestLimit
	}
	if limit > MaxSuggestLimit {
		limit = MaxSuggestLimit
	}

	cands, err := m.candidates(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}

func (m *Matcher) candidates(ctx context.Context, req *Request) ([]Candidate, error) {
	if err := checkAllocatable(req); err != nil {
		return nil, err
	}

	origin, err := ResolveLocation(ctx, m.Source, req)
	if err != nil {
		return nil, err
	}

	categories, err := m.Compat.ResourceCategories(req.Category)
	if err != nil {
		return nil, err
	}

	qty := req.Quantity()
	resources, err := m.Source.FindCandidates(ctx, categories, qty)
	if err != nil {
		return nil, WrapStoreError("find candidates", err)
	}

	var out []Candidate
	for _, res := range resources {
		// Stores may over-return; the filter is part of the ranking contract.
		if res.Status != ResourceActive || res.Available.LessThan(qty) {
			continue
		}
		km, err := origin.Point.DistanceTo(res.Point())
		if err != nil {
			m.Log.WithFields(logrus.Fields{
				"resource_id": res.ID,
				"lat":         res.Lat,
				"lng":         res.Lng,
			}).Warn("skipping resource with invalid coordinates")
			continue
		}
		if res.MaxRadiusKm > 0 && km > res.MaxRadiusKm {
			continue
		}
		out = append(out, Candidate{Resource: res, DistanceKm: km, TravelMinutes: geo.TravelTimeMinutes(km)})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: request %s (%s, qty %s)", ErrNoCandidatesWithinRadius, req.ID, req.Category, qty)
	}

	RankCandidates(out)
	return out, nil
}

// RankCandidates sorts in place: distance asc, priority weight desc,
// created at asc, id asc.
func RankCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if a.Resource.PriorityWeight != b.Resource.PriorityWeight {
			return a.Resource.PriorityWeight > b.Resource.PriorityWeight
		}
		if !a.Resource.CreatedAt.Equal(b.Resource.CreatedAt) {
			return a.Resource.CreatedAt.Before(b.Resource.CreatedAt)
		}
		return a.Resource.ID < b.Resource.ID
	})
}

// ResolveLocation turns a request location into coordinates. A zone
// reference takes precedence over inline coordinates.
func ResolveLocation(ctx context.Context, zones interface {
	GetZone(ctx context.Context, id ZoneID) (*Zone, error)
}, req *Request) (ResolvedLocation, error) {
	loc := req.Location

	if loc.ZoneID != nil && *loc.ZoneID != "" {
		zone, err := zones.GetZone(ctx, *loc.ZoneID)
		if err != nil {
			if IsNotFound(err) {
				return ResolvedLocation{}, &ValidationError{
					Field: "location.zone_id", Message: fmt.Sprintf("zone %s does not exist", *loc.ZoneID),
					Reason: ErrLocationUnresolved,
				}
			}
			return ResolvedLocation{}, WrapStoreError("get zone", err)
		}
		p := geo.Point{Lat: zone.Lat, Lng: zone.Lng}
		if err := p.Validate(); err != nil {
			return ResolvedLocation{}, &ValidationError{Field: "location.zone_id", Message: err.Error(), Reason: ErrLocationUnresolved}
		}
		area := loc.Area
		if zone.Area != "" {
			area = zone.Area
		}
		return ResolvedLocation{Point: p, Area: area}, nil
	}

	if loc.Lat != nil && loc.Lng != nil {
		p := geo.Point{Lat: *loc.Lat, Lng: *loc.Lng}
		if err := p.Validate(); err != nil {
			return ResolvedLocation{}, &ValidationError{Field: "location", Message: err.Error(), Reason: ErrLocationUnresolved}
		}
		return ResolvedLocation{Point: p, Area: loc.Area}, nil
	}

	return ResolvedLocation{}, &ValidationError{
		Field: "location", Message: "request has neither a zone nor coordinates",
		Reason: ErrLocationUnresolved,
	}
}

// checkAllocatable rejects requests the matcher and manager must not touch.
func checkAllocatable(req *Request) error {
	if req == nil {
		return &ValidationError{Message: "request is required"}
	}
	if req.Kind != KindResource {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("request %s is a %s", req.ID, req.Kind), Reason: ErrWrongRequestKind}
	}
	if req.Status != RequestPending {
		return &TransitionError{Entity: "request", ID: string(req.ID), From: string(req.Status), To: string(RequestApproved), Reason: ErrRequestNotPending}
	}
	if !req.Quantity().IsPositive() {
		return &ValidationError{Field: "quantity", Message: req.Quantity().String(), Reason: ErrInvalidQuantity}
	}
	return nil
}

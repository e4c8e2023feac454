package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/relief-engine/engine"
)

// timeLayout is fixed-width so TEXT comparison is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const requestColumns = `id, requester_id, kind, category, priority, description, status,
	zone_id, lat, lng, area, requested_qty, fulfilled_qty, assigned_to, sla_breached,
	created_at, updated_at, approved_at, assigned_at, started_at, resolved_at, metadata_json`

const resourceColumns = `id, name, category, lat, lng, status, total, available, reserved, used,
	max_radius_km, priority_weight, created_at, updated_at`

const allocationColumns = `id, request_id, resource_id, quantity, mode, status, distance_km,
	travel_minutes, actor_id, cancellation_reason, allocated_at, dispatched_at, delivered_at,
	cancelled_at, updated_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// REQUESTS
// =============================================================================

func getRequest(ctx context.Context, q querier, id engine.RequestID) (*engine.Request, error) {
	row := q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.RequestNotFound(id)
	}
	return r, err
}

func queryRequests(ctx context.Context, q querier, query string, args ...any) ([]engine.Request, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRequest(sc scanner) (*engine.Request, error) {
	var r engine.Request
	var description, zoneID, area, assignedTo, metadata sql.NullString
	var lat, lng sql.NullFloat64
	var requested, fulfilled decimal.NullDecimal
	var createdAt, updatedAt string
	var approvedAt, assignedAt, startedAt, resolvedAt sql.NullString

	if err := sc.Scan(
		&r.ID, &r.RequesterID, &r.Kind, &r.Category, &r.Priority, &description, &r.Status,
		&zoneID, &lat, &lng, &area, &requested, &fulfilled, &assignedTo, &r.SLABreached,
		&createdAt, &updatedAt, &approvedAt, &assignedAt, &startedAt, &resolvedAt, &metadata,
	); err != nil {
		return nil, err
	}

	r.Description = description.String
	r.Location.Area = area.String
	if zoneID.Valid {
		z := engine.ZoneID(zoneID.String)
		r.Location.ZoneID = &z
	}
	if lat.Valid && lng.Valid {
		r.Location.Lat = &lat.Float64
		r.Location.Lng = &lng.Float64
	}
	if requested.Valid {
		r.RequestedQuantity = &requested.Decimal
	}
	if fulfilled.Valid {
		r.FulfilledQuantity = &fulfilled.Decimal
	}
	if assignedTo.Valid {
		op := engine.OperatorID(assignedTo.String)
		r.AssignedTo = &op
	}
	if err := decodeJSON(metadata.String, &r.Metadata); err != nil {
		return nil, fmt.Errorf("request %s metadata: %w", r.ID, err)
	}

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{approvedAt, &r.ApprovedAt},
		{assignedAt, &r.AssignedAt},
		{startedAt, &r.StartedAt},
		{resolvedAt, &r.ResolvedAt},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// =============================================================================
// RESOURCES
// =============================================================================

func getResource(ctx context.Context, q querier, id engine.ResourceID) (*engine.Resource, error) {
	row := q.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ResourceNotFound(id)
	}
	return r, err
}

func queryResources(ctx context.Context, q querier, query string, args ...any) ([]engine.Resource, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanResource(sc scanner) (*engine.Resource, error) {
	var r engine.Resource
	var createdAt, updatedAt string
	if err := sc.Scan(
		&r.ID, &r.Name, &r.Category, &r.Lat, &r.Lng, &r.Status,
		&r.Total, &r.Available, &r.Reserved, &r.Used,
		&r.MaxRadiusKm, &r.PriorityWeight, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func getAllocation(ctx context.Context, q querier, id engine.AllocationID) (*engine.Allocation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.AllocationNotFound(id)
	}
	return a, err
}

func scanAllocation(sc scanner) (*engine.Allocation, error) {
	var a engine.Allocation
	var reason sql.NullString
	var allocatedAt, updatedAt string
	var dispatchedAt, deliveredAt, cancelledAt sql.NullString
	if err := sc.Scan(
		&a.ID, &a.RequestID, &a.ResourceID, &a.Quantity, &a.Mode, &a.Status, &a.DistanceKm,
		&a.TravelMinutes, &a.ActorID, &reason, &allocatedAt, &dispatchedAt, &deliveredAt,
		&cancelledAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	a.CancellationReason = reason.String

	var err error
	if a.AllocatedAt, err = parseTime(allocatedAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if a.DispatchedAt, err = parseNullTime(dispatchedAt); err != nil {
		return nil, err
	}
	if a.DeliveredAt, err = parseNullTime(deliveredAt); err != nil {
		return nil, err
	}
	if a.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func allocationArgs(a *engine.Allocation) []any {
	return []any{
		a.ID, a.RequestID, a.ResourceID, a.Quantity, a.Mode, a.Status, a.DistanceKm,
		a.TravelMinutes, a.ActorID, nullString(a.CancellationReason), formatTime(a.AllocatedAt),
		nullTime(a.DispatchedAt), nullTime(a.DeliveredAt), nullTime(a.CancelledAt), formatTime(a.UpdatedAt),
	}
}

// =============================================================================
// VALUE HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullZone(id *engine.ZoneID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func nullOperator(id *engine.OperatorID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// encodeJSON returns NULL for nil maps and slices.
func encodeJSON(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

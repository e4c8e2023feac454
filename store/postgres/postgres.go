/*
Package postgres provides a PostgreSQL implementation of engine.Store.

PURPOSE:
  Multi-node deployments share one PostgreSQL database. Resource counters
  are protected with row locks (SELECT ... FOR UPDATE) held for the whole
  allocation transaction, so concurrent allocations against one resource are
  serialized by the database and never overcommit.

TYPES:
  Quantities are NUMERIC and scan straight into decimal.Decimal.
  Timestamps are TIMESTAMPTZ. Operator areas and specialties are TEXT[].
  Request metadata is JSONB.

MIGRATION:
  Migrate creates the schema if it does not exist. For production, use a
  proper migration tool with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions
  - store/sqlite: Single-node implementation of the same contract
*/
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/warp/relief-engine/engine"
)

// Store implements engine.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with a postgres:// URL.
func Open(url string) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewStore(db), nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const schema = `
CREATE TABLE IF NOT EXISTS zones (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	area TEXT,
	lat DOUBLE PRECISION NOT NULL,
	lng DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	requester_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	category TEXT NOT NULL,
	priority TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL,
	zone_id TEXT REFERENCES zones(id),
	lat DOUBLE PRECISION,
	lng DOUBLE PRECISION,
	area TEXT,
	requested_qty NUMERIC,
	fulfilled_qty NUMERIC,
	assigned_to TEXT,
	sla_breached BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	approved_at TIMESTAMPTZ,
	assigned_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	resolved_at TIMESTAMPTZ,
	metadata JSONB,
	CHECK ((resolved_at IS NOT NULL) = (status IN ('FULFILLED', 'RESOLVED', 'REJECTED')))
);

CREATE INDEX IF NOT EXISTS idx_requests_status_created ON requests(status, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_open_breach ON requests(created_at) WHERE NOT sla_breached;
CREATE INDEX IF NOT EXISTS idx_requests_assigned ON requests(assigned_to, status) WHERE assigned_to IS NOT NULL;

CREATE TABLE IF NOT EXISTS resources (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	lng DOUBLE PRECISION NOT NULL,
	status TEXT NOT NULL,
	total NUMERIC NOT NULL CHECK (total >= 0),
	available NUMERIC NOT NULL CHECK (available >= 0),
	reserved NUMERIC NOT NULL CHECK (reserved >= 0),
	used NUMERIC NOT NULL CHECK (used >= 0),
	max_radius_km DOUBLE PRECISION NOT NULL DEFAULT 0,
	priority_weight INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK (total = available + reserved + used)
);

CREATE INDEX IF NOT EXISTS idx_resources_category_status ON resources(category, status);

CREATE TABLE IF NOT EXISTS allocations (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL REFERENCES requests(id),
	resource_id TEXT NOT NULL REFERENCES resources(id),
	quantity NUMERIC NOT NULL CHECK (quantity > 0),
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
	travel_minutes INTEGER NOT NULL DEFAULT 0,
	actor_id TEXT NOT NULL,
	cancellation_reason TEXT,
	allocated_at TIMESTAMPTZ NOT NULL,
	dispatched_at TIMESTAMPTZ,
	delivered_at TIMESTAMPTZ,
	cancelled_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_allocations_resource ON allocations(resource_id);

CREATE TABLE IF NOT EXISTS operators (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	areas TEXT[] NOT NULL DEFAULT '{}',
	specialties TEXT[] NOT NULL DEFAULT '{}',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	suspended BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const requestColumns = `id, requester_id, kind, category, priority, description, status,
	zone_id, lat, lng, area, requested_qty, fulfilled_qty, assigned_to, sla_breached,
	created_at, updated_at, approved_at, assigned_at, started_at, resolved_at, metadata`

const resourceColumns = `id, name, category, lat, lng, status, total, available, reserved, used,
	max_radius_km, priority_weight, created_at, updated_at`

const allocationColumns = `id, request_id, resource_id, quantity, mode, status, distance_km,
	travel_minutes, actor_id, cancellation_reason, allocated_at, dispatched_at, delivered_at,
	cancelled_at, updated_at`

// =============================================================================
// SEEDING
// =============================================================================

func (s *Store) SaveRequest(ctx context.Context, r engine.Request) error {
	metadata, err := encodeJSON(r.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			description = EXCLUDED.description,
			requested_qty = EXCLUDED.requested_qty,
			fulfilled_qty = EXCLUDED.fulfilled_qty,
			assigned_to = EXCLUDED.assigned_to,
			sla_breached = EXCLUDED.sla_breached,
			updated_at = EXCLUDED.updated_at,
			approved_at = EXCLUDED.approved_at,
			assigned_at = EXCLUDED.assigned_at,
			started_at = EXCLUDED.started_at,
			resolved_at = EXCLUDED.resolved_at,
			metadata = EXCLUDED.metadata
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.RequesterID, r.Kind, r.Category, r.Priority, nullString(r.Description), r.Status,
		nullString(zoneOf(r.Location.ZoneID)), nullFloat(r.Location.Lat), nullFloat(r.Location.Lng), nullString(r.Location.Area),
		nullDecimal(r.RequestedQuantity), nullDecimal(r.FulfilledQuantity), nullString(operatorOf(r.AssignedTo)),
		r.SLABreached, r.CreatedAt, r.UpdatedAt,
		nullTime(r.ApprovedAt), nullTime(r.AssignedAt), nullTime(r.StartedAt), nullTime(r.ResolvedAt),
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	return nil
}

func (s *Store) SaveResource(ctx context.Context, r engine.Resource) error {
	if err := r.Check(); err != nil {
		return err
	}
	query := `
		INSERT INTO resources (` + resourceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			status = EXCLUDED.status,
			total = EXCLUDED.total,
			available = EXCLUDED.available,
			reserved = EXCLUDED.reserved,
			used = EXCLUDED.used,
			max_radius_km = EXCLUDED.max_radius_km,
			priority_weight = EXCLUDED.priority_weight,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Name, r.Category, r.Lat, r.Lng, r.Status,
		r.Total, r.Available, r.Reserved, r.Used,
		r.MaxRadiusKm, r.PriorityWeight, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save resource: %w", err)
	}
	return nil
}

func (s *Store) SaveZone(ctx context.Context, z engine.Zone) error {
	query := `
		INSERT INTO zones (id, name, area, lat, lng)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, area = EXCLUDED.area, lat = EXCLUDED.lat, lng = EXCLUDED.lng
	`
	if _, err := s.db.ExecContext(ctx, query, z.ID, z.Name, nullString(z.Area), z.Lat, z.Lng); err != nil {
		return fmt.Errorf("failed to save zone: %w", err)
	}
	return nil
}

func (s *Store) SaveOperator(ctx context.Context, o engine.Operator) error {
	specialties := make([]string, len(o.Specialties))
	for i, c := range o.Specialties {
		specialties[i] = string(c)
	}
	query := `
		INSERT INTO operators (id, name, areas, specialties, active, suspended, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			areas = EXCLUDED.areas,
			specialties = EXCLUDED.specialties,
			active = EXCLUDED.active,
			suspended = EXCLUDED.suspended
	`
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.Name, pq.Array(o.Areas), pq.Array(specialties), o.Active, o.Suspended, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save operator: %w", err)
	}
	return nil
}

// =============================================================================
// READS (engine.Store)
// =============================================================================

func (s *Store) GetRequest(ctx context.Context, id engine.RequestID) (*engine.Request, error) {
	return getRequest(ctx, s.db, id, false)
}

func (s *Store) GetResource(ctx context.Context, id engine.ResourceID) (*engine.Resource, error) {
	return getResource(ctx, s.db, id, false)
}

func (s *Store) GetAllocation(ctx context.Context, id engine.AllocationID) (*engine.Allocation, error) {
	return getAllocation(ctx, s.db, id)
}

func (s *Store) GetZone(ctx context.Context, id engine.ZoneID) (*engine.Zone, error) {
	var z engine.Zone
	var area sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT id, name, area, lat, lng FROM zones WHERE id = $1", id).
		Scan(&z.ID, &z.Name, &area, &z.Lat, &z.Lng)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ZoneNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get zone: %w", err)
	}
	z.Area = area.String
	return &z, nil
}

func (s *Store) FindCandidates(ctx context.Context, categories []engine.Category, minAvailable decimal.Decimal) ([]engine.Resource, error) {
	if len(categories) == 0 {
		return nil, nil
	}
	cats := make([]string, len(categories))
	for i, c := range categories {
		cats[i] = string(c)
	}

	query := `SELECT ` + resourceColumns + ` FROM resources
		WHERE status = $1 AND category = ANY($2) AND available >= $3
		ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, engine.ResourceActive, pq.Array(cats), minAvailable)
	if err != nil {
		return nil, fmt.Errorf("failed to find candidates: %w", err)
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

func (s *Store) ListPendingRequests(ctx context.Context, kind engine.RequestKind) ([]engine.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests
		WHERE kind = $1 AND status = $2
		ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, kind, engine.RequestPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
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

// =============================================================================
// GUARDED WRITES
// =============================================================================

var allocationTimestampColumn = map[engine.AllocationStatus]string{
	engine.AllocationInTransit: "dispatched_at",
	engine.AllocationDelivered: "delivered_at",
	engine.AllocationCancelled: "cancelled_at",
}

func (s *Store) TransitionAllocation(ctx context.Context, id engine.AllocationID, from, to engine.AllocationStatus, at time.Time) (bool, error) {
	probe := engine.Allocation{ID: id, Status: from}
	if err := probe.Transition(to, at); err != nil {
		return false, nil
	}
	query := `UPDATE allocations SET status = $1, updated_at = $2, ` + allocationTimestampColumn[to] + ` = $2
		WHERE id = $3 AND status = $4`
	res, err := s.db.ExecContext(ctx, query, to, at, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) UpdateRequest(ctx context.Context, r *engine.Request, expected engine.RequestStatus) error {
	return updateRequest(ctx, s.db, r, expected)
}

func updateRequest(ctx context.Context, q querier, r *engine.Request, expected engine.RequestStatus) error {
	metadata, err := encodeJSON(r.Metadata)
	if err != nil {
		return err
	}
	query := `UPDATE requests SET
			status = $1, priority = $2, description = $3, fulfilled_qty = $4, assigned_to = $5,
			updated_at = $6, approved_at = $7, assigned_at = $8, started_at = $9, resolved_at = $10,
			metadata = $11
		WHERE id = $12 AND status = $13`
	res, err := q.ExecContext(ctx, query,
		r.Status, r.Priority, nullString(r.Description), nullDecimal(r.FulfilledQuantity), nullString(operatorOf(r.AssignedTo)),
		r.UpdatedAt, nullTime(r.ApprovedAt), nullTime(r.AssignedAt), nullTime(r.StartedAt), nullTime(r.ResolvedAt),
		metadata, r.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	err = q.QueryRowContext(ctx, "SELECT TRUE FROM requests WHERE id = $1", r.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.RequestNotFound(r.ID)
	}
	if err != nil {
		return err
	}
	return engine.ErrStaleWrite
}

// =============================================================================
// ROUTING SUPPORT
// =============================================================================

func (s *Store) ActiveOperators(ctx context.Context) ([]engine.Operator, error) {
	query := `SELECT id, name, areas, specialties, active, suspended, created_at
		FROM operators WHERE active AND NOT suspended ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list operators: %w", err)
	}
	defer rows.Close()

	var out []engine.Operator
	for rows.Next() {
		var o engine.Operator
		var areas, specialties pq.StringArray
		if err := rows.Scan(&o.ID, &o.Name, &areas, &specialties, &o.Active, &o.Suspended, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Areas = []string(areas)
		for _, sp := range specialties {
			o.Specialties = append(o.Specialties, engine.Category(sp))
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) OpenCaseloads(ctx context.Context, ids []engine.OperatorID) (map[engine.OperatorID]int, error) {
	out := make(map[engine.OperatorID]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		out[id] = 0
		strIDs[i] = string(id)
	}

	query := `SELECT assigned_to, COUNT(*) FROM requests
		WHERE assigned_to = ANY($1) AND status <> ALL($2)
		GROUP BY assigned_to`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(strIDs), pq.Array(terminalStatuses()))
	if err != nil {
		return nil, fmt.Errorf("failed to count caseloads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id engine.OperatorID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// =============================================================================
// SLA SUPPORT
// =============================================================================

func (s *Store) FlagBreaches(ctx context.Context, cutoff, at time.Time) (int, error) {
	query := `UPDATE requests SET sla_breached = TRUE, updated_at = $1
		WHERE NOT sla_breached AND created_at < $2 AND status <> ALL($3)`
	return execCount(ctx, s.db, query, at, cutoff, pq.Array(terminalStatuses()))
}

func (s *Store) ClearResolvedFlags(ctx context.Context, at time.Time) (int, error) {
	query := `UPDATE requests SET sla_breached = FALSE, updated_at = $1
		WHERE sla_breached AND status = ANY($2)`
	return execCount(ctx, s.db, query, at, pq.Array(terminalStatuses()))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// If fn returns error, the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

// LockResource holds the row lock until the transaction ends.
func (ts *txStore) LockResource(ctx context.Context, id engine.ResourceID) (*engine.Resource, error) {
	return getResource(ctx, ts.tx, id, true)
}

// GetRequest locks the request row as well; a concurrent complaint or SLA
// write waits for the allocation to commit.
func (ts *txStore) GetRequest(ctx context.Context, id engine.RequestID) (*engine.Request, error) {
	return getRequest(ctx, ts.tx, id, true)
}

func (ts *txStore) GetAllocation(ctx context.Context, id engine.AllocationID) (*engine.Allocation, error) {
	return getAllocation(ctx, ts.tx, id)
}

func (ts *txStore) UpdateResource(ctx context.Context, r *engine.Resource) error {
	if err := r.Check(); err != nil {
		return err
	}
	n, err := execCount(ctx, ts.tx,
		`UPDATE resources SET status = $1, available = $2, reserved = $3, used = $4, updated_at = $5 WHERE id = $6`,
		r.Status, r.Available, r.Reserved, r.Used, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ResourceNotFound(r.ID)
	}
	return nil
}

func (ts *txStore) InsertAllocation(ctx context.Context, a *engine.Allocation) error {
	query := `INSERT INTO allocations (` + allocationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := ts.tx.ExecContext(ctx, query,
		a.ID, a.RequestID, a.ResourceID, a.Quantity, a.Mode, a.Status, a.DistanceKm,
		a.TravelMinutes, a.ActorID, nullString(a.CancellationReason), a.AllocatedAt,
		nullTime(a.DispatchedAt), nullTime(a.DeliveredAt), nullTime(a.CancelledAt), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	return nil
}

func (ts *txStore) UpdateAllocation(ctx context.Context, a *engine.Allocation) error {
	n, err := execCount(ctx, ts.tx,
		`UPDATE allocations SET status = $1, cancellation_reason = $2,
			dispatched_at = $3, delivered_at = $4, cancelled_at = $5, updated_at = $6
		WHERE id = $7`,
		a.Status, nullString(a.CancellationReason),
		nullTime(a.DispatchedAt), nullTime(a.DeliveredAt), nullTime(a.CancelledAt), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.AllocationNotFound(a.ID)
	}
	return nil
}

func (ts *txStore) UpdateRequest(ctx context.Context, r *engine.Request, expected engine.RequestStatus) error {
	return updateRequest(ctx, ts.tx, r, expected)
}

// =============================================================================
// ROW SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func getRequest(ctx context.Context, q querier, id engine.RequestID, lock bool) (*engine.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	r, err := scanRequest(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.RequestNotFound(id)
	}
	return r, err
}

func scanRequest(sc scanner) (*engine.Request, error) {
	var r engine.Request
	var description, zoneID, area, assignedTo sql.NullString
	var lat, lng sql.NullFloat64
	var requested, fulfilled decimal.NullDecimal
	var approvedAt, assignedAt, startedAt, resolvedAt sql.NullTime
	var metadata []byte

	if err := sc.Scan(
		&r.ID, &r.RequesterID, &r.Kind, &r.Category, &r.Priority, &description, &r.Status,
		&zoneID, &lat, &lng, &area, &requested, &fulfilled, &assignedTo, &r.SLABreached,
		&r.CreatedAt, &r.UpdatedAt, &approvedAt, &assignedAt, &startedAt, &resolvedAt, &metadata,
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
		r.Location.Lat, r.Location.Lng = &lat.Float64, &lng.Float64
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
	r.ApprovedAt = timePtr(approvedAt)
	r.AssignedAt = timePtr(assignedAt)
	r.StartedAt = timePtr(startedAt)
	r.ResolvedAt = timePtr(resolvedAt)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("request %s metadata: %w", r.ID, err)
		}
	}
	return &r, nil
}

func getResource(ctx context.Context, q querier, id engine.ResourceID, lock bool) (*engine.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	r, err := scanResource(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ResourceNotFound(id)
	}
	return r, err
}

func scanResource(sc scanner) (*engine.Resource, error) {
	var r engine.Resource
	if err := sc.Scan(
		&r.ID, &r.Name, &r.Category, &r.Lat, &r.Lng, &r.Status,
		&r.Total, &r.Available, &r.Reserved, &r.Used,
		&r.MaxRadiusKm, &r.PriorityWeight, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func getAllocation(ctx context.Context, q querier, id engine.AllocationID) (*engine.Allocation, error) {
	var a engine.Allocation
	var reason sql.NullString
	var dispatchedAt, deliveredAt, cancelledAt sql.NullTime
	err := q.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = $1`, id).Scan(
		&a.ID, &a.RequestID, &a.ResourceID, &a.Quantity, &a.Mode, &a.Status, &a.DistanceKm,
		&a.TravelMinutes, &a.ActorID, &reason, &a.AllocatedAt, &dispatchedAt, &deliveredAt,
		&cancelledAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.AllocationNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	a.CancellationReason = reason.String
	a.DispatchedAt = timePtr(dispatchedAt)
	a.DeliveredAt = timePtr(deliveredAt)
	a.CancelledAt = timePtr(cancelledAt)
	return &a, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func execCount(ctx context.Context, q querier, query string, args ...any) (int, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func terminalStatuses() []string {
	out := make([]string, len(engine.TerminalRequestStatuses))
	for i, s := range engine.TerminalRequestStatuses {
		out[i] = string(s)
	}
	return out
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

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func zoneOf(id *engine.ZoneID) string {
	if id == nil {
		return ""
	}
	return string(*id)
}

func operatorOf(id *engine.OperatorID) string {
	if id == nil {
		return ""
	}
	return string(*id)
}

func encodeJSON(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

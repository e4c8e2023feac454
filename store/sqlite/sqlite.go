/*
Package sqlite provides a SQLite-backed implementation of engine.Store.

PURPOSE:
  Persists requests, resources, allocations, zones and operators for a
  single-node deployment. The Postgres store implements the same contract
  for multi-node deployments.

INTERFACES IMPLEMENTED:
  engine.Store:       Reads, guarded writes, transactions
  engine.Tx:          Locked read-modify-write of resource counters
  routing.Directory:  Active operators
  routing.Caseloads:  Open caseload counts
  routing.CaseStore:  Guarded complaint writes
  sla.Store:          Bulk flag / clear

KEY TABLES:
  requests:     Resource requests and complaints (one table, two lifecycles)
  resources:    Stock with total/available/reserved/used counters
  allocations:  Request-to-resource reservations
  zones:        Named locations requests may reference
  operators:    Read-only copy of the operator directory

LOCKING:
  SQLite has no row locks. Transactions start with BEGIN IMMEDIATE
  (_txlock=immediate), which takes the database write lock up front, so a
  transaction that reads a resource holds it until commit. The pool is
  limited to one connection and WithTx holds the store mutex, so reads
  outside a transaction wait for it to finish.

TIME FORMAT:
  Timestamps are stored as UTC TEXT in a fixed-width layout so that string
  comparison in SQL matches chronological order.

QUANTITIES:
  Stored as decimal TEXT. Comparisons on quantities happen in Go.

USAGE:
  store, err := sqlite.New("./data/relief.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
  - store/postgres: Same contract on PostgreSQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/relief-engine/engine"
)

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and the
	// write lock is per database anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS zones (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		area TEXT,
		lat REAL NOT NULL,
		lng REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		requester_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		category TEXT NOT NULL,
		priority TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		zone_id TEXT,
		lat REAL,
		lng REAL,
		area TEXT,
		requested_qty TEXT,
		fulfilled_qty TEXT,
		assigned_to TEXT,
		sla_breached INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		approved_at TEXT,
		assigned_at TEXT,
		started_at TEXT,
		resolved_at TEXT,
		metadata_json TEXT,
		-- resolved_at is set exactly when the status is terminal
		CHECK ((resolved_at IS NOT NULL) = (status IN ('FULFILLED', 'RESOLVED', 'REJECTED')))
	);

	-- Pending queue and SLA sweep
	CREATE INDEX IF NOT EXISTS idx_requests_status_created
		ON requests(status, created_at);

	-- Caseload counts
	CREATE INDEX IF NOT EXISTS idx_requests_assigned
		ON requests(assigned_to, status) WHERE assigned_to IS NOT NULL;

	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		status TEXT NOT NULL,
		total TEXT NOT NULL,
		available TEXT NOT NULL,
		reserved TEXT NOT NULL,
		used TEXT NOT NULL,
		max_radius_km REAL NOT NULL DEFAULT 0,
		priority_weight INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Candidate search (hot path)
	CREATE INDEX IF NOT EXISTS idx_resources_category_status
		ON resources(category, status);

	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES requests(id),
		resource_id TEXT NOT NULL REFERENCES resources(id),
		quantity TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		distance_km REAL NOT NULL DEFAULT 0,
		travel_minutes INTEGER NOT NULL DEFAULT 0,
		actor_id TEXT NOT NULL,
		cancellation_reason TEXT,
		allocated_at TEXT NOT NULL,
		dispatched_at TEXT,
		delivered_at TEXT,
		cancelled_at TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_resource
		ON allocations(resource_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_request
		ON allocations(request_id);

	CREATE TABLE IF NOT EXISTS operators (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		areas_json TEXT NOT NULL DEFAULT '[]',
		specialties_json TEXT NOT NULL DEFAULT '[]',
		active INTEGER NOT NULL DEFAULT 1,
		suspended INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// SEEDING
// =============================================================================

// SaveRequest inserts or replaces a request.
func (s *Store) SaveRequest(ctx context.Context, r engine.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadata, err := encodeJSON(r.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO requests (` + requestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			requester_id = excluded.requester_id,
			kind = excluded.kind,
			category = excluded.category,
			priority = excluded.priority,
			description = excluded.description,
			status = excluded.status,
			zone_id = excluded.zone_id,
			lat = excluded.lat,
			lng = excluded.lng,
			area = excluded.area,
			requested_qty = excluded.requested_qty,
			fulfilled_qty = excluded.fulfilled_qty,
			assigned_to = excluded.assigned_to,
			sla_breached = excluded.sla_breached,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			approved_at = excluded.approved_at,
			assigned_at = excluded.assigned_at,
			started_at = excluded.started_at,
			resolved_at = excluded.resolved_at,
			metadata_json = excluded.metadata_json
	`

	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.RequesterID, r.Kind, r.Category, r.Priority, nullString(r.Description), r.Status,
		nullZone(r.Location.ZoneID), nullFloat(r.Location.Lat), nullFloat(r.Location.Lng), nullString(r.Location.Area),
		nullDecimal(r.RequestedQuantity), nullDecimal(r.FulfilledQuantity), nullOperator(r.AssignedTo),
		r.SLABreached, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
		nullTime(r.ApprovedAt), nullTime(r.AssignedAt), nullTime(r.StartedAt), nullTime(r.ResolvedAt),
		metadata,
	)
	return err
}

// SaveResource inserts or replaces a resource after checking its counters.
func (s *Store) SaveResource(ctx context.Context, r engine.Resource) error {
	if err := r.Check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO resources (` + resourceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			lat = excluded.lat,
			lng = excluded.lng,
			status = excluded.status,
			total = excluded.total,
			available = excluded.available,
			reserved = excluded.reserved,
			used = excluded.used,
			max_radius_km = excluded.max_radius_km,
			priority_weight = excluded.priority_weight,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Name, r.Category, r.Lat, r.Lng, r.Status,
		r.Total, r.Available, r.Reserved, r.Used,
		r.MaxRadiusKm, r.PriorityWeight, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	return err
}

// SaveZone inserts or replaces a zone.
func (s *Store) SaveZone(ctx context.Context, z engine.Zone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO zones (id, name, area, lat, lng)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			area = excluded.area,
			lat = excluded.lat,
			lng = excluded.lng
	`
	_, err := s.db.ExecContext(ctx, query, z.ID, z.Name, nullString(z.Area), z.Lat, z.Lng)
	return err
}

// SaveOperator inserts or replaces an operator record from the directory.
func (s *Store) SaveOperator(ctx context.Context, o engine.Operator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	areas, err := encodeJSON(o.Areas)
	if err != nil {
		return err
	}
	specialties, err := encodeJSON(o.Specialties)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO operators (id, name, areas_json, specialties_json, active, suspended, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			areas_json = excluded.areas_json,
			specialties_json = excluded.specialties_json,
			active = excluded.active,
			suspended = excluded.suspended
	`
	_, err = s.db.ExecContext(ctx, query,
		o.ID, o.Name, areas.String, specialties.String, o.Active, o.Suspended, formatTime(o.CreatedAt),
	)
	return err
}

// =============================================================================
// READS (engine.Store)
// =============================================================================

func (s *Store) GetRequest(ctx context.Context, id engine.RequestID) (*engine.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRequest(ctx, s.db, id)
}

func (s *Store) GetResource(ctx context.Context, id engine.ResourceID) (*engine.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getResource(ctx, s.db, id)
}

func (s *Store) GetAllocation(ctx context.Context, id engine.AllocationID) (*engine.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAllocation(ctx, s.db, id)
}

func (s *Store) GetZone(ctx context.Context, id engine.ZoneID) (*engine.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var z engine.Zone
	var area sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, name, area, lat, lng FROM zones WHERE id = ?`, id).
		Scan(&z.ID, &z.Name, &area, &z.Lat, &z.Lng)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ZoneNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	z.Area = area.String
	return &z, nil
}

// FindCandidates filters on status and category in SQL and on quantity in Go.
func (s *Store) FindCandidates(ctx context.Context, categories []engine.Category, minAvailable decimal.Decimal) ([]engine.Resource, error) {
	if len(categories) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	args := make([]any, 0, len(categories)+1)
	args = append(args, engine.ResourceActive)
	for _, c := range categories {
		args = append(args, c)
	}

	query := `
		SELECT ` + resourceColumns + `
		FROM resources
		WHERE status = ? AND category IN (` + placeholders(len(categories)) + `)
		ORDER BY id
	`

	all, err := queryResources(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.Available.GreaterThanOrEqual(minAvailable) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ListPendingRequests(ctx context.Context, kind engine.RequestKind) ([]engine.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + requestColumns + `
		FROM requests
		WHERE kind = ? AND status = ?
		ORDER BY created_at ASC, id ASC
	`
	return queryRequests(ctx, s.db, query, kind, engine.RequestPending)
}

// ListAllocationsByResource returns every allocation against a resource.
func (s *Store) ListAllocationsByResource(ctx context.Context, id engine.ResourceID) ([]engine.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + allocationColumns + `
		FROM allocations
		WHERE resource_id = ?
		ORDER BY allocated_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
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

// TransitionAllocation updates the status only if it still equals from.
func (s *Store) TransitionAllocation(ctx context.Context, id engine.AllocationID, from, to engine.AllocationStatus, at time.Time) (bool, error) {
	probe := engine.Allocation{ID: id, Status: from}
	if err := probe.Transition(to, at); err != nil {
		return false, nil
	}
	column := allocationTimestampColumn[to]

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE allocations SET status = ?, updated_at = ?, ` + column + ` = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query, to, formatTime(at), formatTime(at), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateRequest writes r if the stored status still equals expected.
func (s *Store) UpdateRequest(ctx context.Context, r *engine.Request, expected engine.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateRequest(ctx, s.db, r, expected)
}

func updateRequest(ctx context.Context, q querier, r *engine.Request, expected engine.RequestStatus) error {
	metadata, err := encodeJSON(r.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE requests SET
			status = ?, priority = ?, description = ?,
			fulfilled_qty = ?, assigned_to = ?,
			updated_at = ?, approved_at = ?, assigned_at = ?, started_at = ?, resolved_at = ?,
			metadata_json = ?
		WHERE id = ? AND status = ?
	`
	res, err := q.ExecContext(ctx, query,
		r.Status, r.Priority, nullString(r.Description),
		nullDecimal(r.FulfilledQuantity), nullOperator(r.AssignedTo),
		formatTime(r.UpdatedAt), nullTime(r.ApprovedAt), nullTime(r.AssignedAt), nullTime(r.StartedAt), nullTime(r.ResolvedAt),
		metadata,
		r.ID, expected,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM requests WHERE id = ?`, r.ID).Scan(&exists)
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

// ActiveOperators returns operators that are active and not suspended.
func (s *Store) ActiveOperators(ctx context.Context) ([]engine.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, name, areas_json, specialties_json, active, suspended, created_at
		FROM operators
		WHERE active = 1 AND suspended = 0
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Operator
	for rows.Next() {
		var o engine.Operator
		var areas, specialties, createdAt string
		if err := rows.Scan(&o.ID, &o.Name, &areas, &specialties, &o.Active, &o.Suspended, &createdAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(areas, &o.Areas); err != nil {
			return nil, fmt.Errorf("operator %s areas: %w", o.ID, err)
		}
		if err := decodeJSON(specialties, &o.Specialties); err != nil {
			return nil, fmt.Errorf("operator %s specialties: %w", o.ID, err)
		}
		if o.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OpenCaseloads counts non-terminal requests assigned to each operator.
func (s *Store) OpenCaseloads(ctx context.Context, ids []engine.OperatorID) (map[engine.OperatorID]int, error) {
	out := make(map[engine.OperatorID]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	for _, id := range ids {
		out[id] = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	args := make([]any, 0, len(ids)+len(engine.TerminalRequestStatuses))
	for _, id := range ids {
		args = append(args, id)
	}
	for _, st := range engine.TerminalRequestStatuses {
		args = append(args, st)
	}

	query := `
		SELECT assigned_to, COUNT(*)
		FROM requests
		WHERE assigned_to IN (` + placeholders(len(ids)) + `)
			AND status NOT IN (` + placeholders(len(engine.TerminalRequestStatuses)) + `)
		GROUP BY assigned_to
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
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

// FlagBreaches flags non-terminal, unflagged requests created before cutoff.
func (s *Store) FlagBreaches(ctx context.Context, cutoff, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := []any{formatTime(at), formatTime(cutoff)}
	for _, st := range engine.TerminalRequestStatuses {
		args = append(args, st)
	}
	query := `
		UPDATE requests SET sla_breached = 1, updated_at = ?
		WHERE sla_breached = 0
			AND created_at < ?
			AND status NOT IN (` + placeholders(len(engine.TerminalRequestStatuses)) + `)
	`
	return execCount(ctx, s.db, query, args...)
}

// ClearResolvedFlags clears the flag on terminal requests.
func (s *Store) ClearResolvedFlags(ctx context.Context, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := []any{formatTime(at)}
	for _, st := range engine.TerminalRequestStatuses {
		args = append(args, st)
	}
	query := `
		UPDATE requests SET sla_breached = 0, updated_at = ?
		WHERE sla_breached = 1
			AND status IN (` + placeholders(len(engine.TerminalRequestStatuses)) + `)
	`
	return execCount(ctx, s.db, query, args...)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// If fn returns error, the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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

// txStore must only touch tx: the pool has a single connection.
type txStore struct {
	tx *sql.Tx
}

// LockResource reads the resource. The IMMEDIATE transaction already holds
// the database write lock.
func (ts *txStore) LockResource(ctx context.Context, id engine.ResourceID) (*engine.Resource, error) {
	return getResource(ctx, ts.tx, id)
}

func (ts *txStore) GetRequest(ctx context.Context, id engine.RequestID) (*engine.Request, error) {
	return getRequest(ctx, ts.tx, id)
}

func (ts *txStore) GetAllocation(ctx context.Context, id engine.AllocationID) (*engine.Allocation, error) {
	return getAllocation(ctx, ts.tx, id)
}

func (ts *txStore) UpdateResource(ctx context.Context, r *engine.Resource) error {
	if err := r.Check(); err != nil {
		return err
	}
	query := `
		UPDATE resources SET status = ?, available = ?, reserved = ?, used = ?, updated_at = ?
		WHERE id = ?
	`
	n, err := execCount(ctx, ts.tx, query, r.Status, r.Available, r.Reserved, r.Used, formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ResourceNotFound(r.ID)
	}
	return nil
}

func (ts *txStore) InsertAllocation(ctx context.Context, a *engine.Allocation) error {
	query := `
		INSERT INTO allocations (` + allocationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query, allocationArgs(a)...)
	return err
}

func (ts *txStore) UpdateAllocation(ctx context.Context, a *engine.Allocation) error {
	query := `
		UPDATE allocations SET
			status = ?, cancellation_reason = ?,
			dispatched_at = ?, delivered_at = ?, cancelled_at = ?, updated_at = ?
		WHERE id = ?
	`
	n, err := execCount(ctx, ts.tx, query,
		a.Status, nullString(a.CancellationReason),
		nullTime(a.DispatchedAt), nullTime(a.DeliveredAt), nullTime(a.CancelledAt), formatTime(a.UpdatedAt),
		a.ID,
	)
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

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

/*
store.go - Persistence contracts for the allocation engine

PURPOSE:
  Defines the interface between the engine and the relational store. The
  matcher only reads; the allocation manager writes inside WithTx with the
  resource row locked.

KEY INTERFACES:
  Store: Reads used by the matcher and services, plus WithTx
  Tx:    The view handed to a transaction function

LOCKING CONTRACT:
  Tx.LockResource must hold the resource row until the transaction ends
  (SELECT ... FOR UPDATE on Postgres, a write transaction on SQLite, the
  store mutex in memory). Two transactions locking the same resource are
  serialized; there is no ordering across different resources.

ERRORS:
  Implementations return the engine's NotFound errors for missing rows and
  ErrStaleWrite for guarded writes that matched no row. Any other error is
  treated as a store failure and wrapped in a TransactionError.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory, for tests and local runs
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL with row locks

SEE ALSO:
  - manager.go: The only caller of WithTx
*/
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store handles persistence of requests, resources and allocations.
type Store interface {
	GetRequest(ctx context.Context, id RequestID) (*Request, error)
	GetResource(ctx context.Context, id ResourceID) (*Resource, error)
	GetAllocation(ctx context.Context, id AllocationID) (*Allocation, error)
	GetZone(ctx context.Context, id ZoneID) (*Zone, error)

	// FindCandidates returns ACTIVE resources in one of the categories whose
	// available quantity is at least minAvailable. Order is unspecified.
	FindCandidates(ctx context.Context, categories []Category, minAvailable decimal.Decimal) ([]Resource, error)

	// ListPendingRequests returns PENDING requests of a kind.
	ListPendingRequests(ctx context.Context, kind RequestKind) ([]Request, error)

	// TransitionAllocation is a guarded single-row status write: it succeeds
	// only when the current status equals from. Returns false when no row
	// matched.
	TransitionAllocation(ctx context.Context, id AllocationID, from, to AllocationStatus, at time.Time) (bool, error)

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional view of the store.
type Tx interface {
	// LockResource reads the resource and holds its row lock until commit.
	LockResource(ctx context.Context, id ResourceID) (*Resource, error)

	GetRequest(ctx context.Context, id RequestID) (*Request, error)
	GetAllocation(ctx context.Context, id AllocationID) (*Allocation, error)

	UpdateResource(ctx context.Context, r *Resource) error
	InsertAllocation(ctx context.Context, a *Allocation) error
	UpdateAllocation(ctx context.Context, a *Allocation) error

	// UpdateRequest writes r if the stored status still equals expected,
	// otherwise ErrStaleWrite.
	UpdateRequest(ctx context.Context, r *Request, expected RequestStatus) error
}

package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/relief-engine/audit"
	"github.com/warp/relief-engine/engine"
	"github.com/warp/relief-engine/engine/store"
)

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestAllocateThenCancel_RestoresCounters(t *testing.T) {
	// GIVEN: 10 units of water and a request for 4
	f := newFixture(t)
	f.addResource(t, resource("water-1", engine.CategoryWater, originLat, originLng, 10))
	f.addRequest(t, pendingRequest("req-1", engine.CategoryWater, 4))

	// WHEN: auto-allocating
	alloc, err := f.svc.AllocateAuto(f.ctx, "req-1")
	require.NoError(t, err)

	// THEN: 4 units are reserved and the request is approved
	assert.Equal(t, engine.AllocationAllocated, alloc.Status)
	assert.Equal(t, engine.ModeAuto, alloc.Mode)
	assert.Equal(t, engine.SystemActor, alloc.ActorID)
	requireCounters(t, f.resource(t, "water-1"), 6, 4, 0)
	req := f.request(t, "req-1")
	assert.Equal(t, engine.RequestApproved, req.Status)
	assert.NotNil(t, req.ApprovedAt)
	assert.True(t, req.CheckTimestamps())

	// WHEN: cancelling
	cancelled, err := f.svc.CancelAllocation(f.ctx, alloc.ID, "coordinator-1", "road closed")
	require.NoError(t, err)

	// THEN: counters are exactly as before and the request is pending again
	assert.Equal(t, engine.AllocationCancelled, cancelled.Status)
	assert.Equal(t, "road closed", cancelled.CancellationReason)
	assert.NotNil(t, cancelled.CancelledAt)
	requireCounters(t, f.resource(t, "water-1"), 10, 0, 0)
	req = f.request(t, "req-1")
	assert.Equal(t, engine.RequestPending, req.Status)
	assert.Nil(t, req.ApprovedAt)
	assert.Nil(t, req.ResolvedAt)

	assert.Equal(t, []audit.Action{audit.ActionAllocated, audit.ActionCancelled}, f.audit.Actions())
}

func TestAllocateDispatchDeliver_MovesReservedToUsed(t *testing.T) {
	f := newFixture(t)
	f.addResource(t, resource("med-1", engine.CategoryMedical, originLat, originLng, 10))
	f.addRequest(t, pendingRequest("req-1", engine.CategoryMedical, 3))

	alloc, err := f.svc.AllocateAuto(f.ctx, "req-1")
	require.NoError(t, err)

	dispatched, err := f.svc.DispatchAllocation(f.ctx, alloc.ID, "driver-7")
	require.NoError(t, err)
	assert.Equal(t, engine.AllocationInTransit, dispatched.Status)
	assert.NotNil(t, dispatched.DispatchedAt)
	requireCounters(t, f.resource(t, "med-1"), 7, 3, 0)

	delivered, err := f.svc.MarkDelivered(f.ctx, alloc.ID, "driver-7")
	require.NoError(t, err)
	assert.Equal(t, engine.AllocationDelivered, delivered.Status)

	res := f.resource(t, "med-1")
	requireCounters(t, res, 7, 0, 3)
	assert.True(t, res.Total.Equal(qty(10)), "total must not change")

	req := f.request(t, "req-1")
	assert.Equal(t, engine.RequestFulfilled, req.Status)
	require.NotNil(t, req.FulfilledQuantity)
	assert.True(t, req.FulfilledQuantity.Equal(qty(3)))
	assert.NotNil(t, req.ResolvedAt)
	assert.True(t, req.CheckTimestamps())

	assert.Equal(t, []audit.Action{audit.ActionAllocated, audit.ActionDispatched, audit.ActionDelivered}, f.audit.Actions())
}

func TestCancelInTransit(t *testing.T) {
	f := newFixture(t)
	f.addResource(t, resource("food-1", engine.CategoryFood, originLat, originLng, 5))
	f.addRequest(t, pendingRequest("req-1", engine.CategoryFood, 5))

	alloc, err := f.svc.AllocateAuto(f.ctx, "req-1")
	require.NoError(t, err)
	_, err = f.svc.DispatchAllocation(f.ctx, alloc.ID, "driver-1")
	require.NoError(t, err)

	_, err = f.svc.CancelAllocation(f.ctx, alloc.ID, "driver-1", "vehicle broke down")
	require.NoError(t, err)
	requireCounters(t, f.resource(t, "food-1"), 5, 0, 0)
}

// =============================================================================
// ILLEGAL TRANSITIONS
// =============================================================================

func TestCancel_TerminalStates(t *testing.T) {
	f := newFixture(t)
	f.addResource(t, resource("food-1", engine.CategoryFood, originLat, originLng, 10))
	f.addRequest(t, pendingRequest("req-1", engine.CategoryFood, 1))
	f.addRequest(t, pendingRequest("req-2", engine.CategoryFood, 1))

	delivered, err := f.svc.AllocateAuto(f.ctx, "req-1")
	require.NoError(t, err)
	_, err = f.svc.DispatchAllocation(f.ctx, delivered.ID, "d")
	require.NoError(t, err)
	_, err = f.svc.MarkDelivered(f.ctx, delivered.ID, "d")
	require.NoError(t, err)

	cancelled, err := f.svc.AllocateAuto(f.ctx, "req-2")
	require.NoError(t, err)
	_, err = f.svc.CancelAllocation(f.ctx, cancelled.ID, "c", "duplicate")
	require.NoError(t, err)

	before := f.resource(t, "food-1")

	_, err = f.svc.CancelAllocation(f.ctx, delivered.ID, "c", "too late")
	assert.ErrorIs(t, err, engine.ErrAlreadyDelivered)
	assert.ErrorIs(t, err, engine.ErrConflict)

	_, err = f.svc.CancelAllocation(f.ctx, cancelled.ID, "c", "again")
	assert.ErrorIs(t, err, engine.ErrAlreadyCancelled)

	_, err = f.svc.MarkDelivered(f.ctx, cancelled.ID, "d")
	assert.ErrorIs(t, err, engine.ErrAlreadyCancelled)

	_, err = f.svc.DispatchAllocation(f.ctx, delivered.ID, "d")
	assert.ErrorIs(t, err, engine.ErrAlreadyDelivered)

	// Nothing moved.
	after := f.resource(t, "food-1")
	assert.True(t, before.Available.Equal(after.Available))
	assert.True(t, before.Used.Equal(after.Used))
	requireCounters(t, after, 9, 0, 1)
}

func TestMarkDelivered_RequiresDispatch(t *testing.T) {
	f := newFixture(t)
	f.addResource(t, resource("food-1", engine.CategoryFood, originLat, originLng, 10))
	f.addRequest(t, pendingRequest("req-1", engine.CategoryFood, 2))

	alloc, err := f.svc.AllocateAuto(f.ctx, "req-1")
	require.NoError(t, err)

	_, err = f.svc.MarkDelivered(f.ctx, alloc.ID, "d")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
	requireCounters(t, f.resource(t, "food-1"), 8, 2, 0)
}

func TestDispatch_Guarded(t *testing.T) {
	f := newFixture(t)
	f.addResource(t, resource("food-1", engine.CategoryFood, originLat, originLng, 10))
	f.addRequest(t, pendingRequest("req-1", engine.CategoryFood, 2))

	alloc, err := f.svc.AllocateAuto(f.ctx, "req-1")
	require.NoError(t, err)

	_, err = f.svc.DispatchAllocation(f.ctx, alloc.ID, "d")
	require.NoError(t, err)
	_, err = f.svc.DispatchAllocation(f.ctx, alloc.ID, "d")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	_, err = f.svc.DispatchAllocation(f.ctx, "missing", "d")
	assert.ErrorIs(t, err, engine.ErrAllocationNotFound)
	assert.True(t, engine.IsNotFound(err))
}

func TestAllocate_SameRequestTwice(t *testing.T) {
	f := newFixture(t)
	f.addResource(t, resource("food-1", engine.CategoryFood, originLat, originLng, 10))
	f.addRequest(t, pendingRequest("req-1", engine.CategoryFood, 2))

	_, err := f.svc.AllocateAuto(f.ctx, "req-1")
	require.NoError(t, err)

	_, err = f.svc.AllocateManual(f.ctx, "req-1", "food-1", "coordinator-1")
	assert.ErrorIs(t, err, engine.ErrRequestNotPending)
	requireCounters(t, f.resource(t, "food-1"), 8, 2, 0)
}

// =============================================================================
// RE-VALIDATION UNDER LOCK
// =============================================================================

func TestAllocate_RecheckUnderLock(t *testing.T) {
	// GIVEN: the matcher chose a resource
	// WHEN: the resource changes before Allocate runs
	// THEN: the manager notices instead of trusting the match
	f := newFixture(t)
	f.addResource(t, resource("food-1", engine.CategoryFood, originLat, originLng, 10))
	f.addRequest(t, pendingRequest("req-1", engine.CategoryFood, 6))

	best, err := f.svc.Matcher.Match(f.ctx, f.request(t, "req-1"))
	require.NoError(t, err)
	in := engine.AllocateInput{
		RequestID: "req-1", ResourceID: best.Resource.ID,
		Mode: engine.ModeAuto, ActorID: engine.SystemActor,
	}

	// Stock drops to 5.
	shrunk := resource("food-1", engine.CategoryFood, originLat, originLng, 5)
	f.addResource(t, shrunk)
	_, err = f.svc.Manager.Allocate(f.ctx, in)
	assert.ErrorIs(t, err, engine.ErrInsufficientQuantity)
	var short *engine.InsufficientQuantityError
	require.ErrorAs(t, err, &short)
	assert.True(t, short.Available.Equal(qty(5)))

	// Resource goes into maintenance.
	maint := resource("food-1", engine.CategoryFood, originLat, originLng, 10)
	maint.Status = engine.ResourceMaintenance
	f.addResource(t, maint)
	_, err = f.svc.Manager.Allocate(f.ctx, in)
	assert.ErrorIs(t, err, engine.ErrResourceUnavailable)

	assert.Equal(t, engine.RequestPending, f.request(t, "req-1").Status)
	assert.Empty(t, f.audit.Events(), "failed attempts emit nothing")
}

func TestAllocateManual(t *testing.T) {
	f := newFixture(t)
	// Outside the service radius: manual allocation ignores it.
	far := resource("food-far", engine.CategoryFood, originLat+0.5, originLng, 10)
	far.MaxRadiusKm = 5
	f.addResource(t, far)
	f.addResource(t, resource("water-1", engine.CategoryWater, originLat, originLng, 10))
	f.addRequest(t, pendingRequest("req-1", engine.CategoryFood, 2))

	_, err := f.svc.AllocateManual(f.ctx, "req-1", "water-1", "coordinator-1")
	assert.ErrorIs(t, err, engine.ErrNoCategoryMatch)

	_, err = f.svc.AllocateManual(f.ctx, "req-1", "food-far", "")
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = f.svc.AllocateManual(f.ctx, "req-1", "ghost", "coordinator-1")
	assert.ErrorIs(t, err, engine.ErrResourceNotFound)

	alloc, err := f.svc.AllocateManual(f.ctx, "req-1", "food-far", "coordinator-1")
	require.NoError(t, err)
	assert.Equal(t, engine.ModeManual, alloc.Mode)
	assert.Equal(t, "coordinator-1", alloc.ActorID)
	assert.InDelta(t, 55.6, alloc.DistanceKm, 0.5)
	assert.Greater(t, alloc.TravelMinutes, 100)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestAllocateAuto_ConcurrentExactFit(t *testing.T) {
	// GIVEN: one resource with exactly one request's worth of stock
	// WHEN: two requests allocate at the same time
	// THEN: exactly one succeeds, the other gets a conflict
	for round := 0; round < 25; round++ {
		f := newFixture(t)
		f.addResource(t, resource("water-1", engine.CategoryWater, originLat, originLng, 5))
		f.addRequest(t, pendingRequest("req-a", engine.CategoryWater, 5))
		f.addRequest(t, pendingRequest("req-b", engine.CategoryWater, 5))

		start := make(chan struct{})
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i, id := range []engine.RequestID{"req-a", "req-b"} {
			wg.Add(1)
			go func(i int, id engine.RequestID) {
				defer wg.Done()
				<-start
				_, errs[i] = f.svc.AllocateAuto(context.Background(), id)
			}(i, id)
		}
		close(start)
		wg.Wait()

		ok, conflicts := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case engine.IsConflict(err):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, ok, "round %d", round)
		require.Equal(t, 1, conflicts, "round %d", round)
		requireCounters(t, f.resource(t, "water-1"), 0, 5, 0)
	}
}

func TestAllocate_ConcurrentNeverOvercommits(t *testing.T) {
	f := newFixture(t)
	f.addResource(t, resource("food-1", engine.CategoryFood, originLat, originLng, 10))
	const n = 30
	for i := 0; i < n; i++ {
		f.addRequest(t, pendingRequest(string(reqID(i)), engine.CategoryFood, 1))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.AllocateManual(context.Background(), reqID(i), "food-1", "coordinator"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	res := f.resource(t, "food-1")
	requireCounters(t, res, 0, 10, 0)

	// Live allocations agree with the counters.
	allocs, err := f.store.ListAllocationsByResource(f.ctx, "food-1")
	require.NoError(t, err)
	live := qty(0)
	for _, a := range allocs {
		if !a.Status.IsTerminal() {
			live = live.Add(a.Quantity)
		}
	}
	assert.True(t, live.Equal(res.Reserved))
}

func reqID(i int) engine.RequestID {
	return engine.RequestID("req-" + string(rune('a'+i/10)) + string(rune('0'+i%10)))
}

// =============================================================================
// ROLLBACK
// =============================================================================

var errDiskFull = errors.New("disk full")

// failingStore breaks the last write of every transaction.
type failingStore struct {
	*store.Memory
}

func (s *failingStore) WithTx(ctx context.Context, fn func(engine.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx engine.Tx) error {
		return fn(&failingTx{Tx: tx})
	})
}

type failingTx struct {
	engine.Tx
}

func (t *failingTx) UpdateRequest(context.Context, *engine.Request, engine.RequestStatus) error {
	return errDiskFull
}

func TestAllocate_StoreFailureRollsBack(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.SaveResource(ctx, resource("food-1", engine.CategoryFood, originLat, originLng, 10)))
	require.NoError(t, mem.SaveRequest(ctx, pendingRequest("req-1", engine.CategoryFood, 4)))

	rec := &audit.Recorder{}
	svc := engine.NewService(&failingStore{Memory: mem}, nil, rec, nil, quietLog())

	_, err := svc.AllocateAuto(ctx, "req-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrTransaction)
	assert.NotErrorIs(t, err, errDiskFull, "driver errors stay out of the chain")
	var txErr *engine.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, errDiskFull, txErr.Cause)

	res, err := mem.GetResource(ctx, "food-1")
	require.NoError(t, err)
	requireCounters(t, res, 10, 0, 0)
	allocs, err := mem.ListAllocationsByResource(ctx, "food-1")
	require.NoError(t, err)
	assert.Empty(t, allocs)
	assert.Empty(t, rec.Events())
}

// =============================================================================
// BATCH & REJECTION
// =============================================================================

func TestAllocatePending_MostUrgentFirst(t *testing.T) {
	f := newFixture(t)
	f.addResource(t, resource("food-1", engine.CategoryFood, originLat, originLng, 2))

	low := pendingRequest("req-low", engine.CategoryFood, 1)
	low.Priority = engine.PriorityLow
	low.CreatedAt = t0.AddDate(0, 0, -2)
	emergency := pendingRequest("req-emergency", engine.CategoryFood, 1)
	emergency.Priority = engine.PriorityEmergency
	high := pendingRequest("req-high", engine.CategoryFood, 1)
	high.Priority = engine.PriorityHigh
	for _, r := range []engine.Request{low, emergency, high} {
		f.addRequest(t, r)
	}

	res, err := f.svc.AllocatePending(f.ctx, 0)
	require.NoError(t, err)
	require.Len(t, res.Allocated, 2)
	assert.Equal(t, engine.RequestID("req-emergency"), res.Allocated[0].RequestID)
	assert.Equal(t, engine.RequestID("req-high"), res.Allocated[1].RequestID)
	assert.Equal(t, engine.ModeSystem, res.Allocated[0].Mode)
	require.Contains(t, res.Failed, engine.RequestID("req-low"))
	assert.True(t, engine.IsConflict(res.Failed["req-low"]))
}

func TestRejectRequest(t *testing.T) {
	f := newFixture(t)
	f.addRequest(t, pendingRequest("req-1", engine.CategoryFood, 1))

	_, err := f.svc.RejectRequest(f.ctx, "req-1", "coordinator", "  ")
	assert.ErrorIs(t, err, engine.ErrValidation)

	req, err := f.svc.RejectRequest(f.ctx, "req-1", "coordinator", "duplicate of req-0")
	require.NoError(t, err)
	assert.Equal(t, engine.RequestRejected, req.Status)
	assert.Equal(t, "duplicate of req-0", f.request(t, "req-1").Metadata["rejection_reason"])
	assert.NotNil(t, f.request(t, "req-1").ResolvedAt)

	_, err = f.svc.RejectRequest(f.ctx, "req-1", "coordinator", "again")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

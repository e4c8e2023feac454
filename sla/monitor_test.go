package sla_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/relief-engine/engine"
	"github.com/warp/relief-engine/engine/store"
	"github.com/warp/relief-engine/metrics"
	"github.com/warp/relief-engine/sla"
)

var now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func seed(t *testing.T, mem *store.Memory, id string, status engine.RequestStatus, age time.Duration, flagged bool) {
	t.Helper()
	created := now.Add(-age)
	r := engine.Request{
		ID:          engine.RequestID(id),
		Kind:        engine.KindResource,
		Category:    engine.CategoryFood,
		Priority:    engine.PriorityMedium,
		Status:      status,
		SLABreached: flagged,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	if status.IsTerminal() {
		r.ResolvedAt = &created
	}
	require.NoError(t, mem.SaveRequest(context.Background(), r))
}

func flagOf(t *testing.T, mem *store.Memory, id string) bool {
	t.Helper()
	r, err := mem.GetRequest(context.Background(), engine.RequestID(id))
	require.NoError(t, err)
	return r.SLABreached
}

func newMonitor(mem *store.Memory, rec *metrics.Recorder) *sla.Monitor {
	m := sla.NewMonitor(mem, 0, rec, quietLog())
	m.Now = func() time.Time { return now }
	return m
}

func TestSweep_FlagsAndClears(t *testing.T) {
	// GIVEN:
	//   - an old pending request (breach)
	//   - a fresh pending request (no breach)
	//   - an old fulfilled request still flagged (clear)
	//   - an old rejected request never flagged (untouched)
	mem := store.NewMemory()
	seed(t, mem, "old-open", engine.RequestPending, 72*time.Hour, false)
	seed(t, mem, "fresh", engine.RequestPending, time.Hour, false)
	seed(t, mem, "done", engine.RequestFulfilled, 96*time.Hour, true)
	seed(t, mem, "rejected", engine.RequestRejected, 96*time.Hour, false)
	seed(t, mem, "already", engine.RequestApproved, 50*time.Hour, true)

	// WHEN: sweeping
	res, err := newMonitor(mem, nil).Sweep(context.Background())

	// THEN
	require.NoError(t, err)
	assert.Equal(t, sla.Result{Flagged: 1, Cleared: 1}, res)
	assert.True(t, flagOf(t, mem, "old-open"))
	assert.False(t, flagOf(t, mem, "fresh"))
	assert.False(t, flagOf(t, mem, "done"))
	assert.False(t, flagOf(t, mem, "rejected"))
	assert.True(t, flagOf(t, mem, "already"))
}

func TestSweep_Idempotent(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, "old-open", engine.RequestPending, 72*time.Hour, false)
	seed(t, mem, "done", engine.RequestResolved, 96*time.Hour, true)
	rec := metrics.New(prometheus.NewRegistry())
	m := newMonitor(mem, rec)

	first, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sla.Result{Flagged: 1, Cleared: 1}, first)

	second, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sla.Result{}, second)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.SLAFlagged))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.SLACleared))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.SLASweeps.WithLabelValues("ok")))
}

func TestSweep_WindowBoundary(t *testing.T) {
	// Exactly at the cutoff is not a breach.
	mem := store.NewMemory()
	seed(t, mem, "edge", engine.RequestPending, sla.DefaultWindow, false)
	seed(t, mem, "past", engine.RequestPending, sla.DefaultWindow+time.Second, false)

	res, err := newMonitor(mem, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Flagged)
	assert.False(t, flagOf(t, mem, "edge"))
	assert.True(t, flagOf(t, mem, "past"))
}

type failingStore struct{ flagErr, clearErr error }

func (f failingStore) FlagBreaches(context.Context, time.Time, time.Time) (int, error) {
	return 0, f.flagErr
}

func (f failingStore) ClearResolvedFlags(context.Context, time.Time) (int, error) {
	return 0, f.clearErr
}

func TestSweep_StoreErrors(t *testing.T) {
	boom := errors.New("sqlite3: database is locked")
	rec := metrics.New(prometheus.NewRegistry())

	_, err := sla.NewMonitor(failingStore{flagErr: boom}, time.Hour, rec, quietLog()).Sweep(context.Background())
	assert.ErrorIs(t, err, engine.ErrTransaction)
	assert.NotErrorIs(t, err, boom)

	_, err = sla.NewMonitor(failingStore{clearErr: boom}, time.Hour, rec, quietLog()).Sweep(context.Background())
	assert.ErrorIs(t, err, engine.ErrTransaction)
	assert.NotErrorIs(t, err, boom)

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.SLASweeps.WithLabelValues("error")))
}

// =============================================================================
// SCHEDULER
// =============================================================================

// blockingStore parks FlagBreaches until released.
type blockingStore struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) FlagBreaches(context.Context, time.Time, time.Time) (int, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return 0, nil
}

func (b *blockingStore) ClearResolvedFlags(context.Context, time.Time) (int, error) {
	return 0, nil
}

func TestScheduler_SkipsOverlappingSweeps(t *testing.T) {
	bs := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	s := sla.NewScheduler(sla.NewMonitor(bs, time.Hour, nil, quietLog()))
	s.CheckInterval = time.Hour

	s.Start()
	<-bs.entered

	_, ran, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.False(t, ran, "second sweep must be skipped while the first runs")

	close(bs.release)
	s.Stop()

	_, ran, err = s.RunNow(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestScheduler_Disabled(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem, "old-open", engine.RequestPending, 72*time.Hour, false)
	s := sla.NewScheduler(newMonitor(mem, nil))
	s.Enabled = false

	s.Start()
	s.Stop()
	assert.False(t, flagOf(t, mem, "old-open"))
}

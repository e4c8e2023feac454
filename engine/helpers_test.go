package engine_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/warp/relief-engine/audit"
	"github.com/warp/relief-engine/engine"
	"github.com/warp/relief-engine/engine/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)

// Origin used by most requests: central Izmir.
const (
	originLat = 38.4237
	originLng = 27.1428
)

func qty(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func qtyPtr(n int64) *decimal.Decimal {
	d := qty(n)
	return &d
}

func fptr(v float64) *float64 { return &v }

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func resource(id string, cat engine.Category, lat, lng float64, available int64) engine.Resource {
	return engine.Resource{
		ID:        engine.ResourceID(id),
		Name:      id,
		Category:  cat,
		Lat:       lat,
		Lng:       lng,
		Status:    engine.ResourceActive,
		Total:     qty(available),
		Available: qty(available),
		Reserved:  decimal.Zero,
		Used:      decimal.Zero,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func pendingRequest(id string, cat engine.Category, n int64) engine.Request {
	return engine.Request{
		ID:                engine.RequestID(id),
		RequesterID:       "citizen-1",
		Kind:              engine.KindResource,
		Category:          cat,
		Priority:          engine.PriorityMedium,
		Status:            engine.RequestPending,
		RequestedQuantity: qtyPtr(n),
		Location:          engine.Location{Lat: fptr(originLat), Lng: fptr(originLng), Area: "Konak"},
		CreatedAt:         t0,
		UpdatedAt:         t0,
	}
}

type fixture struct {
	ctx   context.Context
	store *store.Memory
	svc   *engine.Service
	audit *audit.Recorder
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	rec := &audit.Recorder{}
	svc := engine.NewService(mem, nil, rec, nil, quietLog())
	f := &fixture{ctx: context.Background(), store: mem, svc: svc, audit: rec, now: t0.Add(time.Hour)}
	svc.Manager.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addResource(t *testing.T, r engine.Resource) {
	t.Helper()
	require.NoError(t, f.store.SaveResource(f.ctx, r))
}

func (f *fixture) addRequest(t *testing.T, r engine.Request) {
	t.Helper()
	require.NoError(t, f.store.SaveRequest(f.ctx, r))
}

func (f *fixture) resource(t *testing.T, id string) *engine.Resource {
	t.Helper()
	r, err := f.store.GetResource(f.ctx, engine.ResourceID(id))
	require.NoError(t, err)
	return r
}

func (f *fixture) request(t *testing.T, id string) *engine.Request {
	t.Helper()
	r, err := f.store.GetRequest(f.ctx, engine.RequestID(id))
	require.NoError(t, err)
	return r
}

// requireCounters checks available/reserved/used and the total invariant.
func requireCounters(t *testing.T, r *engine.Resource, available, reserved, used int64) {
	t.Helper()
	require.NoError(t, r.Check())
	require.Truef(t, r.Available.Equal(qty(available)), "available: want %d, got %s", available, r.Available)
	require.Truef(t, r.Reserved.Equal(qty(reserved)), "reserved: want %d, got %s", reserved, r.Reserved)
	require.Truef(t, r.Used.Equal(qty(used)), "used: want %d, got %s", used, r.Used)
}

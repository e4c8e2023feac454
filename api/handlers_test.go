/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Allocation lifecycle over HTTP (allocate, dispatch, deliver, cancel)
- Error mapping (400/404/409/500) and body validation
- Complaint assignment and SLA sweep endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/relief-engine/audit"
	"github.com/warp/relief-engine/engine"
	"github.com/warp/relief-engine/engine/store"
	"github.com/warp/relief-engine/metrics"
	"github.com/warp/relief-engine/routing"
	"github.com/warp/relief-engine/sla"
)

var t0 = time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func fptr(v float64) *float64 { return &v }

func qtyPtr(n int64) *decimal.Decimal {
	d := decimal.NewFromInt(n)
	return &d
}

type testServer struct {
	t     *testing.T
	mem   *store.Memory
	audit *audit.Recorder
	http  http.Handler
}

// newTestServer wires the full stack over an in-memory store seeded with
// one water depot, one pending water request and one operator.
func newTestServer(t *testing.T, st engine.Store) *testServer {
	t.Helper()
	mem := store.NewMemory()
	if st == nil {
		st = mem
	}
	ctx := context.Background()

	require.NoError(t, mem.SaveResource(ctx, engine.Resource{
		ID: "depot-1", Name: "Depot 1", Category: engine.CategoryWater,
		Lat: 38.42, Lng: 27.14, Status: engine.ResourceActive,
		Total: decimal.NewFromInt(10), Available: decimal.NewFromInt(10),
		Reserved: decimal.Zero, Used: decimal.Zero,
		CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, mem.SaveRequest(ctx, engine.Request{
		ID: "req-1", RequesterID: "citizen-1", Kind: engine.KindResource,
		Category: engine.CategoryWater, Priority: engine.PriorityHigh, Status: engine.RequestPending,
		RequestedQuantity: qtyPtr(3),
		Location:          engine.Location{Lat: fptr(38.43), Lng: fptr(27.15), Area: "Konak"},
		CreatedAt:         t0, UpdatedAt: t0,
	}))
	require.NoError(t, mem.SaveRequest(ctx, engine.Request{
		ID: "cmp-1", RequesterID: "citizen-2", Kind: engine.KindComplaint,
		Category: engine.CategorySanitation, Priority: engine.PriorityMedium, Status: engine.RequestPending,
		Location:  engine.Location{Area: "Konak"},
		CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, mem.SaveOperator(ctx, engine.Operator{
		ID: "op-1", Name: "Op 1", Areas: []string{"konak"}, Active: true, CreatedAt: t0,
	}))

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	sink := &audit.Recorder{}
	log := quietLog()

	svc := engine.NewService(st, nil, sink, rec, log)
	svc.Manager.Now = func() time.Time { return t0.Add(time.Hour) }
	desk := routing.NewStoreDesk(mem, svc.Compat, sink, rec, log)
	desk.Now = func() time.Time { return t0.Add(time.Hour) }
	mon := sla.NewMonitor(mem, 0, rec, log)
	mon.Now = func() time.Time { return t0.Add(72 * time.Hour) }

	h := NewHandler(svc, desk, sla.NewScheduler(mon), log)
	return &testServer{
		t:     t,
		mem:   mem,
		audit: sink,
		http:  NewRouter(h, RouterOptions{Gatherer: reg}),
	}
}

func (s *testServer) do(method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	s.t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.http.ServeHTTP(rr, req)

	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && rr.Body.Len() > 0 {
		_ = json.NewDecoder(bytes.NewReader(rr.Body.Bytes())).Decode(&out)
	}
	return rr, out
}

// =============================================================================
// ALLOCATION LIFECYCLE
// =============================================================================

func TestAllocationLifecycle(t *testing.T) {
	// GIVEN: a pending request for 3 water units near a depot with 10
	s := newTestServer(t, nil)

	// WHEN: allocating automatically
	rr, body := s.do(http.MethodPost, "/api/requests/req-1/allocate", "")

	// THEN: 3 units are reserved
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "ALLOCATED", body["status"])
	assert.Equal(t, "AUTO", body["mode"])
	assert.Equal(t, "3", body["quantity"])
	allocID := body["id"].(string)

	_, res := s.do(http.MethodGet, "/api/resources/depot-1", "")
	assert.Equal(t, "7", res["available"])
	assert.Equal(t, "3", res["reserved"])

	// WHEN: dispatching and delivering
	rr, body = s.do(http.MethodPost, "/api/allocations/"+allocID+"/dispatch", `{"actor_id":"driver-7"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "IN_TRANSIT", body["status"])

	rr, body = s.do(http.MethodPost, "/api/allocations/"+allocID+"/deliver", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "DELIVERED", body["status"])

	// THEN: stock moved to used and the request is fulfilled
	_, res = s.do(http.MethodGet, "/api/resources/depot-1", "")
	assert.Equal(t, "0", res["reserved"])
	assert.Equal(t, "3", res["used"])

	_, req := s.do(http.MethodGet, "/api/requests/req-1", "")
	assert.Equal(t, "FULFILLED", req["status"])
}

func TestCancelAllocation_RestoresStock(t *testing.T) {
	s := newTestServer(t, nil)
	_, body := s.do(http.MethodPost, "/api/requests/req-1/allocate/manual", `{"resource_id":"depot-1","actor_id":"coord-1"}`)
	allocID := body["id"].(string)
	assert.Equal(t, "MANUAL", body["mode"])

	rr, body := s.do(http.MethodPost, "/api/allocations/"+allocID+"/cancel", `{"actor_id":"coord-1","reason":"road closed"}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "CANCELLED", body["status"])
	assert.Equal(t, "road closed", body["cancellation_reason"])
	_, res := s.do(http.MethodGet, "/api/resources/depot-1", "")
	assert.Equal(t, "10", res["available"])

	assert.Equal(t, []audit.Action{audit.ActionAllocated, audit.ActionCancelled}, s.audit.Actions())
}

func TestSuggestions(t *testing.T) {
	s := newTestServer(t, nil)

	rr := httptest.NewRecorder()
	s.http.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/requests/req-1/suggestions?limit=3", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var cands []CandidateDTO
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cands))
	require.Len(t, cands, 1)
	assert.Equal(t, "depot-1", cands[0].Resource.ID)
	assert.Greater(t, cands[0].DistanceKm, 0.0)

	rr, _ = s.do(http.MethodGet, "/api/requests/req-1/suggestions?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSuggestions_LimitBounds(t *testing.T) {
	s := newTestServer(t, nil)

	rr, _ := s.do(http.MethodGet, fmt.Sprintf("/api/requests/req-1/suggestions?limit=%d", engine.MaxSuggestLimit), "")
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr, body := s.do(http.MethodGet, fmt.Sprintf("/api/requests/req-1/suggestions?limit=%d", engine.MaxSuggestLimit+1), "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "validation", body["error"])
	assert.Contains(t, body["message"], "between 1 and 50")
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown request", http.MethodGet, "/api/requests/ghost", "", http.StatusNotFound, "not_found"},
		{"unknown allocation", http.MethodPost, "/api/allocations/ghost/dispatch", "", http.StatusNotFound, "not_found"},
		{"manual without resource", http.MethodPost, "/api/requests/req-1/allocate/manual", `{"actor_id":"c"}`, http.StatusBadRequest, "validation"},
		{"unknown field", http.MethodPost, "/api/requests/req-1/reject", `{"reason":"x","bogus":1}`, http.StatusBadRequest, "validation"},
		{"reject without reason", http.MethodPost, "/api/requests/req-1/reject", `{}`, http.StatusBadRequest, "validation"},
		{"malformed json", http.MethodPost, "/api/allocations/a/cancel", `{`, http.StatusBadRequest, "validation"},
		{"complaint cannot be allocated", http.MethodPost, "/api/requests/cmp-1/allocate", "", http.StatusBadRequest, "validation"},
		{"resource request cannot be assigned", http.MethodPost, "/api/requests/req-1/assign", "", http.StatusBadRequest, "validation"},
		{"start before assign", http.MethodPost, "/api/requests/cmp-1/start", "", http.StatusConflict, "conflict"},
		{"no route", http.MethodGet, "/api/nothing", "", http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			rr, body := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.Equal(t, tt.code, body["error"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestValidationErrorListsFields(t *testing.T) {
	s := newTestServer(t, nil)

	rr, body := s.do(http.MethodPost, "/api/requests/req-1/allocate/manual", `{}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	fields, ok := body["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "required", fields["ResourceID"])
	assert.Equal(t, "required", fields["ActorID"])
}

func TestDeliverBeforeDispatch_Conflict(t *testing.T) {
	s := newTestServer(t, nil)
	_, body := s.do(http.MethodPost, "/api/requests/req-1/allocate", "")

	rr, body := s.do(http.MethodPost, "/api/allocations/"+body["id"].(string)+"/deliver", "")

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "conflict", body["error"])
}

// brokenStore fails resource reads the way a dropped connection would.
type brokenStore struct {
	*store.Memory
}

func (brokenStore) GetResource(context.Context, engine.ResourceID) (*engine.Resource, error) {
	return nil, errors.New("pq: connection refused to 10.0.0.5")
}

func TestStoreFailure_HidesCause(t *testing.T) {
	s := newTestServer(t, brokenStore{store.NewMemory()})

	rr, body := s.do(http.MethodGet, "/api/resources/depot-1", "")

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "transaction", body["error"])
	assert.Equal(t, "internal error", body["message"])
	assert.NotContains(t, rr.Body.String(), "10.0.0.5")
}

// lockedStore fails operator and SLA queries like a busy SQLite file.
type lockedStore struct {
	*store.Memory
}

var errLocked = errors.New("sqlite3: database is locked")

func (lockedStore) ActiveOperators(context.Context) ([]engine.Operator, error) {
	return nil, errLocked
}

func (lockedStore) FlagBreaches(context.Context, time.Time, time.Time) (int, error) {
	return 0, errLocked
}

func TestStoreFailure_RoutingAndSweep(t *testing.T) {
	st := lockedStore{store.NewMemory()}
	log := quietLog()
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	svc := engine.NewService(st, nil, audit.Nop{}, rec, log)
	desk := routing.NewStoreDesk(st, svc.Compat, audit.Nop{}, rec, log)
	h := NewHandler(svc, desk, sla.NewScheduler(sla.NewMonitor(st, time.Hour, rec, log)), log)
	srv := NewRouter(h, RouterOptions{Gatherer: reg})

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"route preview", http.MethodGet, "/api/routing?area=konak"},
		{"sla sweep", http.MethodPost, "/api/admin/sla-sweep"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, http.StatusInternalServerError, rr.Code)
			var body ErrorDTO
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, "transaction", body.Error)
			assert.NotContains(t, rr.Body.String(), "database is locked")
		})
	}
}

// =============================================================================
// COMPLAINTS, BATCH AND SLA
// =============================================================================

func TestComplaintFlow(t *testing.T) {
	s := newTestServer(t, nil)

	rr, body := s.do(http.MethodPost, "/api/requests/cmp-1/assign", `{"actor_id":"dispatcher-1"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, body["assigned"])
	assert.Equal(t, "op-1", body["operator_id"])

	rr, body = s.do(http.MethodPost, "/api/requests/cmp-1/start", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "IN_PROGRESS", body["status"])

	rr, body = s.do(http.MethodPost, "/api/requests/cmp-1/resolve", `{"note":"pipe fixed"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "RESOLVED", body["status"])
	assert.Equal(t, "pipe fixed", body["metadata"].(map[string]any)["resolution_note"])
}

func TestPreviewRoute(t *testing.T) {
	s := newTestServer(t, nil)

	rr := httptest.NewRecorder()
	s.http.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/routing?area=KONAK", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var ranked []RouteCandidateDTO
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ranked))
	assert.Equal(t, []RouteCandidateDTO{{OperatorID: "op-1", Caseload: 0}}, ranked)

	rr, _ = s.do(http.MethodGet, "/api/routing", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPreviewRoute_UnmappedCategoryRoutesOnArea(t *testing.T) {
	s := newTestServer(t, nil)

	rr := httptest.NewRecorder()
	s.http.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/routing?area=konak&category=paperwork", nil))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var ranked []RouteCandidateDTO
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ranked))
	assert.Equal(t, []RouteCandidateDTO{{OperatorID: "op-1", Caseload: 0}}, ranked)
}

func TestAllocatePending(t *testing.T) {
	s := newTestServer(t, nil)

	rr, body := s.do(http.MethodPost, "/api/admin/allocate-pending", `{"limit":10}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, body["allocated"], 1)
	assert.Empty(t, body["failed"])
}

func TestSLASweep(t *testing.T) {
	// GIVEN: two open requests created 72h before the sweep clock
	s := newTestServer(t, nil)

	rr, body := s.do(http.MethodPost, "/api/admin/sla-sweep", "")

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, body["ran"])
	assert.Equal(t, float64(2), body["flagged"])

	_, req := s.do(http.MethodGet, "/api/requests/req-1", "")
	assert.Equal(t, true, req["sla_breached"])
}

func TestMetricsAndHealth(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPost, "/api/requests/req-1/allocate", "")

	rr, _ := s.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "relief_allocations_total")

	rr, body := s.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])
}

package routing

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/relief-engine/audit"
	"github.com/warp/relief-engine/engine"
	"github.com/warp/relief-engine/metrics"
)

// =============================================================================
// COMPLAINT DESK
// =============================================================================

// CaseStore is the slice of the store the desk writes through. UpdateRequest
// is a guarded single-row write: it fails with engine.ErrStaleWrite when the
// stored status is no longer expected.
type CaseStore interface {
	GetRequest(ctx context.Context, id engine.RequestID) (*engine.Request, error)
	GetZone(ctx context.Context, id engine.ZoneID) (*engine.Zone, error)
	UpdateRequest(ctx context.Context, r *engine.Request, expected engine.RequestStatus) error
}

// Desk moves complaints through PENDING -> ASSIGNED -> IN_PROGRESS -> RESOLVED.
type Desk struct {
	Store  CaseStore
	Router *Router
	Audit  audit.Sink
	Log    *logrus.Entry
	Now    func() time.Time
}

func NewDesk(store CaseStore, router *Router, sink audit.Sink, log *logrus.Entry) *Desk {
	if sink == nil {
		sink = audit.Nop{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Desk{
		Store:  store,
		Router: router,
		Audit:  sink,
		Log:    log.WithField("component", "desk"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewStoreDesk builds a router and desk over one store that also serves the
// operator directory and caseload counts.
func NewStoreDesk(store interface {
	CaseStore
	Directory
	Caseloads
}, compat *engine.Compatibility, sink audit.Sink, rec *metrics.Recorder, log *logrus.Entry) *Desk {
	return NewDesk(store, NewRouter(store, store, compat, rec, log), sink, log)
}

// Assign routes a pending complaint and records the chosen operator. The
// second return value is false when no operator covers the complaint's area;
// the complaint then stays PENDING for manual routing.
func (d *Desk) Assign(ctx context.Context, id engine.RequestID, actorID string) (*engine.Request, bool, error) {
	req, err := d.complaint(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if req.Status != engine.RequestPending {
		return nil, false, &engine.TransitionError{
			Entity: "request", ID: string(id),
			From: string(req.Status), To: string(engine.RequestAssigned),
			Reason: engine.ErrRequestNotPending,
		}
	}

	area, err := d.areaOf(ctx, req)
	if err != nil {
		return nil, false, err
	}
	opID, ok, err := d.Router.RouteFor(ctx, area, req.Category)
	if err != nil {
		return nil, false, engine.WrapStoreError("route complaint", err)
	}
	if !ok {
		return req, false, nil
	}

	now := d.Now()
	if err := req.Transition(engine.RequestAssigned, now); err != nil {
		return nil, false, err
	}
	req.AssignedTo = &opID
	if err := d.Store.UpdateRequest(ctx, req, engine.RequestPending); err != nil {
		return nil, false, engine.WrapStoreError("assign complaint", err)
	}

	e := audit.NewEvent(audit.ActionComplaintAssigned, "request", string(id), now)
	e.ActorID = actorOr(actorID)
	e.RequestID = string(id)
	e.Payload["operator_id"] = string(opID)
	e.Payload["area"] = engine.NormalizeArea(area)
	d.Audit.Record(ctx, e)

	d.Log.WithFields(logrus.Fields{"request_id": id, "operator_id": opID}).Info("complaint assigned")
	return req, true, nil
}

// Start marks an assigned complaint as being worked on.
func (d *Desk) Start(ctx context.Context, id engine.RequestID, actorID string) (*engine.Request, error) {
	return d.advance(ctx, id, actorID, engine.RequestInProgress, audit.ActionComplaintStarted, "")
}

// Resolve closes an assigned or in-progress complaint.
func (d *Desk) Resolve(ctx context.Context, id engine.RequestID, actorID, note string) (*engine.Request, error) {
	return d.advance(ctx, id, actorID, engine.RequestResolved, audit.ActionComplaintResolved, strings.TrimSpace(note))
}

func (d *Desk) advance(ctx context.Context, id engine.RequestID, actorID string, to engine.RequestStatus, action audit.Action, note string) (*engine.Request, error) {
	req, err := d.complaint(ctx, id)
	if err != nil {
		return nil, err
	}
	from := req.Status
	now := d.Now()
	if err := req.Transition(to, now); err != nil {
		return nil, err
	}
	if note != "" {
		if req.Metadata == nil {
			req.Metadata = map[string]string{}
		}
		req.Metadata["resolution_note"] = note
	}
	if err := d.Store.UpdateRequest(ctx, req, from); err != nil {
		return nil, engine.WrapStoreError("update complaint", err)
	}

	e := audit.NewEvent(action, "request", string(id), now)
	e.ActorID = actorOr(actorID)
	e.RequestID = string(id)
	if req.AssignedTo != nil {
		e.Payload["operator_id"] = string(*req.AssignedTo)
	}
	d.Audit.Record(ctx, e)
	return req, nil
}

func (d *Desk) complaint(ctx context.Context, id engine.RequestID) (*engine.Request, error) {
	req, err := d.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, engine.WrapStoreError("get request", err)
	}
	if req.Kind != engine.KindComplaint {
		return nil, &engine.ValidationError{Field: "request_id", Message: "request is not a complaint", Reason: engine.ErrWrongRequestKind}
	}
	return req, nil
}

// areaOf prefers the zone's area over the free-text one.
func (d *Desk) areaOf(ctx context.Context, req *engine.Request) (string, error) {
	loc := req.Location
	if loc.ZoneID == nil || *loc.ZoneID == "" {
		return loc.Area, nil
	}
	zone, err := d.Store.GetZone(ctx, *loc.ZoneID)
	if err != nil {
		if engine.IsNotFound(err) {
			return "", &engine.ValidationError{Field: "location.zone_id", Message: "zone " + string(*loc.ZoneID) + " does not exist", Reason: engine.ErrLocationUnresolved}
		}
		return "", engine.WrapStoreError("get zone", err)
	}
	if zone.Area != "" {
		return zone.Area, nil
	}
	return loc.Area, nil
}

func actorOr(actorID string) string {
	if strings.TrimSpace(actorID) == "" {
		return engine.SystemActor
	}
	return actorID
}

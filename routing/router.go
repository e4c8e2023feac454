/*
router.go - Complaint routing to field operators

PURPOSE:
  Picks the least-loaded active operator covering a complaint's area.

ALGORITHM:
  1. Normalize the area (trim, lower-case). Empty -> no operator.
  2. Load active, non-suspended operators from the directory.
  3. Keep those whose area set contains the target.
  4. Count each match's open caseload (non-terminal assigned requests).
  5. Rank by caseload asc, account creation asc, id asc. Take the first.

CONCURRENCY:
  Caseloads are recomputed on every call and nothing is locked. Two
  complaints routed at the same moment may both land on the same operator.
  Fairness is approximate.

SEE ALSO:
  - desk.go: Writes the assignment the router picks
*/
package routing

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/warp/relief-engine/engine"
	"github.com/warp/relief-engine/metrics"
)

// Directory lists operators that may receive work.
type Directory interface {
	ActiveOperators(ctx context.Context) ([]engine.Operator, error)
}

// Caseloads counts open assigned requests per operator.
type Caseloads interface {
	OpenCaseloads(ctx context.Context, ids []engine.OperatorID) (map[engine.OperatorID]int, error)
}

type Router struct {
	Directory Directory
	Caseloads Caseloads
	Compat    *engine.Compatibility
	Metrics   *metrics.Recorder
	Log       *logrus.Entry
}

func NewRouter(dir Directory, loads Caseloads, compat *engine.Compatibility, rec *metrics.Recorder, log *logrus.Entry) *Router {
	if compat == nil {
		compat = engine.DefaultCompatibility()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Router{
		Directory: dir,
		Caseloads: loads,
		Compat:    compat,
		Metrics:   rec,
		Log:       log.WithField("component", "routing"),
	}
}

// Route returns the best operator for area. ok is false when nobody covers it.
func (r *Router) Route(ctx context.Context, area string) (engine.OperatorID, bool, error) {
	return r.route(ctx, area, nil)
}

// RouteFor is Route restricted to operators whose specialties can handle
// category. Operators without declared specialties take any category. A
// category with no specialty mapping is routed on area alone.
func (r *Router) RouteFor(ctx context.Context, area string, category engine.Category) (engine.OperatorID, bool, error) {
	specs, err := r.SpecialtiesFor(category)
	if err != nil {
		return "", false, err
	}
	return r.route(ctx, area, specs)
}

// SpecialtiesFor returns the operator specialties that can handle category.
// A category with no mapping yields nil, meaning no specialty filter.
func (r *Router) SpecialtiesFor(category engine.Category) ([]engine.Category, error) {
	specs, err := r.Compat.OperatorSpecialties(category)
	if err != nil && !engine.IsValidation(err) {
		return nil, err
	}
	return specs, nil
}

// Candidate is one ranked operator with its caseload.
type Candidate struct {
	Operator engine.Operator
	Caseload int
}

func (r *Router) route(ctx context.Context, area string, specialties []engine.Category) (engine.OperatorID, bool, error) {
	ranked, err := r.Rank(ctx, area, specialties)
	if err != nil {
		r.Metrics.Route("error")
		return "", false, err
	}
	if len(ranked) == 0 {
		r.Metrics.Route("unmatched")
		r.Log.WithField("area", engine.NormalizeArea(area)).Info("no operator covers area")
		return "", false, nil
	}

	best := ranked[0]
	r.Metrics.Route("assigned")
	r.Log.WithFields(logrus.Fields{
		"area":        engine.NormalizeArea(area),
		"operator_id": best.Operator.ID,
		"caseload":    best.Caseload,
		"candidates":  len(ranked),
	}).Debug("routed")
	return best.Operator.ID, true, nil
}

// Rank returns every qualifying operator for area in routing order.
func (r *Router) Rank(ctx context.Context, area string, specialties []engine.Category) ([]Candidate, error) {
	target := engine.NormalizeArea(area)
	if target == "" {
		return nil, nil
	}

	ops, err := r.Directory.ActiveOperators(ctx)
	if err != nil {
		return nil, engine.WrapStoreError("list operators", err)
	}

	var matches []engine.Operator
	for i := range ops {
		op := ops[i]
		if !op.Available() || !op.Covers(target) || !handles(op, specialties) {
			continue
		}
		matches = append(matches, op)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]engine.OperatorID, len(matches))
	for i, op := range matches {
		ids[i] = op.ID
	}
	loads, err := r.Caseloads.OpenCaseloads(ctx, ids)
	if err != nil {
		return nil, engine.WrapStoreError("count caseloads", err)
	}

	out := make([]Candidate, len(matches))
	for i, op := range matches {
		out[i] = Candidate{Operator: op, Caseload: loads[op.ID]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Caseload != b.Caseload {
			return a.Caseload < b.Caseload
		}
		if !a.Operator.CreatedAt.Equal(b.Operator.CreatedAt) {
			return a.Operator.CreatedAt.Before(b.Operator.CreatedAt)
		}
		return a.Operator.ID < b.Operator.ID
	})
	return out, nil
}

func handles(op engine.Operator, specialties []engine.Category) bool {
	if len(specialties) == 0 || len(op.Specialties) == 0 {
		return true
	}
	for _, have := range op.Specialties {
		for _, want := range specialties {
			if have == want {
				return true
			}
		}
	}
	return false
}

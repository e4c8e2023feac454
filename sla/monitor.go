/*
Package sla flags requests that stay open longer than the SLA window.

PURPOSE:
  A sweep computes cutoff = now - window, flags every open request created
  before the cutoff that is not flagged yet, and clears the flag on requests
  that have since reached a terminal status.

IDEMPOTENCY:
  Both writes are filtered on the current flag value, so a second sweep with
  no intervening change touches nothing and reports zero.

The flag is read-only to every other component.

SEE ALSO:
  - scheduler.go: Runs Sweep on a ticker
*/
package sla

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/relief-engine/engine"
	"github.com/warp/relief-engine/metrics"
)

// DefaultWindow is the time a request may stay open before it is flagged.
const DefaultWindow = 48 * time.Hour

// Store performs the two bulk writes of a sweep.
type Store interface {
	FlagBreaches(ctx context.Context, cutoff, at time.Time) (int, error)
	ClearResolvedFlags(ctx context.Context, at time.Time) (int, error)
}

// Result counts rows changed by one sweep.
type Result struct {
	Flagged int `json:"flagged"`
	Cleared int `json:"cleared"`
}

type Monitor struct {
	Store   Store
	Window  time.Duration
	Metrics *metrics.Recorder
	Log     *logrus.Entry
	Now     func() time.Time
}

func NewMonitor(store Store, window time.Duration, rec *metrics.Recorder, log *logrus.Entry) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		Store:   store,
		Window:  window,
		Metrics: rec,
		Log:     log.WithField("component", "sla"),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs one flag/clear pass.
func (m *Monitor) Sweep(ctx context.Context) (Result, error) {
	now := m.Now()
	cutoff := now.Add(-m.Window)

	var res Result
	flagged, err := m.Store.FlagBreaches(ctx, cutoff, now)
	if err != nil {
		err = engine.WrapStoreError("flag breaches", err)
		m.Metrics.Sweep(0, 0, err)
		return res, err
	}
	res.Flagged = flagged

	cleared, err := m.Store.ClearResolvedFlags(ctx, now)
	if err != nil {
		err = engine.WrapStoreError("clear resolved flags", err)
		m.Metrics.Sweep(0, 0, err)
		return res, err
	}
	res.Cleared = cleared

	m.Metrics.Sweep(res.Flagged, res.Cleared, nil)
	entry := m.Log.WithFields(logrus.Fields{
		"cutoff":  cutoff.Format(time.RFC3339),
		"flagged": res.Flagged,
		"cleared": res.Cleared,
	})
	if res.Flagged > 0 || res.Cleared > 0 {
		entry.Info("sweep changed flags")
	} else {
		entry.Debug("sweep found nothing to change")
	}
	return res, nil
}

/*
scheduler.go - Periodic SLA sweeps

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Sweeps once immediately on start
  - A tick that arrives while a sweep is still running is skipped
  - RunNow triggers a sweep from the serving layer without waiting for a tick

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 5 minutes)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewScheduler(monitor)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package sla

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCheckInterval is how often the scheduler sweeps.
const DefaultCheckInterval = 5 * time.Minute

// Scheduler runs Monitor.Sweep on a ticker.
type Scheduler struct {
	Monitor       *Monitor
	CheckInterval time.Duration
	Enabled       bool
	// SweepTimeout bounds one sweep; zero means no bound.
	SweepTimeout time.Duration

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running atomic.Bool
}

func NewScheduler(m *Monitor) *Scheduler {
	return &Scheduler{
		Monitor:       m,
		CheckInterval: DefaultCheckInterval,
		Enabled:       true,
		SweepTimeout:  time.Minute,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.Monitor.Log
	if !s.Enabled {
		log.Info("[Scheduler] Disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	log.WithField("interval", s.CheckInterval.String()).Info("[Scheduler] Started")
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Monitor.Log.Info("[Scheduler] Stopped")
	}
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.tick()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-stop:
			return
		}
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	if s.SweepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.SweepTimeout)
		defer cancel()
	}
	if _, ran, err := s.RunNow(ctx); ran && err != nil {
		s.Monitor.Log.WithError(err).Error("[Scheduler] Sweep failed")
	}
}

// RunNow sweeps immediately. ran is false if another sweep was in progress.
func (s *Scheduler) RunNow(ctx context.Context) (res Result, ran bool, err error) {
	if !s.running.CompareAndSwap(false, true) {
		s.Monitor.Log.Debug("[Scheduler] Sweep already running, skipping")
		return Result{}, false, nil
	}
	defer s.running.Store(false)

	res, err = s.Monitor.Sweep(ctx)
	return res, true, err
}

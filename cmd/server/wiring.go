package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/warp/relief-engine/audit"
	"github.com/warp/relief-engine/config"
	"github.com/warp/relief-engine/engine"
	"github.com/warp/relief-engine/engine/store"
	"github.com/warp/relief-engine/metrics"
	"github.com/warp/relief-engine/routing"
	"github.com/warp/relief-engine/sla"
	"github.com/warp/relief-engine/store/postgres"
	"github.com/warp/relief-engine/store/sqlite"
)

// backend is everything the server needs from one store.
type backend interface {
	engine.Store
	routing.CaseStore
	routing.Directory
	routing.Caseloads
	sla.Store
	Close() error
}

type memoryBackend struct{ *store.Memory }

func (memoryBackend) Close() error { return nil }

func openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.Database.Driver {
	case "memory":
		return memoryBackend{store.NewMemory()}, nil
	case "postgres":
		pg, err := postgres.Open(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if err := pg.Ping(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return sqlite.New(cfg.Database.Path)
	}
}

// openSink returns the audit sink and a close function.
func openSink(ctx context.Context, cfg *config.Config, log *logrus.Entry) (audit.Sink, func() error, error) {
	noClose := func() error { return nil }
	switch cfg.Audit.Sink {
	case "none":
		return audit.Nop{}, noClose, nil
	case "redis":
		rs, err := audit.NewRedisSink(cfg.Audit.RedisURL, cfg.Audit.Stream, log)
		if err != nil {
			return nil, nil, err
		}
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		// Events are logged as well as streamed.
		return audit.Multi{audit.NewLogSink(log), rs}, rs.Close, nil
	default:
		return audit.NewLogSink(log), noClose, nil
	}
}

func loadCompatibility(cfg *config.Config) (*engine.Compatibility, error) {
	if cfg.CategoryMapPath == "" {
		return engine.DefaultCompatibility(), nil
	}
	return engine.LoadCompatibility(cfg.CategoryMapPath)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// app is the wired object graph shared by both commands.
type app struct {
	cfg       *config.Config
	log       *logrus.Entry
	registry  *prometheus.Registry
	backend   backend
	service   *engine.Service
	desk      *routing.Desk
	scheduler *sla.Scheduler
	closeSink func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logrus.NewEntry(cfg.Logger())

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	sink, closeSink, err := openSink(ctx, cfg, log)
	if err != nil {
		be.Close()
		return nil, fmt.Errorf("failed to open audit sink: %w", err)
	}

	compat, err := loadCompatibility(cfg)
	if err != nil {
		be.Close()
		closeSink()
		return nil, fmt.Errorf("failed to load category map: %w", err)
	}

	reg := newRegistry()
	rec := metrics.New(reg)

	sched := sla.NewScheduler(sla.NewMonitor(be, cfg.SLA.Window, rec, log))
	sched.CheckInterval = cfg.SLA.CheckInterval
	sched.Enabled = cfg.SLA.Enabled

	return &app{
		cfg:       cfg,
		log:       log,
		registry:  reg,
		backend:   be,
		service:   engine.NewService(be, compat, sink, rec, log),
		desk:      routing.NewStoreDesk(be, compat, sink, rec, log),
		scheduler: sched,
		closeSink: closeSink,
	}, nil
}

func (a *app) Close() {
	if err := a.closeSink(); err != nil {
		a.log.WithError(err).Warn("closing audit sink")
	}
	if err := a.backend.Close(); err != nil {
		a.log.WithError(err).Warn("closing store")
	}
}

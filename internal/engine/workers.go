package engine

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"logging-server/internal/config"
	"logging-server/internal/instrument"
	"logging-server/internal/store"
)

const (
	defaultRetryInterval  = 60 * time.Second
	defaultHealthInterval = 24 * time.Hour
)

// WorkerOptions configures StartWorkers. Handlers defaults to the built-in
// log_insert registry.
type WorkerOptions struct {
	Config   config.WorkerConfig
	Handlers *HandlerRegistry
}

// scheduler runs tick on a fixed interval until stopped. Each tick gets its
// own goroutine, so a slow tick does not delay the next one.
type scheduler struct {
	name     string
	interval time.Duration
	tick     func(context.Context)
	ticker   *time.Ticker
	done     chan struct{}
}

func (s *scheduler) start(ctx context.Context) {
	s.ticker = time.NewTicker(s.interval)
	s.done = make(chan struct{})
	go s.run(ctx)
	log.Infof("[%s] started (%s interval)", s.name, s.interval)
}

func (s *scheduler) run(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			go s.tick(ctx)
		}
	}
}

func (s *scheduler) stop() {
	s.ticker.Stop()
	close(s.done)
}

// Workers owns the retry and health timers.
type Workers struct {
	schedulers []*scheduler
	once       sync.Once
}

// Cleanup stops future ticks. Work already running is neither cancelled nor
// awaited. Safe to call more than once.
func (w *Workers) Cleanup() {
	w.once.Do(func() {
		for _, s := range w.schedulers {
			s.stop()
			log.Infof("[%s] stopped", s.name)
		}
	})
}

// Running reports whether any timer was started.
func (w *Workers) Running() bool {
	return len(w.schedulers) > 0
}

// StartWorkers starts the failed-operation retry worker and the health
// snapshot worker. When the store is missing or unreachable it returns a
// handle that does nothing.
func StartWorkers(ctx context.Context, s *store.Store, rec instrument.Recorder, opts WorkerOptions) *Workers {
	cfg := opts.Config
	if !cfg.Enabled {
		log.Info("[Workers] disabled by configuration")
		return &Workers{}
	}
	if s == nil {
		log.Warn("[Workers] no store configured, background workers skipped")
		return &Workers{}
	}
	if err := s.Ping(ctx); err != nil {
		log.Warnf("[Workers] store unavailable, background workers skipped: %v", err)
		return &Workers{}
	}

	handlers := opts.Handlers
	if handlers == nil {
		handlers = DefaultHandlers(s)
	}

	retry := NewRetryWorker(s, handlers, rec, cfg)
	health := NewHealthWorker(s, rec, cfg)

	w := &Workers{schedulers: []*scheduler{
		{name: "RetryWorker", interval: orDefault(cfg.RetryInterval, defaultRetryInterval), tick: retry.Tick},
		{name: "HealthWorker", interval: orDefault(cfg.HealthInterval, defaultHealthInterval), tick: health.Tick},
	}}
	for _, sc := range w.schedulers {
		sc.start(ctx)
	}
	return w
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

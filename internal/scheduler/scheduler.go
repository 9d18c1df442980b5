package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/metrics"
)

// InstrumentSource lists the instruments to process each signal tick, in
// deterministic order.
type InstrumentSource interface {
	ListSubscribedInstruments(ctx context.Context) ([]market.Instrument, error)
}

// SignalWorker runs the generate -> detect -> publish pipeline for one
// instrument.
type SignalWorker interface {
	ProcessInstrument(ctx context.Context, inst market.Instrument) error
}

// PositionWorker runs one monitoring pass over all open positions.
type PositionWorker interface {
	CheckAll(ctx context.Context) error
}

// Config holds the tick periods and pool size.
type Config struct {
	SignalInterval   time.Duration // default 15 min
	PositionInterval time.Duration // default 60 s
	Workers          int           // default 4
	DrainTimeout     time.Duration // shutdown drain, default 10 s
}

// DefaultConfig returns the production tick configuration.
func DefaultConfig() Config {
	return Config{
		SignalInterval:   15 * time.Minute,
		PositionInterval: time.Minute,
		Workers:          4,
		DrainTimeout:     10 * time.Second,
	}
}

// Scheduler drives the two independent periodic ticks. The ticks never
// share a worker pool, so a slow signal tick cannot starve the position
// monitor. Overlapping ticks of the same type are elided (skip-if-busy).
type Scheduler struct {
	cron        *cron.Cron
	instruments InstrumentSource
	signals     SignalWorker
	positions   PositionWorker
	cfg         Config
	log         zerolog.Logger

	signalBusy   atomic.Bool
	positionBusy atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates the scheduler.
func New(instruments InstrumentSource, signals SignalWorker, positions PositionWorker, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		cron:        cron.New(),
		instruments: instruments,
		signals:     signals,
		positions:   positions,
		cfg:         cfg,
		log:         log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers both tick drivers and starts the cron engine.
func (s *Scheduler) Start() error {
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	if _, err := s.cron.AddFunc(everySpec(s.cfg.SignalInterval), s.runSignalTick); err != nil {
		return fmt.Errorf("failed to register signal tick: %w", err)
	}
	if _, err := s.cron.AddFunc(everySpec(s.cfg.PositionInterval), s.runPositionTick); err != nil {
		return fmt.Errorf("failed to register position tick: %w", err)
	}

	s.cron.Start()
	s.log.Info().
		Dur("signal_interval", s.cfg.SignalInterval).
		Dur("position_interval", s.cfg.PositionInterval).
		Int("workers", s.cfg.Workers).
		Msg("Scheduler started")

	return nil
}

func everySpec(d time.Duration) string {
	return "@every " + d.String()
}

// runSignalTick processes every subscribed instrument through a bounded
// worker pool. Each work item gets half the tick period as its budget.
func (s *Scheduler) runSignalTick() {
	if !s.signalBusy.CompareAndSwap(false, true) {
		s.log.Warn().Str("tick", metrics.TickSignal).Msg("tick_skipped")
		metrics.TicksSkipped.WithLabelValues(metrics.TickSignal).Inc()
		return
	}
	defer s.signalBusy.Store(false)

	metrics.TicksTotal.WithLabelValues(metrics.TickSignal).Inc()
	start := time.Now()
	defer func() {
		metrics.TickDuration.WithLabelValues(metrics.TickSignal).Observe(time.Since(start).Seconds())
	}()

	tickCtx, cancel := context.WithTimeout(s.baseCtx, s.cfg.SignalInterval)
	defer cancel()

	instruments, err := s.instruments.ListSubscribedInstruments(tickCtx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list instruments for tick")
		return
	}
	if len(instruments) == 0 {
		s.log.Debug().Msg("No subscribed instruments, idle tick")
		return
	}

	itemBudget := s.cfg.SignalInterval / 2

	saturation := float64(len(instruments)) / float64(s.cfg.Workers)
	if saturation > 1 {
		saturation = 1
	}
	metrics.PoolSaturation.WithLabelValues(metrics.TickSignal).Set(saturation)
	defer metrics.PoolSaturation.WithLabelValues(metrics.TickSignal).Set(0)

	g, gctx := errgroup.WithContext(tickCtx)
	g.SetLimit(s.cfg.Workers)

	for _, inst := range instruments {
		inst := inst
		g.Go(func() error {
			itemCtx, cancel := context.WithTimeout(gctx, itemBudget)
			defer cancel()

			if err := s.signals.ProcessInstrument(itemCtx, inst); err != nil {
				s.log.Warn().
					Err(err).
					Str("instrument", inst.String()).
					Msg("Instrument processing failed")
			}
			// Item failures never abort the tick.
			return nil
		})
	}

	g.Wait()

	s.log.Info().
		Int("instruments", len(instruments)).
		Dur("duration", time.Since(start)).
		Msg("Signal tick complete")
}

// runPositionTick runs one monitoring pass over all open positions.
func (s *Scheduler) runPositionTick() {
	if !s.positionBusy.CompareAndSwap(false, true) {
		s.log.Warn().Str("tick", metrics.TickPosition).Msg("tick_skipped")
		metrics.TicksSkipped.WithLabelValues(metrics.TickPosition).Inc()
		return
	}
	defer s.positionBusy.Store(false)

	metrics.TicksTotal.WithLabelValues(metrics.TickPosition).Inc()
	start := time.Now()
	defer func() {
		metrics.TickDuration.WithLabelValues(metrics.TickPosition).Observe(time.Since(start).Seconds())
	}()

	tickCtx, cancel := context.WithTimeout(s.baseCtx, s.cfg.PositionInterval)
	defer cancel()

	if err := s.positions.CheckAll(tickCtx); err != nil {
		s.log.Warn().Err(err).Msg("Position tick failed")
	}
}

// Stop cancels in-flight work and drains the cron engine, waiting at most
// DrainTimeout before giving up.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.log.Info().Msg("Scheduler stopped")
	case <-time.After(s.cfg.DrainTimeout):
		s.log.Warn().Dur("timeout", s.cfg.DrainTimeout).Msg("Scheduler drain timed out")
	}
}

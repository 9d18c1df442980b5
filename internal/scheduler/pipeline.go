package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/aifx-io/aifx/internal/broker"
	"github.com/aifx-io/aifx/internal/market"
	"github.com/aifx-io/aifx/internal/metrics"
	"github.com/aifx-io/aifx/internal/notify"
	"github.com/aifx-io/aifx/internal/signal"
)

// Pipeline is the per-instrument work item run on each signal tick:
// incremental collection, generation, change detection, publication and
// delivery fan-out.
type Pipeline struct {
	collector *market.Collector
	generator *signal.Generator
	detector  *signal.Detector
	broker    *broker.Broker
	filter    *notify.Filter
}

// NewPipeline wires the signal tick pipeline.
func NewPipeline(collector *market.Collector, generator *signal.Generator, detector *signal.Detector, b *broker.Broker, filter *notify.Filter) *Pipeline {
	return &Pipeline{
		collector: collector,
		generator: generator,
		detector:  detector,
		broker:    b,
		filter:    filter,
	}
}

// ProcessInstrument runs the full pipeline for one instrument.
func (p *Pipeline) ProcessInstrument(ctx context.Context, inst market.Instrument) error {
	// Keep stored history current first; generation reads from it.
	if err := p.collector.CollectIncremental(ctx, inst); err != nil {
		log.Warn().Err(err).Str("instrument", inst.String()).Msg("Incremental collection failed")
	}

	sig, err := p.generator.Generate(ctx, inst)
	if err != nil {
		if errors.Is(err, signal.ErrNoSignal) {
			log.Debug().Err(err).Str("instrument", inst.String()).Msg("No signal this tick")
			return nil
		}
		return fmt.Errorf("generation failed: %w", err)
	}
	metrics.SignalsGenerated.WithLabelValues(string(sig.Action), string(sig.Source)).Inc()

	event, err := p.detector.Observe(ctx, sig)
	if err != nil {
		return fmt.Errorf("change detection failed: %w", err)
	}
	if event == nil {
		return nil
	}
	metrics.SignalChanges.WithLabelValues(string(event.Reason)).Inc()

	if err := p.broker.PublishSignalChange(ctx, event); err != nil {
		log.Warn().
			Err(err).
			Str("event_id", event.ID.String()).
			Msg("Failed to publish change event")
	}

	p.filter.HandleChange(ctx, event)

	return nil
}

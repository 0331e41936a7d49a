package store

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/drover/internal/pipeline"
)

func (s *sqliteStore) initMetrics() {
	var err error

	s.transitionCounter, err = s.meter.Int64Counter(
		"drover.store.transitions_total",
		metric.WithDescription("Stage transition attempts by outcome"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		s.logger.Warn("failed to create transition counter", zap.Error(err))
	}

	s.archiveCounter, err = s.meter.Int64Counter(
		"drover.store.archived_total",
		metric.WithDescription("Issues archived after terminal grace"),
		metric.WithUnit("{issue}"),
	)
	if err != nil {
		s.logger.Warn("failed to create archive counter", zap.Error(err))
	}
}

func (s *sqliteStore) recordTransition(ctx context.Context, from, to pipeline.Stage, outcome string) {
	if s.transitionCounter == nil {
		return
	}
	s.transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
		attribute.String("outcome", outcome),
	))
}

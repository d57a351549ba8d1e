// Package aggregate maintains the hourly rollup table. Windows are aggregated
// between the stored watermark and the current hour boundary; every write is
// an idempotent replace, so partial hours can be safely re-aggregated until
// they are final.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/HanTheDev/usage-watchdog/internal/metrics"
	"github.com/HanTheDev/usage-watchdog/internal/models"
	"github.com/rs/zerolog"
)

// LogStore is the read-only aggregation query surface.
type LogStore interface {
	HourlyRollups(ctx context.Context, dim models.Dimension, start, end time.Time) ([]models.HourlyRollup, error)
}

// RollupStore is the write surface for the rollup table.
type RollupStore interface {
	UpsertRollups(ctx context.Context, rollups []models.HourlyRollup) (int64, error)
	DeleteRollupsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// WatermarkStore persists the end of the last successfully aggregated window.
type WatermarkStore interface {
	Watermark(ctx context.Context) (time.Time, bool, error)
	SetWatermark(ctx context.Context, t time.Time) error
}

// Engine computes hourly rollups for all four dimensions.
type Engine struct {
	logs      LogStore
	rollups   RollupStore
	watermark WatermarkStore

	hoursBack     int
	retentionDays int

	logger    zerolog.Logger
	collector *metrics.Collector
	now       func() time.Time
}

func NewEngine(logs LogStore, rollups RollupStore, watermark WatermarkStore, hoursBack, retentionDays int, logger zerolog.Logger, collector *metrics.Collector) *Engine {
	return &Engine{
		logs:          logs,
		rollups:       rollups,
		watermark:     watermark,
		hoursBack:     hoursBack,
		retentionDays: retentionDays,
		logger:        logger,
		collector:     collector,
		now:           time.Now,
	}
}

// Run aggregates [start, end) where end is now truncated to the hour and
// start is the watermark, or end minus the first-run lookback when no
// watermark exists. The watermark advances only after all four dimensions
// succeed; any failure aborts the tick so the same window is retried next
// interval.
func (e *Engine) Run(ctx context.Context) error {
	end := e.now().Truncate(time.Hour)

	wm, ok, err := e.watermark.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	var start time.Time
	if ok {
		if !wm.Before(end) {
			e.logger.Debug().Time("watermark", wm).Time("end", end).Msg("already caught up, nothing to aggregate")
			return nil
		}
		start = wm
	} else {
		start = end.Add(-time.Duration(e.hoursBack) * time.Hour)
	}

	e.logger.Info().Time("start", start).Time("end", end).Msg("aggregating hourly usage")

	for _, dim := range models.Dimensions {
		if err := e.aggregateDimension(ctx, dim, start, end); err != nil {
			return fmt.Errorf("aggregate %s dimension: %w", dim, err)
		}
	}

	if err := e.watermark.SetWatermark(ctx, end); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}

	e.logger.Info().Time("end", end).Msg("hourly aggregation completed")
	return nil
}

func (e *Engine) aggregateDimension(ctx context.Context, dim models.Dimension, start, end time.Time) error {
	rollups, err := e.logs.HourlyRollups(ctx, dim, start, end)
	if err != nil {
		return err
	}
	if len(rollups) == 0 {
		return nil
	}

	affected, err := e.rollups.UpsertRollups(ctx, rollups)
	if err != nil {
		return err
	}

	e.collector.RollupRowsUpserted.Add(float64(len(rollups)))
	e.logger.Debug().
		Str("dimension", string(dim)).
		Int("rows", len(rollups)).
		Int64("affected", affected).
		Msg("dimension aggregated")
	return nil
}

// Cleanup deletes rollup rows older than the retention window.
func (e *Engine) Cleanup(ctx context.Context) error {
	cutoff := e.now().AddDate(0, 0, -e.retentionDays)

	deleted, err := e.rollups.DeleteRollupsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup rollups: %w", err)
	}

	e.collector.RollupRowsDeleted.Add(float64(deleted))
	e.logger.Info().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("old rollups cleaned up")
	return nil
}

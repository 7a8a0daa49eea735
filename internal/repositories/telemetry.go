package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/platform-io/platform/internal/db"
)

// gormTelemetryRepository is the GORM implementation of TelemetryRepository.
type gormTelemetryRepository struct {
	db *gorm.DB
}

// NewTelemetryRepository returns a TelemetryRepository backed by GORM.
func NewTelemetryRepository(database *gorm.DB) TelemetryRepository {
	return &gormTelemetryRepository{db: database}
}

const telemetryBatchSize = 200

func (r *gormTelemetryRepository) InsertSpans(ctx context.Context, spans []db.TelemetrySpan) error {
	if len(spans) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(spans, telemetryBatchSize).Error; err != nil {
		return fmt.Errorf("telemetry: insert spans: %w", err)
	}
	return nil
}

func (r *gormTelemetryRepository) InsertLogs(ctx context.Context, logs []db.TelemetryLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(logs, telemetryBatchSize).Error; err != nil {
		return fmt.Errorf("telemetry: insert logs: %w", err)
	}
	return nil
}

func (r *gormTelemetryRepository) InsertMetrics(ctx context.Context, metrics []db.TelemetryMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(metrics, telemetryBatchSize).Error; err != nil {
		return fmt.Errorf("telemetry: insert metrics: %w", err)
	}
	return nil
}

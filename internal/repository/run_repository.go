package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/chakshot/internal/logging"
	"github.com/example/chakshot/internal/retry"
)

// RunLog is the persisted summary of a pipeline run. Images and analysis
// text are never stored.
type RunLog struct {
	ID             uint      `gorm:"primaryKey"`
	RunID          string    `gorm:"column:run_id;uniqueIndex;size:64"`
	Subject        string    `gorm:"column:subject;index;size:128"`
	Mode           string    `gorm:"column:mode;size:32"`
	Language       string    `gorm:"column:language;size:8"`
	Status         string    `gorm:"column:status;index;size:16"`
	BaselineStatus string    `gorm:"column:baseline_status;size:16"`
	ActiveStatus   string    `gorm:"column:active_status;size:16"`
	Error          string    `gorm:"column:error;type:text"`
	LatencyMs      int64     `gorm:"column:latency_ms"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (RunLog) TableName() string {
	return "run_logs"
}

// MetricsAggregation holds the raw counters behind the metrics summary.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	PartialCount     int64
	FailedCount      int64
	AverageLatencyMs float64
}

// RunRepository provides persistence APIs for run logs.
type RunRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRunRepository creates a new repository instance.
func NewRunRepository(db *gorm.DB, logger *zap.Logger) *RunRepository {
	return &RunRepository{
		db:             db,
		logger:         logger.Named("run_repository"),
		retryAttempts:  retry.DefaultPolicy.Attempts,
		initialBackoff: retry.DefaultPolicy.InitialBackoff,
		maxBackoff:     retry.DefaultPolicy.MaxBackoff,
	}
}

// AutoMigrate ensures the schema is available.
func (r *RunRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&RunLog{})
}

// SaveLog persists a run log entry.
func (r *RunRepository) SaveLog(ctx context.Context, log *RunLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RunID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRunIDAndSubject retrieves a run log matching the run and its owner.
// A missing row is reported as gorm.ErrRecordNotFound.
func (r *RunRepository) FindByRunIDAndSubject(ctx context.Context, runID, subject string) (*RunLog, error) {
	const op = "repository.find_run"
	var (
		log      RunLog
		notFound bool
	)
	err := r.executeWithRetry(ctx, op, runID, func() error {
		err := r.db.WithContext(ctx).First(&log, "run_id = ? AND subject = ?", runID, subject).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			notFound = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, logging.NewOperationError(op, runID, gorm.ErrRecordNotFound)
	}
	return &log, nil
}

// AggregateMetrics counts runs per status and averages their latency.
func (r *RunRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount       int64
		SuccessCount     int64
		PartialCount     int64
		FailedCount      int64
		AverageLatencyMs float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&RunLog{}).Select(
			"COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS success_count, " +
				"COALESCE(SUM(CASE WHEN status = 'partial' THEN 1 ELSE 0 END), 0) AS partial_count, " +
				"COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed_count, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
		).Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:       row.TotalCount,
		SuccessCount:     row.SuccessCount,
		PartialCount:     row.PartialCount,
		FailedCount:      row.FailedCount,
		AverageLatencyMs: row.AverageLatencyMs,
	}, nil
}

func (r *RunRepository) executeWithRetry(ctx context.Context, operation, runID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
	}
	return retry.Do(ctx, r.logger, policy, operation, runID, fn)
}

package models

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

const (
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredTunnel   = "tunnel"
	SyncTriggeredBackfill = "backfill"
)

// SyncRun is one sync.sales invocation.
type SyncRun struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	CorrelationId  string     `gorm:"index;size:64" json:"correlation_id"`
	TriggeredBy    string     `gorm:"size:20" json:"triggered_by"`
	Status         string     `gorm:"index;size:20;not null" json:"status"`
	DateFrom       time.Time  `json:"date_from"`
	DateTo         time.Time  `json:"date_to"`
	NodesJSON      []byte     `gorm:"type:json" json:"nodes"`
	StatsJSON      []byte     `gorm:"type:json" json:"stats"`
	RecordsFetched int        `json:"records_fetched"`
	LineItems      int        `json:"line_items"`
	Headers        int        `json:"headers"`
	ErrorCount     int        `json:"error_count"`
	Message        string     `gorm:"type:text" json:"message"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	DurationMs     int64      `json:"duration_ms"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRunError is one record the run could not map.
type SyncRunError struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	SyncRunId  uint      `gorm:"index;not null" json:"sync_run_id"`
	Node       string    `gorm:"size:100" json:"node"`
	ExternalId string    `gorm:"size:128" json:"external_id"`
	ErrorCode  string    `gorm:"size:64" json:"error_code"`
	Message    string    `gorm:"type:text" json:"message"`
	Retryable  bool      `gorm:"default:false" json:"retryable"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func StartSyncRun(ctx context.Context, db *gorm.DB, run *SyncRun) error {
	now := time.Now()
	run.Status = SyncRunStatusRunning
	run.StartedAt = &now
	return db.WithContext(ctx).Create(run).Error
}

// FinishSyncRun stamps the outcome; stats is stored as JSON.
func FinishSyncRun(ctx context.Context, db *gorm.DB, run *SyncRun, status string, stats any, message string) error {
	finishedAt := time.Now()
	var durationMs int64
	if run.StartedAt != nil {
		durationMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}
	statsJSON, _ := json.Marshal(stats)

	run.Status = status
	run.FinishedAt = &finishedAt
	run.DurationMs = durationMs
	run.StatsJSON = statsJSON
	run.Message = message
	return db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":          status,
		"finished_at":     finishedAt,
		"duration_ms":     durationMs,
		"stats_json":      statsJSON,
		"records_fetched": run.RecordsFetched,
		"line_items":      run.LineItems,
		"headers":         run.Headers,
		"error_count":     run.ErrorCount,
		"message":         message,
	}).Error
}

func CreateSyncRunErrors(ctx context.Context, db *gorm.DB, errs []SyncRunError) error {
	if len(errs) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(errs, 200).Error
}

// ListSyncRuns returns the most recent runs first.
func ListSyncRuns(ctx context.Context, db *gorm.DB, limit int) ([]SyncRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var runs []SyncRun
	err := db.WithContext(ctx).Order("id desc").Limit(limit).Find(&runs).Error
	return runs, err
}

func ListSyncRunErrors(ctx context.Context, db *gorm.DB, runId uint) ([]SyncRunError, error) {
	var errs []SyncRunError
	err := db.WithContext(ctx).Where("sync_run_id = ?", runId).Order("id").Find(&errs).Error
	return errs, err
}

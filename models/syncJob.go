package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/finsync_backend/config"
	"gorm.io/gorm"
)

const (
	SyncJobStatusPending   = "pending"
	SyncJobStatusRunning   = "running"
	SyncJobStatusCompleted = "completed"
	SyncJobStatusFailed    = "failed"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

const (
	FetchModeCursor = "cursor"
	FetchModeBulk   = "bulk"
)

// SyncJob tracks one reconciliation run over a (tenant, window). A caller
// polling asynchronously observes liveness here; ChunkStateJSON records the
// last completed chunk so a crashed run resumes instead of restarting.
type SyncJob struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	TenantId       string     `gorm:"uniqueIndex:idx_sync_job_window,priority:1;size:64;not null" json:"tenant_id"`
	WindowStart    time.Time  `gorm:"uniqueIndex:idx_sync_job_window,priority:2;not null" json:"window_start"`
	WindowEnd      time.Time  `gorm:"uniqueIndex:idx_sync_job_window,priority:3;not null" json:"window_end"`
	Status         string     `gorm:"size:20;not null" json:"status"`
	FetchMode      string     `gorm:"size:20" json:"fetch_mode"`
	ChunkDays      int        `gorm:"default:1" json:"chunk_days"`
	TriggeredBy    string     `gorm:"size:20" json:"triggered_by"`
	TotalCount     int        `json:"total_count"`
	ProcessedCount int        `json:"processed_count"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message"`
	ChunkStateJSON []byte     `gorm:"type:json" json:"chunk_state"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	DurationMs     int64      `json:"duration_ms"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncIssue records one skipped record or chunk-level failure with enough
// payload to replay it by hand. Data-quality problems land here instead of
// aborting the batch.
type SyncIssue struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncJobId   uint      `gorm:"index;not null" json:"sync_job_id"`
	TenantId    string    `gorm:"index;size:64;not null" json:"tenant_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	Code        string    `gorm:"size:64" json:"code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateSyncJob(ctx context.Context, job *SyncJob) error {
	db := config.GetDB()
	if job.Status == "" {
		job.Status = SyncJobStatusPending
	}
	return db.WithContext(ctx).Create(job).Error
}

func GetSyncJob(ctx context.Context, tenantId string, jobId uint) (*SyncJob, error) {
	db := config.GetDB()
	var job SyncJob
	err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", jobId, tenantId).
		Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// FindSyncJobForWindow returns an existing job row for the exact window, if
// any. A resumed run reuses it rather than violating the window unique key.
func FindSyncJobForWindow(ctx context.Context, tenantId string, start, end time.Time) (*SyncJob, error) {
	db := config.GetDB()
	var job SyncJob
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND window_start = ? AND window_end = ?", tenantId, start, end).
		Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func ListSyncJobs(ctx context.Context, tenantId string, limit int) ([]SyncJob, error) {
	db := config.GetDB()
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var jobs []SyncJob
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Order("id DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (job *SyncJob) MarkRunning(ctx context.Context, db *gorm.DB, totalCount int) error {
	now := time.Now()
	startedAt := job.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	updates := map[string]interface{}{
		"status":      SyncJobStatusRunning,
		"started_at":  startedAt,
		"total_count": totalCount,
	}
	if err := db.WithContext(ctx).Model(job).Updates(updates).Error; err != nil {
		return err
	}
	job.Status = SyncJobStatusRunning
	job.StartedAt = startedAt
	job.TotalCount = totalCount
	return nil
}

// Advance adds delta to the processed counter and checkpoints chunk state.
func (job *SyncJob) Advance(ctx context.Context, db *gorm.DB, delta int, chunkState []byte) error {
	job.ProcessedCount += delta
	updates := map[string]interface{}{
		"processed_count": job.ProcessedCount,
	}
	if chunkState != nil {
		updates["chunk_state_json"] = chunkState
		job.ChunkStateJSON = chunkState
	}
	return db.WithContext(ctx).Model(job).Updates(updates).Error
}

func (job *SyncJob) Complete(ctx context.Context, db *gorm.DB) error {
	return job.finish(ctx, db, SyncJobStatusCompleted, "")
}

func (job *SyncJob) Fail(ctx context.Context, db *gorm.DB, message string) error {
	return job.finish(ctx, db, SyncJobStatusFailed, message)
}

func (job *SyncJob) finish(ctx context.Context, db *gorm.DB, status string, message string) error {
	now := time.Now()
	var durationMs int64
	if job.StartedAt != nil {
		durationMs = now.Sub(*job.StartedAt).Milliseconds()
	}
	updates := map[string]interface{}{
		"status":        status,
		"finished_at":   now,
		"duration_ms":   durationMs,
		"error_message": message,
	}
	if err := db.WithContext(ctx).Model(job).Updates(updates).Error; err != nil {
		return err
	}
	job.Status = status
	job.FinishedAt = &now
	job.DurationMs = durationMs
	job.ErrorMessage = message
	return nil
}

func CreateSyncIssue(ctx context.Context, db *gorm.DB, issue SyncIssue) error {
	return db.WithContext(ctx).Create(&issue).Error
}

func ListSyncIssues(ctx context.Context, tenantId string, jobId uint) ([]SyncIssue, error) {
	db := config.GetDB()
	var issues []SyncIssue
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND sync_job_id = ?", tenantId, jobId).
		Order("id").
		Find(&issues).Error
	return issues, err
}

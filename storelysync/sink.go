package storelysync

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/finsync_backend/models"
	"gorm.io/gorm"
)

// Sink persists one chunk of built facts. A chunk commits atomically or not
// at all; a half-built chunk must never become visible.
type Sink interface {
	UpsertFacts(ctx context.Context, orders []models.OrderFact, lines []models.LineItemFact) error
}

// IssueStore records data-quality findings without failing the batch.
type IssueStore interface {
	Record(ctx context.Context, issue models.SyncIssue)
}

// JobTracker is the orchestrator's view of the SyncJob row.
type JobTracker interface {
	MarkRunning(ctx context.Context, totalCount int) error
	Advance(ctx context.Context, delta int, chunkState []byte) error
	Complete(ctx context.Context) error
	Fail(ctx context.Context, message string) error
}

type gormSink struct {
	db *gorm.DB
}

func NewGormSink(db *gorm.DB) Sink {
	return &gormSink{db: db}
}

func (s *gormSink) UpsertFacts(ctx context.Context, orders []models.OrderFact, lines []models.LineItemFact) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := models.UpsertOrderFacts(ctx, tx, orders); err != nil {
			return err
		}
		return models.UpsertLineItemFacts(ctx, tx, lines)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWrite, err)
	}
	return nil
}

type gormIssueStore struct {
	db       *gorm.DB
	jobId    uint
	tenantId string
}

func NewGormIssueStore(db *gorm.DB, jobId uint, tenantId string) IssueStore {
	return &gormIssueStore{db: db, jobId: jobId, tenantId: tenantId}
}

func (s *gormIssueStore) Record(ctx context.Context, issue models.SyncIssue) {
	issue.SyncJobId = s.jobId
	issue.TenantId = s.tenantId
	// Best-effort: an unrecordable issue is not worth failing a chunk over.
	_ = models.CreateSyncIssue(ctx, s.db, issue)
}

type gormJobTracker struct {
	db  *gorm.DB
	job *models.SyncJob
}

func NewGormJobTracker(db *gorm.DB, job *models.SyncJob) JobTracker {
	return &gormJobTracker{db: db, job: job}
}

func (t *gormJobTracker) MarkRunning(ctx context.Context, totalCount int) error {
	return t.job.MarkRunning(ctx, t.db, totalCount)
}

func (t *gormJobTracker) Advance(ctx context.Context, delta int, chunkState []byte) error {
	return t.job.Advance(ctx, t.db, delta, chunkState)
}

func (t *gormJobTracker) Complete(ctx context.Context) error {
	return t.job.Complete(ctx, t.db)
}

func (t *gormJobTracker) Fail(ctx context.Context, message string) error {
	return t.job.Fail(ctx, t.db, message)
}

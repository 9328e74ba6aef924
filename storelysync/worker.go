package storelysync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/finsync_backend/config"
	"bitbucket.org/mmdatafocus/finsync_backend/models"
	"bitbucket.org/mmdatafocus/finsync_backend/recon"
	"bitbucket.org/mmdatafocus/finsync_backend/utils"
)

const (
	tenantLockType = "storely-sync"
	tenantLockTTL  = 10 * time.Minute

	defaultChunkDays  = 1
	maxWindowDaysDef  = 90
	issueTypeChunk    = "chunk"
	issueCodeChunkErr = "chunk_failed"
)

// SyncSummary is the terminal report of one run. A chunk that failed after
// its retries appears in FailedChunks; its orders are picked up by the next
// run over the same window.
type SyncSummary struct {
	JobId        uint     `json:"job_id"`
	Orders       int      `json:"orders"`
	Chunks       int      `json:"chunks"`
	FailedChunks []string `json:"failed_chunks,omitempty"`
	DurationMs   int64    `json:"duration_ms"`
}

type chunkWindow struct {
	start time.Time
	end   time.Time
}

func (c chunkWindow) label() string {
	return c.start.UTC().Format(time.RFC3339) + ".." + c.end.UTC().Format(time.RFC3339)
}

// splitChunks cuts [start, end) into day-aligned chunks of chunkDays each.
// The last chunk is clipped to the window end.
func splitChunks(start, end time.Time, chunkDays int) []chunkWindow {
	if chunkDays < 1 {
		chunkDays = defaultChunkDays
	}
	step := time.Duration(chunkDays) * 24 * time.Hour

	var out []chunkWindow
	for cur := start; cur.Before(end); cur = cur.Add(step) {
		chunkEnd := cur.Add(step)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		out = append(out, chunkWindow{start: cur, end: chunkEnd})
	}
	return out
}

func parseWindow(startStr, endStr string) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(startStr))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid windowStart: %w", err)
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(endStr))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid windowEnd: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("windowEnd must be after windowStart")
	}
	maxDays := utils.IntFromEnv("STORELY_SYNC_MAX_WINDOW_DAYS", maxWindowDaysDef)
	if end.Sub(start) > time.Duration(maxDays)*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("window exceeds %d days", maxDays)
	}
	return start.UTC(), end.UTC(), nil
}

// resolveFetchMode picks the fetch strategy: an explicit request wins, then
// the tenant's configured mode, then the bulk-export rollout flag.
func resolveFetchMode(requested string, cfg models.TenantConfig) string {
	switch requested {
	case models.FetchModeCursor, models.FetchModeBulk:
		return requested
	}
	if cfg.FetchMode != "" {
		return cfg.FetchMode
	}
	if config.UseBulkExportFor(cfg.TenantId) {
		return models.FetchModeBulk
	}
	return models.FetchModeCursor
}

// StartSync validates the request and registers a pending job for the
// window. Re-triggering an existing window returns the existing job row, so
// the caller can resume or poll it instead of duplicating work.
func StartSync(ctx context.Context, tenantId string, req TriggerSyncRequest) (*models.SyncJob, error) {
	cfg, err := models.GetTenantConfig(ctx, tenantId)
	if err != nil {
		return nil, err
	}

	start, end, err := parseWindow(req.WindowStart, req.WindowEnd)
	if err != nil {
		return nil, err
	}

	chunkDays := req.ChunkDays
	if chunkDays <= 0 {
		chunkDays = utils.IntFromEnv("STORELY_SYNC_CHUNK_DAYS", defaultChunkDays)
	}

	existing, err := models.FindSyncJobForWindow(ctx, tenantId, start, end)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	job := &models.SyncJob{
		TenantId:    tenantId,
		WindowStart: start,
		WindowEnd:   end,
		Status:      models.SyncJobStatusPending,
		FetchMode:   resolveFetchMode(req.FetchMode, cfg),
		ChunkDays:   chunkDays,
		TriggeredBy: models.SyncTriggeredManual,
	}
	if err := models.CreateSyncJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RunJob executes a registered job under the tenant's distributed lock. A
// second run for the same tenant bounces off the lock instead of racing the
// upstream's single-export-job limit.
func RunJob(ctx context.Context, tenantId string, jobId uint) (SyncSummary, error) {
	cfg, err := models.GetTenantConfig(ctx, tenantId)
	if err != nil {
		return SyncSummary{}, err
	}

	job, err := models.GetSyncJob(ctx, tenantId, jobId)
	if err != nil {
		return SyncSummary{}, err
	}
	if job == nil {
		return SyncSummary{}, fmt.Errorf("sync job %d not found for tenant %s", jobId, tenantId)
	}
	if job.Status == models.SyncJobStatusCompleted {
		return SyncSummary{JobId: job.ID, Orders: job.ProcessedCount, DurationMs: job.DurationMs}, nil
	}

	var summary SyncSummary
	err = utils.TenantLock(ctx, tenantId, tenantLockType, tenantLockTTL, "storelysync", "RunJob", func(ctx context.Context) error {
		db := config.GetDB()
		client, err := NewClient(cfg)
		if err != nil {
			_ = NewGormJobTracker(db, job).Fail(ctx, err.Error())
			return err
		}

		var source DataSource
		if job.FetchMode == models.FetchModeBulk {
			source = NewBulkJobRunner(client, DefaultRetryPolicy())
		} else {
			source = NewCursorPager(client, DefaultRetryPolicy())
		}

		s, runErr := executeSync(ctx, cfg,
			job.WindowStart, job.WindowEnd, job.ChunkDays,
			DecodeChunkState(job.ChunkStateJSON),
			source,
			NewGormSink(db),
			NewGormJobTracker(db, job),
			NewGormIssueStore(db, job.ID, tenantId))
		s.JobId = job.ID
		summary = s
		return runErr
	})
	return summary, err
}

// RunSync is the synchronous path: register the window and run it in the
// calling goroutine. The HTTP trigger prefers StartSync plus a Pub/Sub
// hand-off; this is for the retrigger endpoint and local runs.
func RunSync(ctx context.Context, tenantId string, req TriggerSyncRequest) (SyncSummary, error) {
	job, err := StartSync(ctx, tenantId, req)
	if err != nil {
		return SyncSummary{}, err
	}
	return RunJob(ctx, tenantId, job.ID)
}

// executeSync drives the chunk loop. Chunks completed by a previous run of
// this window (per the persisted checkpoint) are skipped; a chunk that fails
// is recorded and the loop moves on, so one bad day cannot starve the rest
// of the window. Only invariant violations in the payload abort the run.
func executeSync(ctx context.Context, cfg models.TenantConfig,
	windowStart, windowEnd time.Time, chunkDays int, resume ChunkState,
	source DataSource, sink Sink, tracker JobTracker, issues IssueStore) (SyncSummary, error) {

	logger := config.GetLogger()
	startedAt := time.Now()

	// Terminal status updates must land even when the run context has just
	// been cancelled; otherwise the job row is stranded in running.
	termCtx := context.WithoutCancel(ctx)

	chunks := splitChunks(windowStart, windowEnd, chunkDays)
	summary := SyncSummary{Chunks: len(chunks)}

	if err := tracker.MarkRunning(ctx, len(chunks)); err != nil {
		return summary, err
	}

	var checkpoint time.Time
	if resume.LastCompletedChunkEnd != "" {
		if t, err := time.Parse(time.RFC3339, resume.LastCompletedChunkEnd); err == nil {
			checkpoint = t
		}
	}

	attempted := 0
	for _, c := range chunks {
		if !checkpoint.IsZero() && !c.end.After(checkpoint) {
			continue
		}

		// Cancellation is checked between chunks too, so a run stops without
		// burning a fetch when the signal arrives while idle.
		if err := ctx.Err(); err != nil {
			_ = tracker.Fail(termCtx, "sync cancelled: "+err.Error())
			summary.DurationMs = time.Since(startedAt).Milliseconds()
			return summary, err
		}

		attempted++
		processed, err := processChunk(ctx, cfg, c, source, sink, issues)
		if err != nil {
			// Cancellation surfacing through the chunk body is a run
			// termination, never a chunk failure: the chunk must not count
			// against the window and the job must not read completed.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				_ = tracker.Fail(termCtx, "sync cancelled: "+err.Error())
				summary.DurationMs = time.Since(startedAt).Milliseconds()
				return summary, err
			}
			if errors.Is(err, recon.ErrInvalidOrder) {
				_ = tracker.Fail(termCtx, err.Error())
				summary.DurationMs = time.Since(startedAt).Milliseconds()
				return summary, err
			}
			summary.FailedChunks = append(summary.FailedChunks, c.label())
			issues.Record(ctx, models.SyncIssue{
				EntityType: issueTypeChunk,
				ExternalId: c.label(),
				Code:       issueCodeChunkErr,
				Message:    err.Error(),
				Retryable:  ClassifyError(err).Retryable,
			})
			config.LogError(logger, "storelysync", "executeSync", "chunk failed", c.label(), err)
			continue
		}

		summary.Orders += processed
		state := EncodeChunkState(ChunkState{LastCompletedChunkEnd: c.end.UTC().Format(time.RFC3339)})
		if err := tracker.Advance(ctx, 1, state); err != nil {
			summary.DurationMs = time.Since(startedAt).Milliseconds()
			return summary, err
		}
	}

	summary.DurationMs = time.Since(startedAt).Milliseconds()

	if attempted > 0 && len(summary.FailedChunks) == attempted {
		msg := "all chunks failed: " + strings.Join(summary.FailedChunks, ", ")
		_ = tracker.Fail(termCtx, msg)
		return summary, errors.New(msg)
	}
	if err := tracker.Complete(termCtx); err != nil {
		return summary, err
	}
	return summary, nil
}

// processChunk fetches one chunk, builds facts, and commits them in a single
// transaction. Duplicate orders within the chunk collapse before the write.
func processChunk(ctx context.Context, cfg models.TenantConfig, c chunkWindow,
	source DataSource, sink Sink, issues IssueStore) (int, error) {

	logger := config.GetLogger()

	raw, err := source.FetchWindow(ctx, cfg, c.start, c.end)
	if err != nil {
		return 0, err
	}

	reconCfg := recon.Config{
		LedgerCurrency: cfg.LedgerCurrency,
		ConversionRate: cfg.ConversionRate,
	}

	var orderFacts []models.OrderFact
	var lineFacts []models.LineItemFact
	for _, order := range raw {
		orderFact, orderLines, orderIssues, err := recon.BuildFacts(order, cfg.TenantId, reconCfg)
		if err != nil {
			return 0, err
		}
		for _, iss := range orderIssues {
			config.LogWarn(logger, "storelysync", "processChunk", "data-quality issue", iss.ExternalId, iss.Message)
			issues.Record(ctx, models.SyncIssue{
				EntityType: iss.EntityType,
				ExternalId: iss.ExternalId,
				Code:       iss.Code,
				Message:    iss.Message,
			})
		}
		orderFacts = append(orderFacts, orderFact)
		lineFacts = append(lineFacts, orderLines...)
	}

	orderFacts = DedupeOrderFacts(orderFacts)
	lineFacts = DedupeLineItemFacts(lineFacts)

	if err := sink.UpsertFacts(ctx, orderFacts, lineFacts); err != nil {
		return 0, err
	}
	return len(orderFacts), nil
}

package storelysync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/finsync_backend/config"
	"bitbucket.org/mmdatafocus/finsync_backend/models"
	"bitbucket.org/mmdatafocus/finsync_backend/utils"
	"github.com/gin-gonic/gin"
)

func tenantIdFromRequest(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("x-tenant-id"))
}

func toSyncJobResponse(job models.SyncJob) SyncJobResponse {
	return SyncJobResponse{
		ID:             job.ID,
		Status:         job.Status,
		FetchMode:      job.FetchMode,
		WindowStart:    job.WindowStart.UTC().Format(time.RFC3339),
		WindowEnd:      job.WindowEnd.UTC().Format(time.RFC3339),
		TotalCount:     job.TotalCount,
		ProcessedCount: job.ProcessedCount,
		ErrorMessage:   job.ErrorMessage,
		StartedAt:      utils.FormatTime(job.StartedAt),
		FinishedAt:     utils.FormatTime(job.FinishedAt),
		DurationMs:     job.DurationMs,
	}
}

// TriggerSyncHandler registers a sync job for the requested window and hands
// it off asynchronously. The caller polls the job endpoint for progress.
func TriggerSyncHandler(c *gin.Context) {
	logger := config.GetLogger()

	tenantId := tenantIdFromRequest(c)
	if tenantId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "x-tenant-id header is required"})
		return
	}

	var req TriggerSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := utils.SetTenantIdInContext(c.Request.Context(), tenantId)
	job, err := StartSync(ctx, tenantId, req)
	if err != nil {
		if errors.Is(err, models.ErrUnknownTenant) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if job.Status == models.SyncJobStatusRunning {
		if ok, _ := canRetryJob(job, time.Now()); !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "a sync is already running for this window", "jobId": job.ID})
			return
		}
	}

	if err := dispatchJob(ctx, job.ID, tenantId); err != nil {
		config.LogError(logger, "storelysync", "TriggerSyncHandler", "dispatch sync job", job.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to dispatch sync job"})
		return
	}

	c.JSON(http.StatusAccepted, TriggerSyncResponse{JobId: job.ID, Status: job.Status})
}

// dispatchJob publishes the run when Pub/Sub is enabled, otherwise executes
// it on a detached background goroutine.
func dispatchJob(ctx context.Context, jobId uint, tenantId string) error {
	if utils.EnvBoolDefault("PUBSUB_ENABLED", false) {
		return PublishSyncRun(ctx, jobId, tenantId)
	}

	bg := utils.SetTenantIdInContext(context.Background(), tenantId)
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		bg = utils.SetCorrelationIdInContext(bg, correlationId)
	}
	go func() {
		if _, err := RunJob(bg, tenantId, jobId); err != nil {
			config.LogError(config.GetLogger(), "storelysync", "dispatchJob", "background sync run", jobId, err)
		}
	}()
	return nil
}

func JobStatusHandler(c *gin.Context) {
	tenantId := tenantIdFromRequest(c)
	if tenantId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "x-tenant-id header is required"})
		return
	}

	jobId, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	ctx := utils.SetTenantIdInContext(c.Request.Context(), tenantId)
	job, err := models.GetSyncJob(ctx, tenantId, uint(jobId))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync job not found"})
		return
	}

	c.JSON(http.StatusOK, toSyncJobResponse(*job))
}

func SyncHistoryHandler(c *gin.Context) {
	tenantId := tenantIdFromRequest(c)
	if tenantId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "x-tenant-id header is required"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	ctx := utils.SetTenantIdInContext(c.Request.Context(), tenantId)
	jobs, err := models.ListSyncJobs(ctx, tenantId, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := SyncHistoryResponse{Items: make([]SyncJobResponse, 0, len(jobs))}
	for _, job := range jobs {
		resp.Items = append(resp.Items, toSyncJobResponse(job))
	}
	c.JSON(http.StatusOK, resp)
}

func SyncIssuesHandler(c *gin.Context) {
	tenantId := tenantIdFromRequest(c)
	if tenantId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "x-tenant-id header is required"})
		return
	}

	jobId, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	ctx := utils.SetTenantIdInContext(c.Request.Context(), tenantId)
	issues, err := models.ListSyncIssues(ctx, tenantId, uint(jobId))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]SyncIssueResponse, 0, len(issues))
	for _, issue := range issues {
		out = append(out, SyncIssueResponse{
			ID:         issue.ID,
			EntityType: issue.EntityType,
			ExternalId: issue.ExternalId,
			Code:       issue.Code,
			Message:    issue.Message,
			Retryable:  issue.Retryable,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

// canRetryJob decides whether a job may be re-dispatched. Completed jobs
// never are. A running job may: a crashed worker leaves the row stranded in
// running, so once its last update is older than the tenant lock TTL the job
// is treated as orphaned and retried from its checkpoint. A worker that is
// actually alive still holds the lock, so a premature retry only bounces.
func canRetryJob(job *models.SyncJob, now time.Time) (bool, string) {
	switch job.Status {
	case models.SyncJobStatusCompleted:
		return false, "job already completed"
	case models.SyncJobStatusRunning:
		if now.Sub(job.UpdatedAt) < tenantLockTTL {
			return false, "job is already running"
		}
	}
	return true, ""
}

// RetrySyncHandler re-runs a failed or interrupted job from its checkpoint.
// A job stranded in running by a crashed process becomes retryable once it
// has gone stale.
func RetrySyncHandler(c *gin.Context) {
	tenantId := tenantIdFromRequest(c)
	if tenantId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "x-tenant-id header is required"})
		return
	}

	jobId, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	ctx := utils.SetTenantIdInContext(c.Request.Context(), tenantId)
	job, err := models.GetSyncJob(ctx, tenantId, uint(jobId))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync job not found"})
		return
	}
	if ok, reason := canRetryJob(job, time.Now()); !ok {
		c.JSON(http.StatusConflict, gin.H{"error": reason})
		return
	}

	if err := dispatchJob(ctx, job.ID, tenantId); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to dispatch sync job"})
		return
	}
	c.JSON(http.StatusAccepted, TriggerSyncResponse{JobId: job.ID, Status: models.SyncJobStatusPending})
}

package storelysync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/finsync_backend/config"
	"bitbucket.org/mmdatafocus/finsync_backend/models"
	"bitbucket.org/mmdatafocus/finsync_backend/recon"
	"bitbucket.org/mmdatafocus/finsync_backend/utils"
	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// BulkJobRunner fetches a window through the upstream's async export:
// submit a job, poll until terminal, download and parse the JSONL result.
// The upstream allows one export job per tenant, so a stuck prior job is
// cancelled before submitting.
type BulkJobRunner struct {
	client       *Client
	policy       RetryPolicy
	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewBulkJobRunner(client *Client, policy RetryPolicy) *BulkJobRunner {
	pollSeconds := utils.IntFromEnv("STORELY_BULK_POLL_INTERVAL_SECONDS", 5)
	if pollSeconds < 1 {
		pollSeconds = 1
	}
	timeoutSeconds := utils.IntFromEnv("STORELY_BULK_POLL_TIMEOUT_SECONDS", 600)
	if timeoutSeconds < pollSeconds {
		timeoutSeconds = pollSeconds
	}
	pollInterval := time.Duration(pollSeconds) * time.Second
	pollTimeout := time.Duration(timeoutSeconds) * time.Second
	return &BulkJobRunner{
		client:       client,
		policy:       policy,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

func (r *BulkJobRunner) FetchWindow(ctx context.Context, cfg models.TenantConfig, start, end time.Time) ([]recon.RawOrder, error) {
	if err := r.cancelStuckJob(ctx); err != nil {
		return nil, err
	}

	job, err := r.submit(ctx, start, end)
	if err != nil {
		return nil, err
	}

	resultURL, err := r.pollUntilComplete(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	body, err := r.client.download(ctx, resultURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	archiveBulkPayload(ctx, cfg.TenantId, job.ID, payload)

	return parseBulkExport(bytes.NewReader(payload))
}

// cancelStuckJob clears a lingering non-terminal export left by a crashed
// run for this tenant.
func (r *BulkJobRunner) cancelStuckJob(ctx context.Context) error {
	var current storelyBulkJob
	err := WithRetry(ctx, r.policy, func(ctx context.Context) error {
		current = storelyBulkJob{}
		return r.client.getJSON(ctx, "/v1/bulk_exports/current", url.Values{}, &current)
	})
	if err != nil {
		if apiStatus(err) == 404 {
			return nil
		}
		return err
	}
	if current.ID == "" {
		return nil
	}
	if current.Status != bulkStatusPending && current.Status != bulkStatusRunning {
		return nil
	}

	config.LogWarn(config.GetLogger(), "storelysync", "cancelStuckJob", "cancelling stale bulk export", current.ID, "prior bulk export still "+current.Status)
	return WithRetry(ctx, r.policy, func(ctx context.Context) error {
		return r.client.postJSON(ctx, "/v1/bulk_exports/"+current.ID+"/cancel", map[string]string{}, nil)
	})
}

func (r *BulkJobRunner) submit(ctx context.Context, start, end time.Time) (storelyBulkJob, error) {
	req := map[string]string{
		"resource":       "orders",
		"created_at_min": start.UTC().Format(time.RFC3339),
		"created_at_max": end.UTC().Format(time.RFC3339),
	}
	var job storelyBulkJob
	err := WithRetry(ctx, r.policy, func(ctx context.Context) error {
		job = storelyBulkJob{}
		return r.client.postJSON(ctx, "/v1/bulk_exports", req, &job)
	})
	if err != nil {
		return storelyBulkJob{}, err
	}
	if job.ID == "" {
		return storelyBulkJob{}, fmt.Errorf("bulk export submit returned no job id")
	}
	return job, nil
}

// pollUntilComplete polls a bounded number of times (timeout/interval)
// instead of looping until the heat death of the request.
func (r *BulkJobRunner) pollUntilComplete(ctx context.Context, jobID string) (string, error) {
	maxPolls := int(r.pollTimeout / r.pollInterval)
	if maxPolls < 1 {
		maxPolls = 1
	}

	for i := 0; i < maxPolls; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		var job storelyBulkJob
		err := WithRetry(ctx, r.policy, func(ctx context.Context) error {
			job = storelyBulkJob{}
			return r.client.getJSON(ctx, "/v1/bulk_exports/"+jobID, url.Values{}, &job)
		})
		if err != nil {
			return "", err
		}

		switch job.Status {
		case bulkStatusCompleted:
			if job.ResultURL == "" {
				return "", fmt.Errorf("%w: job %s completed without result url", ErrJobFailed, jobID)
			}
			return job.ResultURL, nil
		case bulkStatusFailed, bulkStatusCanceled:
			return "", fmt.Errorf("%w: job %s is %s", ErrJobFailed, jobID, job.Status)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
	return "", fmt.Errorf("%w: job %s after %s", ErrJobTimeout, jobID, r.pollTimeout)
}

// parseBulkExport reads newline-delimited records. Orders arrive flattened:
// shipping lines come as child records carrying __parent_id and must be
// reattached before the order is emitted.
func parseBulkExport(reader io.Reader) ([]recon.RawOrder, error) {
	type bulkRecord struct {
		storelyOrder
		ParentID string `json:"__parent_id"`
	}

	orders := map[string]*storelyOrder{}
	var orderIDs []string

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var record bulkRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("parse bulk export line: %w", err)
		}

		if record.ParentID == "" {
			order := record.storelyOrder
			orders[order.ID] = &order
			orderIDs = append(orderIDs, order.ID)
			continue
		}

		parent, ok := orders[record.ParentID]
		if !ok {
			// Child before parent would mean a malformed export.
			return nil, fmt.Errorf("bulk export child record references unknown parent %s", record.ParentID)
		}
		var child storelyShippingLine
		if err := json.Unmarshal(line, &child); err != nil {
			return nil, fmt.Errorf("parse bulk export shipping line: %w", err)
		}
		parent.ShippingLines = append(parent.ShippingLines, child)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out := make([]recon.RawOrder, 0, len(orderIDs))
	for _, id := range orderIDs {
		out = append(out, toRawOrder(*orders[id]))
	}
	return out, nil
}

// archiveBulkPayload keeps a raw copy of the export in GCS for replay and
// audit. Best-effort: a failed archive never fails the sync.
func archiveBulkPayload(ctx context.Context, tenantId string, jobID string, payload []byte) {
	bucketName := strings.TrimSpace(os.Getenv("STORELY_BULK_ARCHIVE_BUCKET"))
	if bucketName == "" {
		return
	}

	logger := config.GetLogger()
	client, err := newStorageClient(ctx)
	if err != nil {
		config.LogError(logger, "storelysync", "archiveBulkPayload", "init storage client", jobID, err)
		return
	}
	defer client.Close()

	objectName := fmt.Sprintf("bulk-exports/%s/%s.jsonl", tenantId, jobID)
	writer := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	writer.ContentType = "application/x-ndjson"
	if _, err := writer.Write(payload); err != nil {
		config.LogError(logger, "storelysync", "archiveBulkPayload", "write archive object", objectName, err)
		_ = writer.Close()
		return
	}
	if err := writer.Close(); err != nil {
		config.LogError(logger, "storelysync", "archiveBulkPayload", "close archive object", objectName, err)
	}
}

func newStorageClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON")); credJSON != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

func apiStatus(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

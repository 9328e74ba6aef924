package storelysync

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/finsync_backend/models"
	"bitbucket.org/mmdatafocus/finsync_backend/recon"
	"github.com/shopspring/decimal"
)

type fakeSource struct {
	fetched []time.Time
	fn      func(start, end time.Time) ([]recon.RawOrder, error)
}

func (f *fakeSource) FetchWindow(ctx context.Context, cfg models.TenantConfig, start, end time.Time) ([]recon.RawOrder, error) {
	f.fetched = append(f.fetched, start)
	return f.fn(start, end)
}

type fakeSink struct {
	orders []models.OrderFact
	lines  []models.LineItemFact
	err    error
}

func (f *fakeSink) UpsertFacts(ctx context.Context, orders []models.OrderFact, lines []models.LineItemFact) error {
	if f.err != nil {
		return f.err
	}
	f.orders = append(f.orders, orders...)
	f.lines = append(f.lines, lines...)
	return nil
}

type fakeTracker struct {
	total     int
	advances  int
	lastState []byte
	completed bool
	failed    bool
	failedMsg string
}

func (f *fakeTracker) MarkRunning(ctx context.Context, totalCount int) error {
	f.total = totalCount
	return nil
}

func (f *fakeTracker) Advance(ctx context.Context, delta int, chunkState []byte) error {
	f.advances += delta
	f.lastState = chunkState
	return nil
}

func (f *fakeTracker) Complete(ctx context.Context) error {
	f.completed = true
	return nil
}

func (f *fakeTracker) Fail(ctx context.Context, message string) error {
	f.failed = true
	f.failedMsg = message
	return nil
}

type fakeIssueStore struct {
	issues []models.SyncIssue
}

func (f *fakeIssueStore) Record(ctx context.Context, issue models.SyncIssue) {
	f.issues = append(f.issues, issue)
}

func workerTenantConfig() models.TenantConfig {
	return models.TenantConfig{
		TenantId:       "t1",
		StoreDomain:    "acme.storely.test",
		ApiKeyRef:      "test-key",
		LedgerCurrency: "USD",
		ConversionRate: decimal.NewFromInt(1),
	}
}

func rawOrderAt(id string, createdAt time.Time) recon.RawOrder {
	return recon.RawOrder{
		Id:            id,
		CreatedAt:     createdAt,
		CurrencyCode:  "USD",
		TaxesIncluded: false,
		Lines: []recon.RawLineItem{
			{Sku: "SKU-1", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(10)},
		},
	}
}

func TestSplitChunksClipsLastChunk(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

	chunks := splitChunks(start, end, 1)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if !chunks[0].start.Equal(start) {
		t.Errorf("first chunk starts %v, want %v", chunks[0].start, start)
	}
	if !chunks[2].end.Equal(end) {
		t.Errorf("last chunk ends %v, want window end %v", chunks[2].end, end)
	}
	for i := 1; i < len(chunks); i++ {
		if !chunks[i].start.Equal(chunks[i-1].end) {
			t.Errorf("gap between chunk %d and %d", i-1, i)
		}
	}
}

func TestExecuteSyncProcessesAllChunks(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(3 * 24 * time.Hour)

	source := &fakeSource{fn: func(s, e time.Time) ([]recon.RawOrder, error) {
		return []recon.RawOrder{
			rawOrderAt("o-"+s.Format("0102")+"-1", s.Add(time.Hour)),
			rawOrderAt("o-"+s.Format("0102")+"-2", s.Add(2*time.Hour)),
		}, nil
	}}
	sink := &fakeSink{}
	tracker := &fakeTracker{}
	issues := &fakeIssueStore{}

	summary, err := executeSync(context.Background(), workerTenantConfig(), start, end, 1, ChunkState{}, source, sink, tracker, issues)
	if err != nil {
		t.Fatal(err)
	}

	if summary.Orders != 6 {
		t.Errorf("summary.Orders = %d, want 6", summary.Orders)
	}
	if summary.Chunks != 3 || len(summary.FailedChunks) != 0 {
		t.Errorf("summary = %+v, want 3 clean chunks", summary)
	}
	if !tracker.completed || tracker.failed {
		t.Errorf("tracker state completed=%v failed=%v", tracker.completed, tracker.failed)
	}
	if tracker.total != 3 || tracker.advances != 3 {
		t.Errorf("tracker total=%d advances=%d, want 3/3", tracker.total, tracker.advances)
	}
	if len(sink.orders) != 6 || len(sink.lines) != 6 {
		t.Errorf("sink got %d orders / %d lines, want 6/6", len(sink.orders), len(sink.lines))
	}

	state := DecodeChunkState(tracker.lastState)
	if state.LastCompletedChunkEnd != end.Format(time.RFC3339) {
		t.Errorf("checkpoint = %s, want %s", state.LastCompletedChunkEnd, end.Format(time.RFC3339))
	}
}

func TestExecuteSyncContinuesPastFailedChunk(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(3 * 24 * time.Hour)
	badDay := start.Add(24 * time.Hour)

	source := &fakeSource{fn: func(s, e time.Time) ([]recon.RawOrder, error) {
		if s.Equal(badDay) {
			return nil, &APIError{StatusCode: 503, Body: "unavailable"}
		}
		return []recon.RawOrder{rawOrderAt("o-"+s.Format("0102"), s.Add(time.Hour))}, nil
	}}
	sink := &fakeSink{}
	tracker := &fakeTracker{}
	issues := &fakeIssueStore{}

	summary, err := executeSync(context.Background(), workerTenantConfig(), start, end, 1, ChunkState{}, source, sink, tracker, issues)
	if err != nil {
		t.Fatal(err)
	}

	if len(summary.FailedChunks) != 1 {
		t.Fatalf("FailedChunks = %v, want exactly one", summary.FailedChunks)
	}
	if summary.Orders != 2 {
		t.Errorf("summary.Orders = %d, want 2", summary.Orders)
	}
	if !tracker.completed || tracker.failed {
		t.Errorf("one failed chunk must not fail the job: completed=%v failed=%v", tracker.completed, tracker.failed)
	}
	if tracker.advances != 2 {
		t.Errorf("tracker.advances = %d, want 2", tracker.advances)
	}

	if len(issues.issues) != 1 {
		t.Fatalf("got %d issues, want 1", len(issues.issues))
	}
	issue := issues.issues[0]
	if issue.Code != issueCodeChunkErr || !issue.Retryable {
		t.Errorf("issue = %+v, want retryable %s", issue, issueCodeChunkErr)
	}
}

func TestExecuteSyncAllChunksFailed(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * 24 * time.Hour)

	source := &fakeSource{fn: func(s, e time.Time) ([]recon.RawOrder, error) {
		return nil, &APIError{StatusCode: 500, Body: "boom"}
	}}
	tracker := &fakeTracker{}

	_, err := executeSync(context.Background(), workerTenantConfig(), start, end, 1, ChunkState{}, source, &fakeSink{}, tracker, &fakeIssueStore{})
	if err == nil {
		t.Fatal("expected error when every chunk fails")
	}
	if !tracker.failed || tracker.completed {
		t.Errorf("tracker state completed=%v failed=%v, want failed", tracker.completed, tracker.failed)
	}
}

func TestExecuteSyncResumesFromCheckpoint(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(3 * 24 * time.Hour)
	checkpoint := start.Add(24 * time.Hour)

	source := &fakeSource{fn: func(s, e time.Time) ([]recon.RawOrder, error) {
		return []recon.RawOrder{rawOrderAt("o-"+s.Format("0102"), s.Add(time.Hour))}, nil
	}}
	tracker := &fakeTracker{}

	resume := ChunkState{LastCompletedChunkEnd: checkpoint.Format(time.RFC3339)}
	summary, err := executeSync(context.Background(), workerTenantConfig(), start, end, 1, resume, source, &fakeSink{}, tracker, &fakeIssueStore{})
	if err != nil {
		t.Fatal(err)
	}

	if len(source.fetched) != 2 {
		t.Fatalf("fetched %d chunks, want 2 (first chunk already committed)", len(source.fetched))
	}
	if !source.fetched[0].Equal(checkpoint) {
		t.Errorf("resume started at %v, want %v", source.fetched[0], checkpoint)
	}
	if summary.Orders != 2 {
		t.Errorf("summary.Orders = %d, want 2", summary.Orders)
	}
}

func TestExecuteSyncInvalidOrderAbortsRun(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	bad := rawOrderAt("o-bad", start.Add(time.Hour))
	bad.Lines[0].Quantity = decimal.NewFromInt(-1)

	source := &fakeSource{fn: func(s, e time.Time) ([]recon.RawOrder, error) {
		return []recon.RawOrder{bad}, nil
	}}
	tracker := &fakeTracker{}

	_, err := executeSync(context.Background(), workerTenantConfig(), start, end, 1, ChunkState{}, source, &fakeSink{}, tracker, &fakeIssueStore{})
	if !errors.Is(err, recon.ErrInvalidOrder) {
		t.Fatalf("executeSync returned %v, want ErrInvalidOrder", err)
	}
	if !tracker.failed {
		t.Error("invariant violation must fail the job")
	}
}

func TestExecuteSyncCancelledBetweenChunks(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * 24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{fn: func(s, e time.Time) ([]recon.RawOrder, error) {
		cancel()
		return []recon.RawOrder{rawOrderAt("o-1", s.Add(time.Hour))}, nil
	}}
	tracker := &fakeTracker{}

	summary, err := executeSync(ctx, workerTenantConfig(), start, end, 1, ChunkState{}, source, &fakeSink{}, tracker, &fakeIssueStore{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("executeSync returned %v, want context.Canceled", err)
	}
	// The in-flight chunk commits before the loop observes cancellation.
	if summary.Orders != 1 {
		t.Errorf("summary.Orders = %d, want 1", summary.Orders)
	}
	if !tracker.failed {
		t.Error("cancelled run must be marked failed")
	}
}

func TestExecuteSyncCancelledMidChunkMarksFailed(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * 24 * time.Hour)
	secondDay := start.Add(24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{fn: func(s, e time.Time) ([]recon.RawOrder, error) {
		if s.Equal(secondDay) {
			cancel()
			return nil, ctx.Err()
		}
		return []recon.RawOrder{rawOrderAt("o-1", s.Add(time.Hour))}, nil
	}}
	tracker := &fakeTracker{}
	issues := &fakeIssueStore{}

	summary, err := executeSync(ctx, workerTenantConfig(), start, end, 1, ChunkState{}, source, &fakeSink{}, tracker, issues)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("executeSync returned %v, want context.Canceled", err)
	}
	if tracker.completed {
		t.Error("cancelled run must not be marked completed")
	}
	if !tracker.failed {
		t.Error("cancelled run must be marked failed")
	}
	// Cancellation is a run termination, not a failure of the chunk it
	// interrupted: no failed-chunk entry and no chunk issue row.
	if len(summary.FailedChunks) != 0 {
		t.Errorf("FailedChunks = %v, want none", summary.FailedChunks)
	}
	if len(issues.issues) != 0 {
		t.Errorf("issues = %+v, want none", issues.issues)
	}
	if summary.Orders != 1 {
		t.Errorf("summary.Orders = %d, want the chunk committed before the cancel", summary.Orders)
	}
}

func TestExecuteSyncSinkFailureMarksChunkFailed(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	source := &fakeSource{fn: func(s, e time.Time) ([]recon.RawOrder, error) {
		return []recon.RawOrder{rawOrderAt("o-1", s.Add(time.Hour))}, nil
	}}
	sink := &fakeSink{err: ErrSinkWrite}
	tracker := &fakeTracker{}

	_, err := executeSync(context.Background(), workerTenantConfig(), start, end, 1, ChunkState{}, source, sink, tracker, &fakeIssueStore{})
	if err == nil {
		t.Fatal("expected error: the only chunk failed")
	}
	if !tracker.failed {
		t.Error("job with its only chunk failed must be marked failed")
	}
}

func TestExecuteSyncRecordsDataQualityIssues(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	order := rawOrderAt("o-1", start.Add(time.Hour))
	order.Refunds = []recon.RawRefund{{
		Id:                  "r-1",
		CreatedAt:           start.Add(2 * time.Hour),
		TotalRefundedAmount: decimal.NewFromInt(5),
		Lines: []recon.RawRefundLine{
			{Sku: "SKU-GHOST", Quantity: decimal.NewFromInt(1), PriceAtRefund: decimal.NewFromInt(5)},
		},
	}}

	source := &fakeSource{fn: func(s, e time.Time) ([]recon.RawOrder, error) {
		return []recon.RawOrder{order}, nil
	}}
	issues := &fakeIssueStore{}
	tracker := &fakeTracker{}

	summary, err := executeSync(context.Background(), workerTenantConfig(), start, end, 1, ChunkState{}, source, &fakeSink{}, tracker, issues)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Orders != 1 || !tracker.completed {
		t.Errorf("data-quality issue must not fail the chunk: %+v", summary)
	}
	if len(issues.issues) != 1 || issues.issues[0].Code != recon.IssueCodeUnknownRefundSku {
		t.Fatalf("issues = %+v, want one %s", issues.issues, recon.IssueCodeUnknownRefundSku)
	}
}

func TestResolveFetchMode(t *testing.T) {
	cfg := workerTenantConfig()

	if got := resolveFetchMode(models.FetchModeBulk, cfg); got != models.FetchModeBulk {
		t.Errorf("explicit request: got %s", got)
	}

	cfg.FetchMode = models.FetchModeBulk
	if got := resolveFetchMode("", cfg); got != models.FetchModeBulk {
		t.Errorf("tenant config: got %s", got)
	}

	cfg.FetchMode = ""
	t.Setenv("BULK_EXPORT_TENANTS", "other, T1")
	if got := resolveFetchMode("", cfg); got != models.FetchModeBulk {
		t.Errorf("rollout flag: got %s", got)
	}

	t.Setenv("BULK_EXPORT_TENANTS", "")
	if got := resolveFetchMode("", cfg); got != models.FetchModeCursor {
		t.Errorf("default: got %s", got)
	}
}

func TestParseWindow(t *testing.T) {
	if _, _, err := parseWindow("not-a-time", "2026-03-02T00:00:00Z"); err == nil {
		t.Error("expected error for malformed start")
	}
	if _, _, err := parseWindow("2026-03-02T00:00:00Z", "2026-03-01T00:00:00Z"); err == nil {
		t.Error("expected error for end before start")
	}
	if _, _, err := parseWindow("2020-01-01T00:00:00Z", "2026-01-01T00:00:00Z"); err == nil {
		t.Error("expected error for oversized window")
	}

	start, end, err := parseWindow("2026-03-01T00:00:00Z", "2026-03-08T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if !end.After(start) || end.Sub(start) != 7*24*time.Hour {
		t.Errorf("window = %v..%v", start, end)
	}
}

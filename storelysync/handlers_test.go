package storelysync

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/finsync_backend/models"
)

func TestCanRetryJob(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		status    string
		updatedAt time.Time
		want      bool
	}{
		{"failed job", models.SyncJobStatusFailed, now, true},
		{"pending job", models.SyncJobStatusPending, now, true},
		{"completed job", models.SyncJobStatusCompleted, now, false},
		{"live running job", models.SyncJobStatusRunning, now.Add(-time.Minute), false},
		{"orphaned running job", models.SyncJobStatusRunning, now.Add(-tenantLockTTL - time.Minute), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &models.SyncJob{Status: tt.status, UpdatedAt: tt.updatedAt}
			got, reason := canRetryJob(job, now)
			if got != tt.want {
				t.Errorf("canRetryJob(%s) = %v (%s), want %v", tt.status, got, reason, tt.want)
			}
			if !got && reason == "" {
				t.Error("a refused retry must carry a reason")
			}
		})
	}
}

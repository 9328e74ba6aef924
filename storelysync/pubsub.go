package storelysync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/finsync_backend/config"
	"bitbucket.org/mmdatafocus/finsync_backend/utils"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
)

func syncTopicName() string {
	if v := strings.TrimSpace(os.Getenv("STORELY_SYNC_TOPIC")); v != "" {
		return v
	}
	return "storely-sync-runs"
}

// PublishSyncRun hands a registered job to the push subscription so the
// trigger endpoint can return 202 immediately.
func PublishSyncRun(ctx context.Context, jobId uint, tenantId string) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	var topic *pubsub.Topic
	if utils.EnvBoolDefault("PUBSUB_CREATE_TOPICS", false) {
		topic, err = config.CreateTopicIfNotExists(client, syncTopicName())
		if err != nil {
			return err
		}
	} else {
		topic = client.Topic(syncTopicName())
	}

	payload, err := json.Marshal(SyncPubSubPayload{JobId: jobId, TenantId: tenantId})
	if err != nil {
		return err
	}

	result := topic.Publish(ctx, &pubsub.Message{Data: payload})
	_, err = result.Get(ctx)
	return err
}

// PubSubPushHandler receives the push delivery and runs the job inline.
// Non-2xx makes Pub/Sub redeliver, so only retryable failures return 500;
// a busy tenant lock acks with 200 because the running job already covers
// the window.
func PubSubPushHandler(c *gin.Context) {
	logger := config.GetLogger()

	var envelope PubSubPushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		config.LogError(logger, "storelysync", "PubSubPushHandler", "decode push envelope", nil, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push envelope"})
		return
	}

	var payload SyncPubSubPayload
	if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
		config.LogError(logger, "storelysync", "PubSubPushHandler", "decode sync payload", envelope.Message.ID, err)
		// Malformed payloads would redeliver forever; drop them.
		c.JSON(http.StatusOK, gin.H{"status": "dropped"})
		return
	}
	if payload.TenantId == "" || payload.JobId == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "dropped"})
		return
	}

	ctx := utils.SetTenantIdInContext(c.Request.Context(), payload.TenantId)
	ctx = utils.SetSyncJobIdInContext(ctx, payload.JobId)

	summary, err := RunJob(ctx, payload.TenantId, payload.JobId)
	if err != nil {
		if errors.Is(err, utils.ErrLockBusy) {
			c.JSON(http.StatusOK, gin.H{"status": "busy"})
			return
		}
		config.LogError(logger, "storelysync", "PubSubPushHandler", "run sync job", payload.JobId, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}

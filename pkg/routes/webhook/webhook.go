// Package webhook receives enrichment provider callbacks
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/booyajones/clarity/config"
	"github.com/booyajones/clarity/internal/repositories/enrichmentjob"
	"github.com/booyajones/clarity/pkg/enrichment"
	"github.com/booyajones/clarity/pkg/metrics"
	"github.com/booyajones/clarity/pkg/models"
)

// SignatureHeader carries the provider's HMAC-SHA256 hex digest of the body
const SignatureHeader = "X-Clarity-Signature"

// Register registers webhook routes
func Register(g *echo.Group) {
	g.POST("/enrichment", HandleEnrichmentEvent)
}

// Provider event types
const (
	EventTypeCompleted = "enrichment.completed"
	EventTypeFailed    = "enrichment.failed"
)

// Event is the provider's callback payload. The provider identifies the job
// by its own ID; results may ride inline or be fetched back on completion.
type Event struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	ExternalJobID string          `json:"externalJobId"`
	Results       json.RawMessage `json:"results,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// HandleEnrichmentEvent verifies, deduplicates, and applies a provider
// callback. The response is sent before result application finishes so the
// provider never times out waiting on our database.
func HandleEnrichmentEvent(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 10*1024*1024))
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	ctx, cfg, err := ectoinject.GetContext[*config.Config](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if !verifySignature(cfg.WebhookSecret, body, c.Request().Header.Get(SignatureHeader)) {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return httperror.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid event payload")
	}
	if event.EventID == "" || event.EventType == "" || event.ExternalJobID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "eventId, eventType, and externalJobId are required")
	}

	ctx, logger, err := ectoinject.GetContext[ectologger.Logger](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}
	log := logger.WithContext(ctx).WithFields(map[string]any{
		"event_id":        event.EventID,
		"event_type":      event.EventType,
		"external_job_id": event.ExternalJobID,
	})

	ctx, deduper, err := ectoinject.GetContext[*enrichment.Deduper](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}
	seen, err := deduper.Seen(ctx, event.EventID)
	if err != nil {
		log.WithError(err).Warn("Webhook dedup check failed; treating event as new")
	}
	if seen {
		metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		log.Debug("Duplicate webhook event dropped")
		return c.JSON(http.StatusOK, map[string]string{"status": "duplicate"})
	}

	ctx, jobs, err := ectoinject.GetContext[*enrichmentjob.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}
	job, err := jobs.GetByExternalID(ctx, event.ExternalJobID)
	if err != nil {
		return err
	}
	if job == nil {
		// acknowledge unknown jobs so the provider stops retrying
		metrics.WebhookEventsTotal.WithLabelValues("unknown").Inc()
		log.Warn("Webhook event for unknown job")
		return c.JSON(http.StatusOK, map[string]string{"status": "unknown_job"})
	}

	ctx, coordinator, err := ectoinject.GetContext[*enrichment.Coordinator](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	metrics.WebhookEventsTotal.WithLabelValues("accepted").Inc()

	go applyEvent(context.WithoutCancel(ctx), coordinator, logger, job.ID, event)

	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

func applyEvent(ctx context.Context, coordinator *enrichment.Coordinator, logger ectologger.Logger, jobID string, event Event) {
	log := logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":   jobID,
		"event_id": event.EventID,
	})

	switch event.EventType {
	case EventTypeCompleted:
		// events often carry no inline results; Complete fetches them back
		// from the provider when the payload is empty
		if err := coordinator.Complete(ctx, jobID, event.Results); err != nil {
			log.WithError(err).Error("Failed to apply webhook completion")
			return
		}
		metrics.EnrichmentCompletionsTotal.WithLabelValues("webhook").Inc()
	case EventTypeFailed:
		reason := event.Error
		if reason == "" {
			reason = "provider reported failure without detail"
		}
		if err := coordinator.Fail(ctx, jobID, models.JobStatusFailed, reason); err != nil {
			log.WithError(err).Error("Failed to apply webhook failure")
		}
	default:
		log.Warn("Webhook event with unrecognized type ignored")
	}
}

// verifySignature compares the request digest in constant time
func verifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// Package enrichment coordinates asynchronous payee enrichment jobs against an
// external provider: sub-batch submission, adaptive polling, webhook and
// poll-driven completion, and reconciliation of stuck records.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectologger"

	"github.com/booyajones/clarity/pkg/httpclient"
	"github.com/booyajones/clarity/pkg/models"
)

// JobState is the provider-reported state of a submitted job
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateProcessing JobState = "processing"
	JobStateComplete   JobState = "complete"
	JobStateFailed     JobState = "failed"
)

// PollResult is the provider's answer to a status poll. Results is only
// populated when State is JobStateComplete; FailureReason only when failed.
type PollResult struct {
	State         JobState
	Results       json.RawMessage
	FailureReason string
}

// ProviderError wraps a provider failure with a transience classification.
// Transient errors (rate limits, 5xx, network failures) are retried; permanent
// errors are not.
type ProviderError struct {
	Err       error
	Transient bool
}

func (e *ProviderError) Error() string {
	return e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a provider error worth retrying
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// Provider submits record sub-batches to the external enrichment service and
// polls for their completion
type Provider interface {
	Submit(ctx context.Context, records []models.PayeeRecord) (string, error)
	PollStatus(ctx context.Context, externalJobID string) (*PollResult, error)
}

// ProviderConfig holds external provider connection settings
type ProviderConfig struct {
	BaseURL string
	APIKey  string
}

// HTTPProvider talks to the enrichment provider's REST API
type HTTPProvider struct {
	http   *httpclient.Client
	logger ectologger.Logger
	cfg    ProviderConfig
}

// NewHTTPProvider creates a provider client backed by the shared HTTP client
func NewHTTPProvider(cfg ProviderConfig, client *httpclient.Client, logger ectologger.Logger) *HTTPProvider {
	return &HTTPProvider{
		http:   client,
		logger: logger,
		cfg:    cfg,
	}
}

type submitRecord struct {
	RecordID string `json:"recordId"`
	Name     string `json:"name"`
}

type submitRequest struct {
	Records []submitRecord `json:"records"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type pollResponse struct {
	Status  string          `json:"status"`
	Results json.RawMessage `json:"results"`
	Error   string          `json:"error"`
}

// Submit sends a sub-batch of records to the provider and returns the
// provider-assigned job ID
func (p *HTTPProvider) Submit(ctx context.Context, records []models.PayeeRecord) (string, error) {
	payload := submitRequest{Records: make([]submitRecord, 0, len(records))}
	for _, record := range records {
		name := record.NormalizedName
		if name == "" {
			name = record.RawName
		}
		payload.Records = append(payload.Records, submitRecord{
			RecordID: record.ID,
			Name:     name,
		})
	}

	resp, err := p.http.PostJSON(ctx, p.cfg.BaseURL+"/v1/jobs", payload, p.headers())
	if err != nil {
		return "", &ProviderError{Err: fmt.Errorf("submit request failed: %w", err), Transient: true}
	}

	if err := p.classifyStatus(resp.StatusCode, "submit"); err != nil {
		return "", err
	}

	var body submitResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", &ProviderError{Err: fmt.Errorf("failed to decode submit response: %w", err), Transient: false}
	}
	if body.JobID == "" {
		return "", &ProviderError{Err: errors.New("submit response missing job id"), Transient: false}
	}

	return body.JobID, nil
}

// PollStatus fetches the current state of a provider job
func (p *HTTPProvider) PollStatus(ctx context.Context, externalJobID string) (*PollResult, error) {
	url := fmt.Sprintf("%s/v1/jobs/%s", p.cfg.BaseURL, externalJobID)
	resp, err := p.http.Get(ctx, url, p.headers())
	if err != nil {
		return nil, &ProviderError{Err: fmt.Errorf("poll request failed: %w", err), Transient: true}
	}

	if err := p.classifyStatus(resp.StatusCode, "poll"); err != nil {
		return nil, err
	}

	var body pollResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, &ProviderError{Err: fmt.Errorf("failed to decode poll response: %w", err), Transient: false}
	}

	return translatePollResponse(body)
}

// translatePollResponse maps the provider's wire status onto JobState. Unknown
// states are treated as permanent failures so jobs cannot poll forever against
// a contract drift.
func translatePollResponse(body pollResponse) (*PollResult, error) {
	switch body.Status {
	case "pending", "queued":
		return &PollResult{State: JobStatePending}, nil
	case "processing", "running":
		return &PollResult{State: JobStateProcessing}, nil
	case "complete", "completed":
		return &PollResult{State: JobStateComplete, Results: body.Results}, nil
	case "failed", "error":
		reason := body.Error
		if reason == "" {
			reason = "provider reported failure without detail"
		}
		return &PollResult{State: JobStateFailed, FailureReason: reason}, nil
	default:
		return nil, &ProviderError{
			Err:       fmt.Errorf("unknown provider job status %q", body.Status),
			Transient: false,
		}
	}
}

func (p *HTTPProvider) classifyStatus(statusCode int, operation string) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return &ProviderError{
			Err:       fmt.Errorf("provider %s returned status %d", operation, statusCode),
			Transient: true,
		}
	default:
		return &ProviderError{
			Err:       fmt.Errorf("provider %s returned status %d", operation, statusCode),
			Transient: false,
		}
	}
}

func (p *HTTPProvider) headers() map[string]string {
	headers := map[string]string{}
	if p.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.cfg.APIKey
	}
	return headers
}

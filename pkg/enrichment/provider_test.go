package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booyajones/clarity/pkg/httpclient"
	"github.com/booyajones/clarity/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*HTTPProvider, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := testLogger()
	client := httpclient.NewClient(httpclient.DefaultConfig(), logger)
	provider := NewHTTPProvider(ProviderConfig{BaseURL: server.URL, APIKey: "test-key"}, client, logger)
	return provider, server
}

func TestHTTPProvider_Submit(t *testing.T) {
	var captured submitRequest
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/jobs", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(submitResponse{JobID: "ext-123"})
	})

	records := []models.PayeeRecord{
		{ID: "r1", RawName: "Acme Corp", NormalizedName: "acme"},
		{ID: "r2", RawName: "Globex LLC"},
	}

	jobID, err := provider.Submit(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, "ext-123", jobID)

	require.Len(t, captured.Records, 2)
	assert.Equal(t, "acme", captured.Records[0].Name)
	// falls back to the raw name when normalization never ran
	assert.Equal(t, "Globex LLC", captured.Records[1].Name)
}

func TestHTTPProvider_SubmitMissingJobID(t *testing.T) {
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := provider.Submit(context.Background(), []models.PayeeRecord{{ID: "r1"}})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestHTTPProvider_StatusClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		transient  bool
	}{
		{name: "rate limited", statusCode: http.StatusTooManyRequests, transient: true},
		{name: "server error", statusCode: http.StatusInternalServerError, transient: true},
		{name: "bad gateway", statusCode: http.StatusBadGateway, transient: true},
		{name: "bad request", statusCode: http.StatusBadRequest, transient: false},
		{name: "unauthorized", statusCode: http.StatusUnauthorized, transient: false},
		{name: "not found", statusCode: http.StatusNotFound, transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			})

			_, err := provider.Submit(context.Background(), []models.PayeeRecord{{ID: "r1"}})
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestHTTPProvider_PollStatus(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantState JobState
	}{
		{name: "pending", body: `{"status":"pending"}`, wantState: JobStatePending},
		{name: "queued maps to pending", body: `{"status":"queued"}`, wantState: JobStatePending},
		{name: "processing", body: `{"status":"processing"}`, wantState: JobStateProcessing},
		{name: "running maps to processing", body: `{"status":"running"}`, wantState: JobStateProcessing},
		{name: "complete", body: `{"status":"complete","results":[{"recordId":"r1"}]}`, wantState: JobStateComplete},
		{name: "failed", body: `{"status":"failed","error":"quota exceeded"}`, wantState: JobStateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/jobs/ext-123", r.URL.Path)
				_, _ = w.Write([]byte(tt.body))
			})

			result, err := provider.PollStatus(context.Background(), "ext-123")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, result.State)

			if tt.wantState == JobStateComplete {
				assert.NotEmpty(t, result.Results)
			}
			if tt.wantState == JobStateFailed {
				assert.Equal(t, "quota exceeded", result.FailureReason)
			}
		})
	}
}

func TestHTTPProvider_PollUnknownStatus(t *testing.T) {
	provider, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"paused"}`))
	})

	_, err := provider.PollStatus(context.Background(), "ext-123")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "paused")
}

func TestHTTPProvider_NetworkFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	logger := testLogger()
	client := httpclient.NewClient(httpclient.DefaultConfig(), logger)
	provider := NewHTTPProvider(ProviderConfig{BaseURL: server.URL}, client, logger)
	server.Close()

	_, err := provider.PollStatus(context.Background(), "ext-123")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("plain error")))
	assert.True(t, IsTransient(&ProviderError{Err: errors.New("boom"), Transient: true}))
	assert.False(t, IsTransient(&ProviderError{Err: errors.New("boom"), Transient: false}))
}

// Package arbiter calls the external AI adjudicator for ambiguous matches
package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/booyajones/clarity/pkg/httpclient"
	"github.com/booyajones/clarity/pkg/tracing"
)

// Request asks the arbiter to adjudicate one query/candidate pair
type Request struct {
	QueryName         string             `json:"queryName"`
	CandidateName     string             `json:"candidateName"`
	AlgorithmicScores map[string]float64 `json:"algorithmicScores"`
}

// Decision is the arbiter's verdict
type Decision struct {
	IsMatch   bool   `json:"isMatch"`
	Reasoning string `json:"reasoning"`
}

// Client adjudicates ambiguous match candidates. Implementations are
// best-effort: callers treat any error as "no decision" and fall back to the
// non-AI tier.
type Client interface {
	Review(ctx context.Context, req Request) (*Decision, error)
}

// Config holds arbiter client configuration
type Config struct {
	URL     string
	Timeout time.Duration
}

// HTTPClient calls the arbiter over HTTP
type HTTPClient struct {
	http   *httpclient.Client
	logger ectologger.Logger
	url    string
}

// NewHTTPClient creates an arbiter client against the given endpoint
func NewHTTPClient(cfg Config, logger ectologger.Logger) *HTTPClient {
	httpCfg := httpclient.DefaultConfig()
	if cfg.Timeout > 0 {
		httpCfg.Timeout = cfg.Timeout
	}

	return &HTTPClient{
		http:   httpclient.NewClient(httpCfg, logger),
		logger: logger,
		url:    cfg.URL,
	}
}

// Review sends the pair to the arbiter and decodes its verdict
func (c *HTTPClient) Review(ctx context.Context, req Request) (*Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "arbiter.HTTPClient.Review")
	defer span.End()

	resp, err := c.http.PostJSON(ctx, c.url, req, nil)
	if err != nil {
		return nil, fmt.Errorf("arbiter request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("arbiter returned status %d", resp.StatusCode)
	}

	var decision Decision
	if err := json.Unmarshal(resp.Body, &decision); err != nil {
		return nil, fmt.Errorf("arbiter response malformed: %w", err)
	}

	return &decision, nil
}

// Package kafka handles batch intake and pipeline event emission
package kafka

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/booyajones/clarity/pkg/models"
)

// BatchRequest is an inbound message asking the pipeline to process a set of
// payee names
type BatchRequest struct {
	TenantID string               `json:"tenant_id"`
	Name     string               `json:"name"`
	Options  *models.BatchOptions `json:"options,omitempty"`
	Records  []BatchRequestRecord `json:"records"`
}

// BatchRequestRecord is one payee name in a batch request
type BatchRequestRecord struct {
	RawName string `json:"raw_name"`
}

// Validate checks the request carries enough to build a batch
func (r *BatchRequest) Validate() error {
	if r.TenantID == "" {
		return errors.New("batch request missing tenant_id")
	}
	if len(r.Records) == 0 {
		return errors.New("batch request has no records")
	}
	for _, record := range r.Records {
		if record.RawName == "" {
			return errors.New("batch request record missing raw_name")
		}
	}
	return nil
}

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	BatchRequest *BatchRequest
}

// ParseBatchRequest parses the message value as a batch request
func (m *IncomingMessage) ParseBatchRequest() error {
	var req BatchRequest
	if err := json.Unmarshal(m.Value, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	m.BatchRequest = &req
	return nil
}

// GetTenantID returns the tenant ID from the parsed request, falling back to
// the message header
func (m *IncomingMessage) GetTenantID() string {
	if m.BatchRequest != nil && m.BatchRequest.TenantID != "" {
		return m.BatchRequest.TenantID
	}
	return m.Headers["tenant_id"]
}

package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBatchRequest(t *testing.T) {
	msg := &IncomingMessage{
		Value: []byte(`{
			"tenant_id": "tenant-1",
			"name": "march payables",
			"records": [
				{"raw_name": "ACME Corp."},
				{"raw_name": "Globex LLC"}
			]
		}`),
	}

	err := msg.ParseBatchRequest()
	require.NoError(t, err)
	require.NotNil(t, msg.BatchRequest)

	assert.Equal(t, "tenant-1", msg.BatchRequest.TenantID)
	assert.Equal(t, "march payables", msg.BatchRequest.Name)
	assert.Len(t, msg.BatchRequest.Records, 2)
	assert.Equal(t, "ACME Corp.", msg.BatchRequest.Records[0].RawName)
}

func TestParseBatchRequestInvalidJSON(t *testing.T) {
	msg := &IncomingMessage{Value: []byte(`not json`)}

	err := msg.ParseBatchRequest()
	assert.Error(t, err)
	assert.Nil(t, msg.BatchRequest)
}

func TestBatchRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		request BatchRequest
		wantErr string
	}{
		{
			name: "valid",
			request: BatchRequest{
				TenantID: "tenant-1",
				Records:  []BatchRequestRecord{{RawName: "ACME Corp."}},
			},
		},
		{
			name: "missing tenant",
			request: BatchRequest{
				Records: []BatchRequestRecord{{RawName: "ACME Corp."}},
			},
			wantErr: "tenant_id",
		},
		{
			name:    "no records",
			request: BatchRequest{TenantID: "tenant-1"},
			wantErr: "no records",
		},
		{
			name: "blank record name",
			request: BatchRequest{
				TenantID: "tenant-1",
				Records:  []BatchRequestRecord{{RawName: "ACME Corp."}, {RawName: ""}},
			},
			wantErr: "raw_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetTenantIDFallsBackToHeader(t *testing.T) {
	msg := &IncomingMessage{Headers: map[string]string{"tenant_id": "tenant-hdr"}}
	assert.Equal(t, "tenant-hdr", msg.GetTenantID())

	msg.BatchRequest = &BatchRequest{TenantID: "tenant-body"}
	assert.Equal(t, "tenant-body", msg.GetTenantID())
}

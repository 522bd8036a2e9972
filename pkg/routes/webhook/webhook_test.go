package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "test-webhook-secret"
	body := []byte(`{"eventId":"evt-1","eventType":"enrichment.completed","externalJobId":"ext-1"}`)

	assert.True(t, verifySignature(secret, body, sign(secret, body)))
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"eventId":"evt-1"}`)

	assert.False(t, verifySignature("right-secret", body, sign("wrong-secret", body)))
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	secret := "test-webhook-secret"
	signature := sign(secret, []byte(`{"status":"complete"}`))

	assert.False(t, verifySignature(secret, []byte(`{"status":"failed"}`), signature))
}

func TestVerifySignatureRejectsMissingInputs(t *testing.T) {
	body := []byte(`{}`)

	assert.False(t, verifySignature("", body, sign("secret", body)))
	assert.False(t, verifySignature("secret", body, ""))
}

func TestVerifySignatureIsCaseSensitive(t *testing.T) {
	secret := "test-webhook-secret"
	body := []byte(`{"eventId":"evt-1"}`)

	// providers must send the lowercase hex digest
	upper := ""
	for _, r := range sign(secret, body) {
		if r >= 'a' && r <= 'f' {
			upper += string(r - 32)
		} else {
			upper += string(r)
		}
	}

	assert.False(t, verifySignature(secret, body, upper))
}

func TestEventParsesProviderPayload(t *testing.T) {
	body := []byte(`{
		"eventId": "evt-1",
		"eventType": "enrichment.completed",
		"externalJobId": "ext-9",
		"results": [{"recordId":"r1","matched":true,"confidence":0.9}]
	}`)

	var event Event
	require.NoError(t, json.Unmarshal(body, &event))

	assert.Equal(t, "evt-1", event.EventID)
	assert.Equal(t, EventTypeCompleted, event.EventType)
	assert.Equal(t, "ext-9", event.ExternalJobID)
	assert.NotEmpty(t, event.Results)
}

func TestEventParsesFailurePayload(t *testing.T) {
	body := []byte(`{"eventId":"evt-2","eventType":"enrichment.failed","externalJobId":"ext-9","error":"mapping timed out"}`)

	var event Event
	require.NoError(t, json.Unmarshal(body, &event))

	assert.Equal(t, EventTypeFailed, event.EventType)
	assert.Equal(t, "mapping timed out", event.Error)
	assert.Empty(t, event.Results)
}

package enrichment

import (
	"context"
	"time"

	"github.com/booyajones/clarity/pkg/redis"
)

// DefaultDedupTTL is how long a seen webhook event ID is remembered
const DefaultDedupTTL = 24 * time.Hour

// Deduper remembers webhook event IDs so replayed deliveries are dropped
// before they reach the coordinator. The completion claim is the real
// idempotency guard; this keeps replays cheap.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeduper creates a webhook event deduper
func NewDeduper(client *redis.Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Deduper{
		client: client,
		ttl:    ttl,
	}
}

// Seen records the event ID and reports whether it was already seen. Redis
// errors report the event as unseen so a cache outage degrades to duplicate
// deliveries rather than dropped ones.
func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	set, err := d.client.SetNX(ctx, "webhook:event:"+eventID, "1", d.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

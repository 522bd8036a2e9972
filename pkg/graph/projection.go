package graph

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/booyajones/clarity/pkg/models"
	"github.com/booyajones/clarity/pkg/tracing"
)

// Projector writes resolved payee relationships into the graph. Projection is
// best effort: failures are logged, never surfaced to the pipeline.
type Projector struct {
	client *Client
	logger ectologger.Logger
}

// NewProjector creates a projector
func NewProjector(client *Client, logger ectologger.Logger) *Projector {
	return &Projector{
		client: client,
		logger: logger,
	}
}

// ProjectResolution upserts a payee node, its matched entity node, and the
// RESOLVED_TO edge between them
func (p *Projector) ProjectResolution(ctx context.Context, record *models.PayeeRecord, entity *models.RegistryEntity) {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectResolution")
	defer span.End()

	if record == nil || entity == nil || record.MatchType == nil {
		return
	}

	cypher := `
		MERGE (p:Payee {id: $payee_id, tenant_id: $tenant_id})
		SET p.raw_name = $raw_name, p.normalized_name = $normalized_name
		MERGE (e:Entity {id: $entity_id})
		SET e.canonical_name = $canonical_name
		MERGE (p)-[r:RESOLVED_TO]->(e)
		SET r.confidence = $confidence, r.match_type = $match_type, r.batch_id = $batch_id
	`

	params := map[string]any{
		"payee_id":        record.ID,
		"tenant_id":       record.TenantID,
		"raw_name":        record.RawName,
		"normalized_name": record.NormalizedName,
		"entity_id":       entity.ID,
		"canonical_name":  entity.CanonicalName,
		"confidence":      record.MatchConfidence,
		"match_type":      *record.MatchType,
		"batch_id":        record.BatchID,
	}

	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"record_id": record.ID,
			"entity_id": entity.ID,
		}).Warn("Failed to project resolution to graph")
	}
}

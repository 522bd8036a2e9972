// Package registryentity reads the reference registry used for candidate lookup
package registryentity

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/booyajones/clarity/pkg/database"
	"github.com/booyajones/clarity/pkg/models"
	"github.com/booyajones/clarity/pkg/tracing"
)

const registryColumns = "id, canonical_name, normalized_name, category, aliases, created_at, updated_at"

// Repository reads registry entities. The registry is refreshed by an
// external loader; this service never writes to it.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new registry entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DB exposes the underlying database handle for transactional operations.
func (r *Repository) DB() database.DB {
	return r.db
}

// Get retrieves a registry entity by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.RegistryEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "registryentity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(registryColumns)
	sb.From("registry_entities")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var entity models.RegistryEntity
	if err := r.db.GetContext(ctx, &entity, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("registry entity %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get registry entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get registry entity")
	}

	return &entity, nil
}

// FindCandidates returns registry entities for a normalized key: exact key
// match, substring containment in either direction, or alias containment.
// Exact matches sort first, then shorter names, so the limit cannot starve
// the strongest candidates.
func (r *Repository) FindCandidates(ctx context.Context, normalizedKey string, limit int) ([]models.RegistryEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "registryentity.Repository.FindCandidates")
	defer span.End()

	if normalizedKey == "" {
		return nil, nil
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}

	query := `
		SELECT ` + registryColumns + `
		FROM registry_entities
		WHERE normalized_name = $1
		   OR normalized_name LIKE '%' || $1 || '%'
		   OR $1 LIKE '%' || normalized_name || '%'
		   OR EXISTS (
			SELECT 1 FROM jsonb_array_elements_text(aliases) alias
			WHERE lower(alias) = $1
		   )
		ORDER BY (normalized_name = $1) DESC, length(normalized_name), canonical_name
		LIMIT $2
	`

	var entities []models.RegistryEntity
	if err := r.db.SelectContext(ctx, &entities, query, normalizedKey, limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"normalized_key": normalizedKey}).Error("Failed to find registry candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find registry candidates")
	}

	return entities, nil
}

// GetByIDs retrieves registry entities for a set of IDs
func (r *Repository) GetByIDs(ctx context.Context, ids []string) ([]models.RegistryEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "registryentity.Repository.GetByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(registryColumns)
	sb.From("registry_entities")
	sb.Where(sb.In("id", sqlbuilder.Flatten(ids)...))

	query, args := sb.Build()
	var entities []models.RegistryEntity
	if err := r.db.SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get registry entities by ids")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get registry entities")
	}

	return entities, nil
}

// Count returns the registry size, used by the health route to confirm the
// loader has populated the table.
func (r *Repository) Count(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "registryentity.Repository.Count")
	defer span.End()

	var count int
	if err := r.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM registry_entities"); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count registry entities")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count registry entities")
	}

	return count, nil
}

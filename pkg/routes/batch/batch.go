// Package batch exposes batch intake and progress endpoints
package batch

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/booyajones/clarity/internal/repositories/payeerecord"
	appcontext "github.com/booyajones/clarity/pkg/context"
	"github.com/booyajones/clarity/pkg/models"
	"github.com/booyajones/clarity/pkg/orchestrator"
	"github.com/booyajones/clarity/pkg/tracing"
)

var validate = validator.New()

// Register registers batch routes
func Register(g *echo.Group) {
	g.POST("", CreateBatch)
	g.GET("/:id", GetBatch)
	g.GET("/:id/records", ListBatchRecords)
	g.POST("/:id/cancel", CancelBatch)
}

// CreateBatchRequest is the intake payload for a new batch
type CreateBatchRequest struct {
	Name    string               `json:"name"`
	Options *models.BatchOptions `json:"options,omitempty"`
	Records []struct {
		RawName string `json:"raw_name" validate:"required"`
	} `json:"records" validate:"required,min=1,dive"`
}

// CreateBatch accepts a set of payee names and starts the pipeline. The
// response returns immediately; processing continues in the background.
func CreateBatch(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "batch_handler.CreateBatch")
	defer span.End()

	tenantID := appcontext.GetTenantID(ctx)

	var req CreateBatchRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rawNames := make([]string, 0, len(req.Records))
	for _, record := range req.Records {
		rawNames = append(rawNames, record.RawName)
	}

	ctx, orch, err := ectoinject.GetContext[*orchestrator.Orchestrator](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	batch, err := orch.CreateBatch(ctx, tenantID, req.Name, req.Options, rawNames)
	if err != nil {
		return err
	}

	go func() {
		// processing outlives the request
		bgCtx := appcontext.SetTenantID(context.Background(), tenantID)
		bgCtx = appcontext.SetBatchID(bgCtx, batch.ID)
		if err := orch.ProcessBatch(bgCtx, batch.ID); err != nil {
			if _, logger, logErr := ectoinject.GetContext[ectologger.Logger](bgCtx); logErr == nil {
				logger.WithContext(bgCtx).WithError(err).WithFields(map[string]any{
					"batch_id": batch.ID,
				}).Error("Batch processing failed")
			}
		}
	}()

	return c.JSON(http.StatusAccepted, batch)
}

// GetBatch returns a batch with its per-stage progress
func GetBatch(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "batch_handler.GetBatch")
	defer span.End()

	batchID := c.Param("id")

	ctx, orch, err := ectoinject.GetContext[*orchestrator.Orchestrator](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	progress, err := orch.GetProgress(ctx, batchID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, progress)
}

// ListBatchRecords returns the payee records of a batch
func ListBatchRecords(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "batch_handler.ListBatchRecords")
	defer span.End()

	batchID := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*payeerecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	records, err := repo.ListByBatch(ctx, batchID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, records)
}

// CancelBatch cancels a batch that has not finished
func CancelBatch(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "batch_handler.CancelBatch")
	defer span.End()

	batchID := c.Param("id")

	ctx, orch, err := ectoinject.GetContext[*orchestrator.Orchestrator](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := orch.CancelBatch(ctx, batchID); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

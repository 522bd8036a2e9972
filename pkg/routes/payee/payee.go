// Package payee exposes ad-hoc resolution and record lookup endpoints
package payee

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/booyajones/clarity/internal/repositories/payeerecord"
	"github.com/booyajones/clarity/pkg/matching"
	"github.com/booyajones/clarity/pkg/tracing"
)

var validate = validator.New()

// Register registers payee routes
func Register(g *echo.Group) {
	g.POST("/resolve", ResolvePayee)
	g.GET("/:id", GetPayeeRecord)
}

// ResolveRequest is the payload for an ad-hoc resolution
type ResolveRequest struct {
	Name string `json:"name" validate:"required"`
}

// ResolvePayee resolves a single payee name without creating a batch
func ResolvePayee(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "payee_handler.ResolvePayee")
	defer span.End()

	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, engine, err := ectoinject.GetContext[*matching.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := engine.Resolve(ctx, req.Name)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// GetPayeeRecord returns one payee record by ID
func GetPayeeRecord(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "payee_handler.GetPayeeRecord")
	defer span.End()

	recordID := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*payeerecord.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := repo.Get(ctx, recordID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, record)
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/booyajones/clarity/pkg/context"
)

func TestContextSetsTenantAndRequestID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderTenantID, "tenant-1")
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var gotTenant, gotRequest string
	handler := Context()(func(c echo.Context) error {
		ctx := c.Request().Context()
		gotTenant = context.GetTenantID(ctx)
		gotRequest = context.GetRequestID(ctx)
		return nil
	})

	require.NoError(t, handler(c))
	assert.Equal(t, "tenant-1", gotTenant)
	assert.Equal(t, "req-1", gotRequest)
}

func TestContextGeneratesRequestID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var gotRequest string
	handler := Context()(func(c echo.Context) error {
		gotRequest = context.GetRequestID(c.Request().Context())
		return nil
	})

	require.NoError(t, handler(c))
	assert.NotEmpty(t, gotRequest)
}

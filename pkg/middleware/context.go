package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/booyajones/clarity/pkg/context"
)

// HeaderTenantID scopes an API request to one tenant's registry and batches
const HeaderTenantID = "X-Tenant-ID"

// Context seeds the request context with the request ID and tenant before any
// handler runs, so repositories and logs downstream never read headers
// themselves.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			ctx := req.Context()
			ctx = context.SetRequestID(ctx, requestID)
			ctx = context.SetTenantID(ctx, req.Header.Get(HeaderTenantID))

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}

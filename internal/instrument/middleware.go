package instrument

import (
	"github.com/gofiber/fiber/v2"
)

// Middleware returns a Fiber middleware that sets up tracing for each request.
// It generates (or propagates) a trace ID, creates a root HTTP span, and injects
// the instrumenter into the request context for downstream handlers. userID
// reads the caller id set by auth middleware.
func Middleware(inst Instrumenter, userID func(c *fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Get or generate trace ID from incoming header
		traceID := c.Get("X-Trace-ID")
		if traceID == "" {
			traceID = newUUID()
		}

		ctx := WithInstrumenter(WithTraceID(c.UserContext(), traceID), inst)
		if userID != nil {
			if id := userID(c); id != "" {
				ctx = WithUserID(ctx, id)
			}
		}

		// Create root HTTP span
		ctx, span := inst.StartSpan(ctx, "http", "handler", "request")
		span.SetMetadata("method", c.Method())
		span.SetMetadata("path", c.Path())
		c.SetUserContext(ctx)

		// Set trace ID response header
		c.Set("X-Trace-ID", traceID)

		err := c.Next()

		// Finalize root span with response status
		statusCode := c.Response().StatusCode()
		span.SetMetadata("status_code", statusCode)
		if err != nil || statusCode >= 400 {
			span.SetStatus("error")
		} else {
			span.SetStatus("ok")
		}
		span.End()

		return err
	}
}

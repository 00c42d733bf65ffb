package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"rocket-collections/internal/auth"
	"rocket-collections/internal/engine"
	"rocket-collections/internal/instrument"
	"rocket-collections/internal/search"
)

type Options struct {
	JWTSecret    string
	RequireAuth  bool
	BodyLimit    int
	Search       *search.Index
	Instrumenter instrument.Instrumenter
	Logger       *zap.Logger
}

// NewApp builds the HTTP API over e.
func NewApp(e *engine.Engine, opts Options) *fiber.App {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	inst := opts.Instrumenter
	if inst == nil {
		inst = &instrument.NoopInstrumenter{}
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          ErrorHandler(logger),
		BodyLimit:             opts.BodyLimit,
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(requestLogger(logger))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api",
		auth.Middleware(opts.JWTSecret, opts.RequireAuth),
		instrument.Middleware(inst, auth.UserID),
	)
	Register(api, NewHandler(e, opts.Search))
	return app
}

// Register mounts the collection routes. Fixed segments come before :id.
func Register(r fiber.Router, h *Handler) {
	r.Get("/:collection", h.List)
	r.Get("/:collection/count", h.Count)
	r.Get("/:collection/search", h.Search)
	r.Get("/:collection/:id", h.GetByID)
	r.Get("/:collection/:id/versions", h.Versions)

	r.Post("/:collection/upload", h.Upload)
	r.Post("/:collection", h.Create)
	r.Post("/:collection/:id/restore", h.Restore)
	r.Post("/:collection/:id/revert", h.Revert)
	r.Post("/:collection/:id/transition", h.Transition)

	r.Patch("/:collection", h.UpdateMany)
	r.Patch("/:collection/:id", h.Update)

	r.Delete("/:collection", h.DeleteMany)
	r.Delete("/:collection/:id", h.Delete)
}

// ErrorHandler renders errors as ErrorResponse bodies. Errors outside the
// taxonomy are logged and reported as internal errors.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if appErr, ok := engine.AsAppError(err); ok {
			return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(engine.ErrorResponse{
				Error: engine.NewAppError(fiberCode(fiberErr.Code), fiberErr.Code, fiberErr.Message),
			})
		}

		logger.Error("request failed",
			zap.String("method", c.Method()), zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(engine.ErrorResponse{
			Error: engine.InternalError("Internal server error"),
		})
	}
}

func fiberCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "NOT_FOUND"
	case fiber.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case fiber.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	case fiber.StatusUnauthorized:
		return "UNAUTHORIZED"
	case fiber.StatusForbidden:
		return "FORBIDDEN"
	}
	if status >= 500 {
		return "INTERNAL_ERROR"
	}
	return "BAD_REQUEST"
}

func requestLogger(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			if appErr, ok := engine.AsAppError(err); ok {
				status = appErr.Status
			} else if fe := (*fiber.Error)(nil); errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		logger.Info("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		)
		return err
	}
}

package engine

import (
	"errors"
	"fmt"

	"rocket-collections/internal/store"
)

type AppError struct {
	Code      string        `json:"code"`
	Status    int           `json:"-"`
	Message   string        `json:"message"`
	Details   []ErrorDetail `json:"details,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Resource  string        `json:"resource,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

// Forbidden reports an access-control denial.
func Forbidden(operation, resource, reason string) *AppError {
	return &AppError{
		Code:      "FORBIDDEN",
		Status:    403,
		Message:   fmt.Sprintf("%s on %s denied: %s", operation, resource, reason),
		Operation: operation,
		Resource:  resource,
		Reason:    reason,
	}
}

func NotFoundError(resource string, id any) *AppError {
	return &AppError{
		Code:     "NOT_FOUND",
		Status:   404,
		Message:  fmt.Sprintf("%s with id %v not found", resource, id),
		Resource: resource,
	}
}

func BadRequest(format string, args ...any) *AppError {
	return &AppError{
		Code:    "BAD_REQUEST",
		Status:  400,
		Message: fmt.Sprintf(format, args...),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func NotImplemented(resource, feature string) *AppError {
	return &AppError{
		Code:     "NOT_IMPLEMENTED",
		Status:   501,
		Message:  fmt.Sprintf("%s is not enabled for %s", feature, resource),
		Resource: resource,
	}
}

func Conflict(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

func UnknownCollectionError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_COLLECTION",
		Status:  404,
		Message: fmt.Sprintf("Unknown collection: %s", name),
	}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func InternalError(msg string) *AppError {
	return &AppError{Code: "INTERNAL_ERROR", Status: 500, Message: msg}
}

// AsAppError unwraps err into an *AppError when it carries one.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// translateError rewrites storage constraint violations into the error
// taxonomy. Other errors pass through unchanged.
func translateError(dialect store.Dialect, resource string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsAppError(err); ok {
		return err
	}
	mapped := store.MapError(dialect, err)
	switch {
	case errors.Is(mapped, store.ErrUniqueViolation):
		return &AppError{Code: "CONFLICT", Status: 409, Message: "A record with this value already exists", Resource: resource}
	case errors.Is(mapped, store.ErrForeignKeyViolation):
		return &AppError{Code: "CONFLICT", Status: 409, Message: "Referenced record does not exist", Resource: resource}
	case errors.Is(mapped, store.ErrNotNullViolation):
		return ValidationError([]ErrorDetail{{Rule: "required", Message: mapped.Error()}})
	}
	return err
}

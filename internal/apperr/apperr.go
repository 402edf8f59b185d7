package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Code is the stable machine-readable error code surfaced by the API.
type Code string

const (
	AuthRequired        Code = "AUTH_REQUIRED"
	AuthFailed          Code = "AUTH_FAILED"
	Forbidden           Code = "FORBIDDEN"
	NotFound            Code = "NOT_FOUND"
	Conflict            Code = "CONFLICT"
	PreconditionFailed  Code = "PRECONDITION_FAILED"
	ValidationError     Code = "VALIDATION_ERROR"
	ServiceBusy         Code = "SERVICE_BUSY"
	UpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	Timeout             Code = "TIMEOUT"
	Internal            Code = "INTERNAL"
)

var httpStatus = map[Code]int{
	AuthRequired:        http.StatusUnauthorized,
	AuthFailed:          http.StatusUnauthorized,
	Forbidden:           http.StatusForbidden,
	NotFound:            http.StatusNotFound,
	Conflict:            http.StatusConflict,
	PreconditionFailed:  http.StatusPreconditionFailed,
	ValidationError:     http.StatusBadRequest,
	ServiceBusy:         http.StatusServiceUnavailable,
	UpstreamUnavailable: http.StatusBadGateway,
	Timeout:             http.StatusGatewayTimeout,
	Internal:            http.StatusInternalServerError,
}

type AppError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Fields  map[string]any `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func (e *AppError) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithField attaches a supplemental field to the serialized response.
func (e *AppError) WithField(key string, value any) *AppError {
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	e.Fields[key] = value
	return e
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// From coerces any error into an AppError; unknown errors become INTERNAL.
func From(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return &AppError{Code: Internal, Message: "internal error", Err: err}
}

func Write(w http.ResponseWriter, err *AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	payload := map[string]any{
		"code":  err.Code,
		"error": err.Message,
	}
	for k, v := range err.Fields {
		if k == "code" || k == "error" {
			continue
		}
		payload[k] = v
	}
	_ = json.NewEncoder(w).Encode(payload)
}

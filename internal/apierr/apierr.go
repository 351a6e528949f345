// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apierr implements the closed error taxonomy used across the run
// store, orchestrator, and HTTP surface. It is a sibling of pkg/errors: the
// hand-written domain error types there (ValidationError, NotFoundError,
// ProviderError, ConfigError, TimeoutError) still describe failures inside
// individual subsystems, but apierr.Code gives every call site a single
// small enum to classify them into, and a single HTTPStatus lookup instead
// of bespoke per-handler status mapping.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	conductorerrors "github.com/flowkeep/flowkeep/pkg/errors"
)

// Code is a stable, closed error code.
type Code string

const (
	CodeBadRequest      Code = "bad_request"
	CodeUnauthorized    Code = "unauthorized"
	CodeForbidden       Code = "forbidden"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeRateLimited     Code = "rate_limited"
	CodeEnvInvalid      Code = "env_invalid"
	CodeDBInsertFailed  Code = "db_insert_failed"
	CodeDBUpdateFailed  Code = "db_update_failed"
	CodeDBNotMigrated   Code = "db_not_migrated"
	CodeBadGateway      Code = "bad_gateway"
	CodeUpstreamTimeout Code = "upstream_timeout"
	CodeStreamClosed    Code = "stream_closed"
)

var httpStatus = map[Code]int{
	CodeBadRequest:      http.StatusBadRequest,
	CodeUnauthorized:    http.StatusUnauthorized,
	CodeForbidden:       http.StatusForbidden,
	CodeNotFound:        http.StatusNotFound,
	CodeConflict:        http.StatusConflict,
	CodeRateLimited:     http.StatusTooManyRequests,
	CodeEnvInvalid:      http.StatusInternalServerError,
	CodeDBInsertFailed:  http.StatusInternalServerError,
	CodeDBUpdateFailed:  http.StatusInternalServerError,
	CodeDBNotMigrated:   http.StatusInternalServerError,
	CodeBadGateway:      http.StatusBadGateway,
	CodeUpstreamTimeout: http.StatusGatewayTimeout,
	CodeStreamClosed:    http.StatusInternalServerError,
}

// Error is the concrete error type carrying a Code, a user-safe message,
// and an optional cause. It implements both pkg/errors.UserVisibleError and
// pkg/errors.ErrorClassifier so existing CLI/log formatting keeps working
// unmodified against it.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// New constructs an *Error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error carrying an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Cause }

// IsUserVisible implements pkg/errors.UserVisibleError. Every taxonomy error
// is user-safe by construction: its Message field is never populated from
// a raw internal error string.
func (e *Error) IsUserVisible() bool { return true }

// UserMessage implements pkg/errors.UserVisibleError.
func (e *Error) UserMessage() string { return e.Message }

// Suggestion implements pkg/errors.UserVisibleError. The taxonomy does not
// carry remediation guidance; callers that want it attach a ConfigError or
// ValidationError underneath as Cause.
func (e *Error) Suggestion() string { return "" }

// ErrorType implements pkg/errors.ErrorClassifier.
func (e *Error) ErrorType() string { return string(e.Code) }

// IsRetryable implements pkg/errors.ErrorClassifier.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case CodeBadGateway, CodeUpstreamTimeout, CodeRateLimited:
		return true
	default:
		return false
	}
}

var (
	_ conductorerrors.UserVisibleError = (*Error)(nil)
	_ conductorerrors.ErrorClassifier  = (*Error)(nil)
)

// HTTPStatus maps any error to an HTTP status code. Errors that are (or
// wrap) an *Error use its Code; anything else maps to 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if status, ok := httpStatus[e.Code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the Code from an error, returning ("", false) if err is
// not (and does not wrap) an *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

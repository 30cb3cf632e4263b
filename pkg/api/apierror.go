// Package api implements the gate's HTTP edge: the ubl/error envelope for
// chip-specific outcomes on /v1/* routes, RFC 7807 Problem Detail as the
// transport-level fallback for routing/middleware failures that occur
// before a chip-specific code can be assigned, and the handlers that
// translate pipeline outcomes into wire responses.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). It is
// the body for transport-level failures (unknown route, wrong method, edge
// rate limiting); classified /v1/* outcomes use ErrorEnvelope instead.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the distributed trace for this request.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// ErrorCode is the gate's closed error taxonomy. Every ubl/error envelope
// carries exactly one of these; there is no open-ended string code space.
type ErrorCode string

const (
	CodeKnockRejected    ErrorCode = "KNOCK_REJECTED"
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodePolicyDenied     ErrorCode = "POLICY_DENIED"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeInvalidCID       ErrorCode = "INVALID_CID"
	CodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"
	CodeSignError        ErrorCode = "SIGN_ERROR"
	CodeCanonError       ErrorCode = "CANON_ERROR"
	CodeTamperDetected   ErrorCode = "TAMPER_DETECTED"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeTooManyRequests  ErrorCode = "TOO_MANY_REQUESTS"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// ErrorEnvelope is the gate's own chip-shaped error: a "ubl/error" record
// with a closed ErrorCode, returned as the body of every classified
// /v1/* failure. It sits alongside ProblemDetail rather than replacing
// it — a request that never reaches a handler with enough context to
// classify (unknown route, wrong method) still gets a ProblemDetail.
type ErrorEnvelope struct {
	Type    string                 `json:"@type"`
	ID      string                 `json:"id"`
	Ver     string                 `json:"ver"`
	World   string                 `json:"world"`
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Link    string                 `json:"link,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// errorWorld is the fixed @world every ubl/error record is stamped with —
// errors are not scoped to the submitter's world, they live in the
// system's own error namespace.
const errorWorld = "a/system/t/errors"

// WriteChipError writes the gate's closed ubl/error envelope as the
// response body. status is the HTTP status; code is the closed
// ErrorCode; details carries any code-specific context (a knock code, a
// retry-after hint) a caller needs beyond the human-readable message.
func WriteChipError(w http.ResponseWriter, status int, code ErrorCode, message string, details map[string]interface{}) {
	env := &ErrorEnvelope{
		Type:    "ubl/error",
		ID:      "err-" + uuid.NewString(),
		Ver:     "1.0",
		World:   errorWorld,
		Code:    code,
		Message: message,
		Details: details,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://ubl-gate.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from request URI).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://ubl-gate.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	// Log internally but never expose to client
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// Package api exposes the judgment, rollout and workflow services over HTTP.
// Errors are RFC 7807 problem documents.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

const problemBase = "https://triflow.schemas.local/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID echoes X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`

	// Extension members carrying the typed error.
	Kind   contracts.ErrorKind `json:"kind,omitempty"`
	Code   string              `json:"code,omitempty"`
	NodeID string              `json:"node_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	if problem.Type == "" {
		problem.Type = fmt.Sprintf("%s%d", problemBase, problem.Status)
	}
	if problem.TraceID == "" {
		problem.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err, "request_id", w.Header().Get("X-Request-ID"))
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// StatusForKind maps an error kind onto its HTTP status.
func StatusForKind(kind contracts.ErrorKind) int {
	switch kind {
	case contracts.KindInvalid:
		return http.StatusBadRequest
	case contracts.KindNotFound:
		return http.StatusNotFound
	case contracts.KindRolloutConflict:
		return http.StatusConflict
	case contracts.KindJudgmentUnavailable, contracts.KindFallbackUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorR writes err as a problem document. Typed errors keep their kind,
// code and node; anything that maps to 500 is sanitized.
func WriteErrorR(w http.ResponseWriter, r *http.Request, err error) {
	var ce *contracts.Error
	if !errors.As(err, &ce) {
		WriteInternal(w, err)
		return
	}
	status := StatusForKind(ce.Kind)
	if status == http.StatusInternalServerError {
		WriteInternal(w, err)
		return
	}
	detail := ce.Message
	if detail == "" {
		detail = err.Error()
	}
	writeProblem(w, &ProblemDetail{
		Type:     problemBase + string(ce.Kind),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Kind:     ce.Kind,
		Code:     ce.Code,
		NodeID:   ce.NodeID,
	})
}

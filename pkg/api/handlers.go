package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ubl-gate/gate/pkg/advisory"
	"github.com/ubl-gate/gate/pkg/authorship"
	"github.com/ubl-gate/gate/pkg/eventhub"
	"github.com/ubl-gate/gate/pkg/metrics"
	"github.com/ubl-gate/gate/pkg/pipeline"
	"github.com/ubl-gate/gate/pkg/store"
)

// MaxBodyBytes bounds a submitted chip body at 1 MiB; knock.Validate itself
// has no byte limit, only depth and array-length limits. Exported so edge middleware that peeks the body (write-auth)
// bounds its read the same way the handler itself does.
const MaxBodyBytes = 1 << 20

const maxBodyBytes = MaxBodyBytes

// Server wires the gate's HTTP surface to the pipeline orchestrator, the
// durable store, the event hub, and the advisory signer.
type Server struct {
	Pipeline   *pipeline.Orchestrator
	Store      store.Store
	Events     *eventhub.Hub
	Advisories *advisory.Signer
	Metrics    *metrics.Registry

	// ReceiptOrigin and ReceiptPath build the Location header on a
	// successful submit: ReceiptOrigin + ReceiptPath + "/" + receipt CID.
	// Either left empty omits the header rather than emitting a
	// malformed relative URL.
	ReceiptOrigin string
	ReceiptPath   string
}

// Routes registers every /v1/* endpoint on mux, wrapping each in the
// metrics middleware (a nil Metrics is a no-op, so tests may omit it).
// Any other path gets an RFC 7807 Problem Detail 404.
func (s *Server) Routes(mux *http.ServeMux) {
	s.handle(mux, "/v1/chips", s.HandleSubmit)
	s.handle(mux, "/v1/receipts/", s.HandleGetReceipt)
	s.handle(mux, "/v1/events", s.HandleEvents)
	s.handle(mux, "/v1/events/search", s.HandleEventsSearch)
	s.handle(mux, "/v1/advisories/", s.HandleListAdvisories)
	s.handle(mux, "/healthz", s.HandleHealthz)
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics.Handler())
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "The requested resource does not exist")
	})
}

func (s *Server) handle(mux *http.ServeMux, route string, fn http.HandlerFunc) {
	mux.Handle(route, s.Metrics.Middleware(route, fn))
}

// HandleSubmit is the single mutation entry point: POST a chip body, get
// back a terminal receipt (or a classified failure) synchronously.
func (s *Server) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteChipError(w, http.StatusRequestEntityTooLarge, CodeKnockRejected,
			"request body exceeds the 1MB knock ceiling", nil)
		return
	}

	hint := authorship.HintFromRequest(r)

	out, err := s.Pipeline.Process(r.Context(), raw, hint)
	if err != nil {
		s.writePipelineError(w, r, err)
		return
	}

	s.Metrics.ObserveChipOutcome("wf")
	status := http.StatusCreated
	if out.Replay {
		status = http.StatusOK
	}
	if s.ReceiptOrigin != "" && s.ReceiptPath != "" {
		w.Header().Set("Location", s.ReceiptOrigin+s.ReceiptPath+"/"+out.Receipt.ReceiptCID)
	}
	writeJSON(w, status, out.Receipt)
}

// HandleGetReceipt serves GET /v1/receipts/{cid}.
func (s *Server) HandleGetReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	cid := strings.TrimPrefix(r.URL.Path, "/v1/receipts/")
	if cid == "" {
		WriteChipError(w, http.StatusBadRequest, CodeInvalidCID, "a receipt cid is required", nil)
		return
	}

	body, err := s.Store.GetReceipt(r.Context(), cid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteChipError(w, http.StatusNotFound, CodeNotFound, "no receipt with that cid", nil)
			return
		}
		slog.Error("store: get receipt failed", "error", err)
		WriteChipError(w, http.StatusInternalServerError, CodeInternalError,
			"An unexpected error occurred. Please try again later.", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// HandleEvents serves GET /v1/events as a Server-Sent Events stream of
// receipt-emission events, filtered by query parameters.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	filter := eventhub.ParseFilter(r.URL.Query())
	if err := s.Events.ServeSSE(w, r, filter); err != nil {
		// headers are already sent once ServeSSE starts streaming, so this
		// can only surface a pre-stream failure (e.g. non-flushable writer).
		slog.Error("events: sse stream failed", "error", err)
		WriteChipError(w, http.StatusInternalServerError, CodeInternalError,
			"An unexpected error occurred. Please try again later.", nil)
	}
}

// HandleEventsSearch serves GET /v1/events/search: a one-shot windowed
// query over durably stored events, returning a JSON array rather than
// an SSE stream. Intended for dashboards and backfill, not live tailing.
func (s *Server) HandleEventsSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	filter, limit := eventhub.ParseSearchFilter(r.URL.Query())
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	events, err := s.Events.Search(r.Context(), filter, limit)
	if err != nil {
		slog.Error("events: search failed", "error", err)
		WriteChipError(w, http.StatusInternalServerError, CodeInternalError,
			"An unexpected error occurred. Please try again later.", nil)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleListAdvisories serves GET /v1/advisories/{passport_cid}.
func (s *Server) HandleListAdvisories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	passportCID := strings.TrimPrefix(r.URL.Path, "/v1/advisories/")
	if passportCID == "" {
		WriteChipError(w, http.StatusBadRequest, CodeInvalidCID, "a passport cid is required", nil)
		return
	}
	if s.Advisories == nil {
		writeJSON(w, http.StatusOK, []advisory.Advisory{})
		return
	}
	writeJSON(w, http.StatusOK, s.Advisories.ListByPassport(passportCID))
}

// HandleHealthz reports liveness. It never touches the store or pipeline:
// a degraded dependency should fail individual requests, not the probe.
func (s *Server) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writePipelineError maps a classified pipeline.Error to the gate's closed
// ubl/error envelope. A non-pipeline error (should not happen, since
// Process only ever returns *pipeline.Error or nil) falls back to a
// generic 500 rather than leaking an unclassified message to the caller.
func (s *Server) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		slog.Error("pipeline: unclassified error", "error", err)
		WriteChipError(w, http.StatusInternalServerError, CodeInternalError,
			"An unexpected error occurred. Please try again later.", nil)
		return
	}
	switch perr.Code {
	case pipeline.CodeInvalidChip, pipeline.CodeCanonError:
		s.Metrics.ObserveChipOutcome("knock")
		WriteChipError(w, http.StatusUnprocessableEntity, CodeKnockRejected, perr.Message, nil)
	case pipeline.CodePolicyDenied:
		s.Metrics.ObserveChipOutcome("policy_denied")
		WriteChipError(w, http.StatusForbidden, CodePolicyDenied, perr.Message, nil)
	case pipeline.CodeSignError:
		s.Metrics.ObserveChipOutcome("sign_error")
		WriteChipError(w, http.StatusUnprocessableEntity, CodeSignError, perr.Message, nil)
	case pipeline.CodeInvalidSignature:
		s.Metrics.ObserveChipOutcome("sign_error")
		WriteChipError(w, http.StatusUnprocessableEntity, CodeInvalidSignature, perr.Message, nil)
	case pipeline.CodeNotFound:
		WriteChipError(w, http.StatusNotFound, CodeNotFound, perr.Message, nil)
	case pipeline.CodeTooManyRequests:
		s.Metrics.ObserveChipOutcome("rate_limited")
		retryAfter := 60
		if perr.RetryAfter > 0 {
			retryAfter = int(perr.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		WriteChipError(w, http.StatusTooManyRequests, CodeTooManyRequests, perr.Message,
			map[string]interface{}{"retry_after_seconds": retryAfter})
	default:
		if perr.Underlying != nil {
			slog.Error("pipeline: internal error", "error", perr.Underlying)
		}
		WriteChipError(w, http.StatusInternalServerError, CodeInternalError,
			"An unexpected error occurred. Please try again later.", nil)
	}
}

// Package api provides the HTTP control API and the webhook endpoint of
// branchoff.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/branchoff/branchoff/internal/core/domain"
	"github.com/branchoff/branchoff/internal/core/webhook"
	"github.com/branchoff/branchoff/internal/engine"
	apimw "github.com/branchoff/branchoff/internal/shell/api/middleware"
	"github.com/branchoff/branchoff/internal/shell/executor"
	"github.com/branchoff/branchoff/internal/shell/procman"
	"github.com/branchoff/branchoff/internal/shell/store"
	"github.com/branchoff/branchoff/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Dependencies
// =============================================================================

// Pipelines is the part of the engine the API drives.
type Pipelines interface {
	Create(uri, branch string, opts engine.Options, then engine.Callback) error
	Update(uri, branch string, opts engine.Options, then engine.Callback) error
	Stage(uri, branch string, opts engine.Options, then engine.Callback) error
	Destroy(uri, branch string, opts engine.Options, then engine.Callback) error
	Dispatch(ev webhook.Event, then engine.Callback) error
	RunHook(ctx context.Context, id, event string, args ...string) (executor.Result, error)
}

// Contexts is the read side of the registry.
type Contexts interface {
	List() []*domain.Context
	Get(id string) (*domain.Context, bool)
}

// QueueLen reports the number of pending tasks.
type QueueLen interface {
	Len() int
}

// Config wires the handler. Store, Processes, Queue and Metrics are
// optional; their routes answer 503 when missing.
type Config struct {
	Pipelines Pipelines
	Contexts  Contexts
	Store     store.Store
	Processes procman.Manager
	Queue     QueueLen
	Metrics   *telemetry.Metrics

	// Token guards /api/v1. Empty disables auth.
	Token string
	// WebhookSecret verifies X-Hub-Signature-256. Empty disables the check.
	WebhookSecret string

	Logger *slog.Logger
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	config   Config
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:   cfg,
		validate: validator.New(),
		logger:   logger.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Get("/health", h.handleHealth)
	if h.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.config.Metrics.Handler())
	}

	// Webhook
	r.With(apimw.VerifySignature(h.config.WebhookSecret, h.logger)).
		Post("/github/postreceive", h.handlePostReceive)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apimw.NewAuthMiddleware(apimw.AuthConfig{Token: h.config.Token, Logger: h.logger}).Handler)

		r.Route("/registry", func(r chi.Router) {
			r.Get("/", h.handleListContexts)
			r.Get("/{id}", h.handleGetContext)
			r.Post("/{id}/hooks/{event}", h.handleRunHook)
		})

		r.Post("/deploy", h.handleDeploy)
		r.Post("/destroy", h.handleDestroy)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.handleListRuns)
			r.Get("/{id}", h.handleGetRun)
		})

		r.Get("/processes", h.handleListProcesses)
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Timestamp: time.Now().UTC()}
	if h.config.Queue != nil {
		resp.QueueLen = h.config.Queue.Len()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Registry Handlers
// =============================================================================

func (h *Handler) handleListContexts(w http.ResponseWriter, r *http.Request) {
	list := h.config.Contexts.List()
	resp := ListContextsResponse{
		Contexts: make([]ContextResponse, 0, len(list)),
		Total:    len(list),
	}
	for _, c := range list {
		resp.Contexts = append(resp.Contexts, contextToResponse(c))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.config.Contexts.Get(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "context not found", "context_not_found")
		return
	}
	h.writeJSON(w, http.StatusOK, contextToResponse(c))
}

func (h *Handler) handleRunHook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event := chi.URLParam(r, "event")

	var req HookRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
			return
		}
	}

	res, err := h.config.Pipelines.RunHook(r.Context(), id, event, req.Args...)
	if err != nil {
		if errors.Is(err, engine.ErrContextNotFound) {
			h.writeError(w, http.StatusNotFound, "context not found", "context_not_found")
			return
		}
		h.logger.Error("failed to run hook", "id", id, "event", event, "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error(), "hook_failed")
		return
	}

	h.writeJSON(w, http.StatusOK, ResultResponse{
		Operation:    "hook:" + event,
		DeploymentID: id,
		Code:         res.Code,
		Output:       res.Output,
	})
}

// =============================================================================
// Pipeline Handlers
// =============================================================================

func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if !h.decode(w, r, &req) {
		return
	}

	mode, _ := domain.ParseMode(req.Mode)
	opts := engine.Options{Mode: mode, Scale: req.Scale, Commit: req.Commit}

	op := domain.OpCreate
	run := h.config.Pipelines.Create
	switch {
	case mode.IsStaging():
		op, run = domain.OpStage, h.config.Pipelines.Stage
	case req.Update:
		op, run = domain.OpUpdate, h.config.Pipelines.Update
	}

	id := domain.DeriveID(req.URI, req.Branch, mode)
	h.invoke(w, r, string(op), id, req.Wait, func(then engine.Callback) error {
		return run(req.URI, req.Branch, opts, then)
	})
}

func (h *Handler) handleDestroy(w http.ResponseWriter, r *http.Request) {
	var req DestroyRequest
	if !h.decode(w, r, &req) {
		return
	}

	mode, _ := domain.ParseMode(req.Mode)
	id := domain.DeriveID(req.URI, req.Branch, mode)
	h.invoke(w, r, string(domain.OpDestroy), id, req.Wait, func(then engine.Callback) error {
		return h.config.Pipelines.Destroy(req.URI, req.Branch, engine.Options{Mode: mode}, then)
	})
}

// invoke starts an operation. Without wait it answers 202 once the work is
// queued; with wait it answers when the operation's callback fires.
func (h *Handler) invoke(w http.ResponseWriter, r *http.Request, op, id string, wait bool, start func(engine.Callback) error) {
	var then engine.Callback
	results := make(chan engine.Result, 1)
	if wait {
		then = func(res engine.Result) { results <- res }
	}

	if err := start(then); err != nil {
		h.writePipelineError(w, err)
		return
	}

	if !wait {
		h.writeJSON(w, http.StatusAccepted, AcceptedResponse{Status: "queued", Operation: op, DeploymentID: id})
		return
	}

	select {
	case res := <-results:
		resp := ResultResponse{Operation: op, DeploymentID: id, Code: res.Code, Output: res.Output}
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
		h.writeJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
		// The operation keeps running on the queue.
		h.logger.Info("client gave up waiting", "operation", op, "id", id)
	}
}

func (h *Handler) writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidCoordinates), errors.Is(err, domain.ErrInvalidMode):
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
	case errors.Is(err, engine.ErrNotAccepted):
		h.writeError(w, http.StatusForbidden, err.Error(), "not_accepted")
	default:
		h.logger.Error("failed to start operation", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error(), "internal_error")
	}
}

// =============================================================================
// Journal Handlers
// =============================================================================

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.config.Store == nil {
		h.writeError(w, http.StatusServiceUnavailable, "run journal disabled", "unavailable")
		return
	}

	opts := store.RunListOptions{ListOptions: store.DefaultListOptions()}
	q := r.URL.Query()
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	opts.ListOptions = opts.ListOptions.Normalize()
	opts.DeploymentID = q.Get("deployment_id")
	opts.Operation = domain.Operation(q.Get("operation"))

	runs, err := h.config.Store.ListRuns(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", "internal_error")
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}

	h.writeJSON(w, http.StatusOK, ListRunsResponse{
		Runs:   runs,
		Total:  len(runs),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.config.Store == nil {
		h.writeError(w, http.StatusServiceUnavailable, "run journal disabled", "unavailable")
		return
	}

	id := chi.URLParam(r, "id")
	run, err := h.config.Store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "run not found", "run_not_found")
			return
		}
		h.logger.Error("failed to get run", "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get run", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	if h.config.Processes == nil {
		h.writeError(w, http.StatusServiceUnavailable, "process manager unavailable", "unavailable")
		return
	}

	list, err := h.config.Processes.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list processes", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list processes", "internal_error")
		return
	}
	if list == nil {
		list = []domain.ProcessRecord{}
	}
	h.writeJSON(w, http.StatusOK, ListProcessesResponse{Processes: list, Total: len(list)})
}

// =============================================================================
// Helpers
// =============================================================================

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			h.writeError(w, http.StatusBadRequest, verrs[0].Field()+" failed "+verrs[0].Tag()+" validation", "validation_error")
			return false
		}
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func contextToResponse(c *domain.Context) ContextResponse {
	return ContextResponse{
		ID:        c.ID,
		URI:       c.URI,
		Branch:    c.Branch,
		Mode:      c.Mode,
		Commit:    c.Commit,
		Port:      c.Port,
		Scale:     c.Scale,
		Dir:       c.Dir,
		Process:   c.ProcessName(),
		Instances: c.Instances,
		ExecMode:  c.ExecMode,
	}
}

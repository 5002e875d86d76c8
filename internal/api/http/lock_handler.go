// internal/api/http/lock_handler.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"exclusive-flock/internal/config"
	"exclusive-flock/internal/domain"
	"exclusive-flock/internal/infra/etcd"
	"exclusive-flock/internal/metrics"
	"exclusive-flock/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ResourceRegistrar adds locks to a running registry.
type ResourceRegistrar interface {
	RegisterResource(resource string) (domain.LockName, error)
	Lookup(name domain.LockName) (domain.LockPath, bool)
}

// HistoryLister lists past runs of a task.
type HistoryLister interface {
	ListHistory(ctx context.Context, taskName string, page, pageSize int) ([]*domain.RunRecord, error)
}

// HostLister reports the hosts sharing the etcd catalog.
type HostLister interface {
	Hosts() []etcd.HostInfo
}

// Option configures optional LockHandler routes.
type Option func(*LockHandler)

// WithHistory serves GET /tasks/{name}/history from lister.
func WithHistory(lister HistoryLister) Option {
	return func(h *LockHandler) { h.history = lister }
}

// WithRegistration serves POST /resources. Registered resources are also
// saved to repo when it is non-nil.
func WithRegistration(registrar ResourceRegistrar, repo domain.CatalogRepository) Option {
	return func(h *LockHandler) {
		h.registrar = registrar
		h.catalog = repo
	}
}

// WithHosts serves GET /hosts from lister.
func WithHosts(lister HostLister) Option {
	return func(h *LockHandler) { h.hosts = lister }
}

// LockHandler serves the read-only lock status API and optional admin routes.
type LockHandler struct {
	inspector domain.LockInspector
	history   HistoryLister
	hosts     HostLister
	registrar ResourceRegistrar
	catalog   domain.CatalogRepository
	logger    *slog.Logger
	validate  *validator.Validate
	tracer    trace.Tracer
}

// NewLockHandler creates a LockHandler over inspector.
func NewLockHandler(inspector domain.LockInspector, logger *slog.Logger, opts ...Option) *LockHandler {
	h := &LockHandler{
		inspector: inspector,
		logger:    logger.With("component", "lock-handler"),
		validate:  config.NewValidator(),
		tracer:    otel.Tracer("exclusive-flock-api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// instrument wraps next with a server span and the request counter. route
// maps a request to its low-cardinality path label.
func (h *LockHandler) instrument(route func(*http.Request) string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := route(r)

		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

func fixedRoute(path string) func(*http.Request) string {
	return func(*http.Request) string { return path }
}

// RegisterRoutes registers lock-related routes to the http.ServeMux.
func (h *LockHandler) RegisterRoutes(mux *http.ServeMux) {
	locks := h.instrument(func(r *http.Request) string {
		if name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/locks"), "/"); name != "" {
			return "/locks/{name}"
		}
		return "/locks"
	}, h.handleLocks)
	mux.Handle("/locks", locks)
	mux.Handle("/locks/", locks)

	if h.history != nil {
		mux.Handle("/tasks/", h.instrument(fixedRoute("/tasks/{name}/history"), h.handleTasks))
	}
	if h.hosts != nil {
		mux.Handle("/hosts", h.instrument(fixedRoute("/hosts"), h.handleListHosts))
	}
	if h.registrar != nil {
		mux.Handle("/resources", h.instrument(fixedRoute("/resources"), h.handleRegisterResource))
	}
}

// handleLocks dispatches GET /locks and GET /locks/{name}.
func (h *LockHandler) handleLocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/locks"), "/")
	switch {
	case name == "":
		h.handleListLocks(w, r)
	case strings.Contains(name, "/"):
		writeError(w, http.StatusNotFound, "Not found")
	default:
		h.handleGetLock(w, r, domain.LockName(name))
	}
}

func (h *LockHandler) handleListLocks(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "handler.ListLocks")
	defer span.End()

	locks := h.inspector.Snapshot()
	span.SetAttributes(attribute.Int("lock.count", len(locks)))
	writeJSON(w, http.StatusOK, locks)
}

func (h *LockHandler) handleGetLock(w http.ResponseWriter, r *http.Request, name domain.LockName) {
	_, span := h.tracer.Start(r.Context(), "handler.GetLock")
	defer span.End()
	span.SetAttributes(attribute.String("lock.name", string(name)))

	status, ok := h.inspector.Status(name)
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrUnknownName.Error()+": "+string(name))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *LockHandler) handleListHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	_, span := h.tracer.Start(r.Context(), "handler.ListHosts")
	defer span.End()

	hosts := h.hosts.Hosts()
	span.SetAttributes(attribute.Int("host.count", len(hosts)))
	writeJSON(w, http.StatusOK, hosts)
}

// handleTasks serves GET /tasks/{name}/history.
func (h *LockHandler) handleTasks(w http.ResponseWriter, r *http.Request) {
	// e.g. /tasks/backup/history -> ["tasks", "backup", "history"]
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) != 3 || pathParts[0] != "tasks" || pathParts[1] == "" || pathParts[2] != "history" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	taskName := pathParts[1]

	ctx, span := h.tracer.Start(r.Context(), "handler.GetTaskHistory")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", taskName))

	// Parse pagination parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	query := r.URL.Query()
	sizeParam := query.Get("page_size")
	if sizeParam == "" {
		sizeParam = query.Get("pageSize")
	}
	pageSize, _ := strconv.Atoi(sizeParam)
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20 // default and max page size
	}
	span.SetAttributes(attribute.Int("page", page), attribute.Int("page_size", pageSize))

	history, err := h.history.ListHistory(ctx, taskName, page, pageSize)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, usecase.ErrHistoryDisabled) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.logger.Error("error listing task history", "task_name", taskName, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handleRegisterResource serves POST /resources.
func (h *LockHandler) handleRegisterResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "handler.RegisterResource")
	defer span.End()

	var req RegisterResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var details []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
			}
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: details})
		return
	}

	name, err := h.registrar.RegisterResource(req.Resource)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, domain.ErrDuplicateName), errors.Is(err, domain.ErrPathInUse):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, domain.ErrInvalidName), errors.Is(err, domain.ErrInvalidPath):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("error registering resource", "resource", req.Resource, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	path, _ := h.registrar.Lookup(name)
	span.SetAttributes(attribute.String("lock.name", string(name)))

	if h.catalog != nil {
		if err := h.catalog.Save(ctx, req.ToDomainResource(name, path)); err != nil {
			span.SetStatus(codes.Error, "Failed to save resource to catalog")
			span.RecordError(err)
			h.logger.Error("error saving resource to catalog", "lock_name", name, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
	}

	h.logger.Info("registered resource", "lock_name", name, "path", path)
	writeJSON(w, http.StatusCreated, ResourceResponse{Name: name, Path: path, Description: req.Description})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

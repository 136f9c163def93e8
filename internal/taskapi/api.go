// Package taskapi serves the operator view of escalated emails.
package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/mailwarden/internal/escalation"
)

// StatusMarker records an operator reply in the email status store.
type StatusMarker interface {
	MarkManualReplied(ctx context.Context, emailID, operator, note string) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	store  escalation.Store
	status StatusMarker
}

// New creates a new API handler.
func New(logger log.Logger, store escalation.Store, status StatusMarker) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil {
		panic(xerrors.New("escalation store is required"))
	}
	if status == nil {
		panic(xerrors.New("status marker is required"))
	}
	return &API{
		logger: logger,
		store:  store,
		status: status,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Get("/", a.handleListTasks)
		r.Get("/{email_id}", a.handleGetTask)
		r.Post("/{email_id}/resolve", a.handleResolveTask)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// intParam parses an optional integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &escalation.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return n, nil
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := escalation.ListQuery{Status: escalation.StatusPending}
	if s := r.URL.Query().Get("status"); s != "" {
		q.Status = escalation.Status(s)
	}

	var err error
	if q.Page, err = intParam(r, "page", 1); err == nil {
		q.PageSize, err = intParam(r, "page_size", escalation.DefaultPageSize)
	}
	if err == nil {
		err = q.Validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := a.store.List(r.Context(), q)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list tasks", "status", string(q.Status), "page", q.Page)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if page.Tasks == nil {
		page.Tasks = []escalation.Task{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "email_id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("mailwarden.email.id", id))

	task, ok, err := a.store.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get task", "email_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("mailwarden.task.status", string(task.Status)))
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleResolveTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "email_id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("mailwarden.email.id", id))

	var res escalation.Resolution
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := res.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, ok, err := a.store.Resolve(r.Context(), id, res)
	if err != nil {
		var ve *escalation.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error(r.Context(), err, "failed to resolve task", "email_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	// Resolve is idempotent; the operator retries on failure.
	if err := a.status.MarkManualReplied(r.Context(), id, res.Operator, res.Remark); err != nil {
		a.logger.Error(r.Context(), err, "failed to record manual reply status", "email_id", id)
		writeError(w, http.StatusInternalServerError, "task resolved but status update failed")
		return
	}

	a.logger.Info(r.Context(), "task resolved", "email_id", id, "operator", res.Operator)
	writeJSON(w, http.StatusOK, task)
}

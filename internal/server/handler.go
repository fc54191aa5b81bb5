package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/koustreak/pgdispatch/internal/dispatch"
	"github.com/koustreak/pgdispatch/internal/errs"
	"github.com/koustreak/pgdispatch/internal/logger"
	"github.com/koustreak/pgdispatch/internal/metrics"
	"github.com/koustreak/pgdispatch/internal/registry"
	"github.com/koustreak/pgdispatch/internal/rowjson"
)

// Handler serves the query API:
//
//	POST /{name}  store the request body as the SQL for name
//	GET  /{name}  run the SQL stored under name and return rows as JSON
type Handler struct {
	registry      *registry.Registry
	dispatcher    dispatch.Dispatcher
	log           *logger.Logger
	maxQueryBytes int64
}

// NewHandler wires the registry and dispatcher. A nil log discards output
// and a non-positive maxQueryBytes falls back to DefaultConfig.
func NewHandler(reg *registry.Registry, d dispatch.Dispatcher, log *logger.Logger, maxQueryBytes int64) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	if maxQueryBytes <= 0 {
		maxQueryBytes = DefaultConfig().MaxQueryBytes
	}
	return &Handler{registry: reg, dispatcher: d, log: log, maxQueryBytes: maxQueryBytes}
}

// Routes builds the router. m may be nil.
func (h *Handler) Routes(m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.log.RequestLogger())
	if m != nil {
		r.Use(m.Middleware)
	}

	r.Post("/", h.missingName)
	r.Post("/{name}", h.save)
	r.Get("/{name}", h.query)
	return r
}

func (h *Handler) missingName(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "missing query name", http.StatusBadRequest)
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxQueryBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "query too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.registry.Save(name, string(body)); err != nil {
		h.writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Debug().Str("query", name).Int("bytes", len(body)).
		Int("registered", h.registry.Len()).
		Msg("query registered")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	arr, err := h.run(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := json.Marshal(arr)
	if err != nil {
		h.writeError(w, r, errs.Wrap(errs.ErrKindDecode, "failed to encode result", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// run looks up name and dispatches its SQL once. Unknown names fail with
// errs.ErrKindNotFound. Returning early because ctx ended drops the future.
func (h *Handler) run(ctx context.Context, name string) (rowjson.Array, error) {
	sql, ok := h.registry.Lookup(name)
	if !ok {
		return nil, errs.New(errs.ErrKindNotFound, "no query registered as "+name)
	}

	f := h.dispatcher.Run(ctx, sql)
	defer f.Cancel()
	return f.Wait(ctx)
}

// writeError maps err to a status. Only NotFound and bad input get their
// own status; everything else is a 500 whose details stay in the log.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context())

	switch {
	case errs.IsNotFound(err):
		http.Error(w, "not found", http.StatusNotFound)
	case errs.IsInvalidInput(err):
		http.Error(w, "bad request", http.StatusBadRequest)
	default:
		log.ErrorWith("query dispatch failed", err, map[string]any{
			"kind":  errs.KindOf(err).String(),
			"query": chi.URLParam(r, "name"),
		})
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/onkernel/blockvol/lib/logger"
	mw "github.com/onkernel/blockvol/lib/middleware"
	"github.com/onkernel/blockvol/lib/otel"
	"github.com/onkernel/blockvol/lib/volumes"
	"github.com/riandyrn/otelchi"
)

// newRouter serves the health probe and the operator endpoints.
func newRouter(app *application, tel *otel.Provider) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if app.Config.OtelEnabled {
		r.Use(otelchi.Middleware(app.Config.OtelServiceName, otelchi.WithChiRoutes(r)))
	}

	httpMetrics, err := mw.NewHTTPMetrics(tel.MeterFor("http"))
	if err != nil {
		app.Logger.Warn("failed to create HTTP metrics", "error", err)
	}
	r.Use(mw.InjectLogger(app.Logger))
	r.Use(mw.AccessLogger(mw.NewAccessLogger(tel.LogHandler)))
	r.Use(httpMetrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(mw.JwtAuth(app.Config.JwtSecret))
		r.Use(middleware.Timeout(5 * time.Minute))

		r.Get("/volumes", func(w http.ResponseWriter, r *http.Request) {
			f, err := parseFilter(r)
			if err != nil {
				mw.ErrorResponse(w, err.Error(), http.StatusBadRequest)
				return
			}
			page, err := app.Orchestrator.SearchVolumes(r.Context(), f)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, page)
		})

		r.Post("/reconcile", func(w http.ResponseWriter, r *http.Request) {
			if err := app.Orchestrator.Reconcile(r.Context(), 0); err != nil {
				writeError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/sweep", func(w http.ResponseWriter, r *http.Request) {
			n, err := app.Orchestrator.SweepDestroyed(r.Context(), app.Config.ReconcileStaleAge)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"queued": n})
		})
	})

	return r
}

func parseFilter(r *http.Request) (volumes.Filter, error) {
	q := r.URL.Query()
	f := volumes.Filter{
		AccountID:  q.Get("account_id"),
		InstanceID: q.Get("instance_id"),
		PoolID:     q.Get("pool_id"),
		ZoneID:     q.Get("zone_id"),
		Name:       q.Get("name"),
		Type:       volumes.Type(q.Get("type")),
	}
	for _, s := range q["state"] {
		f.States = append(f.States, volumes.State(s))
	}
	var err error
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			return f, errors.New("offset must be an integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, errors.New("limit must be an integer")
		}
	}
	return f, nil
}

// writeError maps an orchestrator error to an HTTP status by its kind.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch volumes.KindOf(err) {
	case volumes.KindValidation:
		status = http.StatusBadRequest
	case volumes.KindNotFound:
		status = http.StatusNotFound
	case volumes.KindConcurrency:
		status = http.StatusConflict
	case volumes.KindRemoteDefinitive, volumes.KindRemoteAmbiguous:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).ErrorContext(r.Context(), "admin request failed", "error", err)
	}
	mw.ErrorResponse(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package httpapi exposes the planner over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/pubsched/internal/coord"
	"github.com/SirClappington/pubsched/internal/domain"
	"github.com/SirClappington/pubsched/internal/planner"
)

// RecordSource exposes the coordination record for inspection.
type RecordSource interface {
	Record(ctx context.Context) (coord.Record, error)
}

type Options struct {
	// Token, when set, is required as a bearer token on /v1 routes.
	Token string
}

type API struct {
	planner *planner.Planner
	records RecordSource
	opts    Options
	log     *zap.Logger
}

func New(p *planner.Planner, records RecordSource, opts Options, log *zap.Logger) *API {
	return &API{planner: p, records: records, opts: opts, log: log.Named("http")}
}

func (a *API) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(a.logRequests)
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	rtr.Route("/v1", func(v1 chi.Router) {
		v1.Use(a.auth)
		v1.Post("/items", a.createItem)
		v1.Get("/items/{id}", a.getItem)
		v1.Delete("/items/{id}", a.deleteItem)
		v1.Post("/items/{id}/schedule", a.scheduleItem)
		v1.Post("/items/{id}/cancel", a.cancelItem)
		v1.Post("/bulk/schedule", a.bulkSchedule)
		v1.Get("/scheduler", a.schedulerState)
	})
	return rtr
}

func (a *API) auth(next http.Handler) http.Handler {
	if a.opts.Token == "" {
		return next
	}
	want := []byte("Bearer " + a.opts.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (a *API) createItem(w http.ResponseWriter, r *http.Request) {
	var body createItemBody
	if !decode(w, r, &body) {
		return
	}
	req := planner.DraftRequest{Content: body.Content, Media: body.Media}
	if body.Secondary != nil {
		req.Secondary = &domain.SecondaryPayload{Text: body.Secondary.Text}
	}
	it, err := a.planner.CreateDraft(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if body.Schedule != nil {
		it, err = a.planner.Schedule(r.Context(), body.Schedule.request(it.ID))
		if err != nil {
			a.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, toItem(it))
}

func (a *API) getItem(w http.ResponseWriter, r *http.Request) {
	it, err := a.planner.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(it))
}

func (a *API) deleteItem(w http.ResponseWriter, r *http.Request) {
	if err := a.planner.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) scheduleItem(w http.ResponseWriter, r *http.Request) {
	var body scheduleBody
	if !decode(w, r, &body) {
		return
	}
	it, err := a.planner.Schedule(r.Context(), body.request(chi.URLParam(r, "id")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(it))
}

func (a *API) cancelItem(w http.ResponseWriter, r *http.Request) {
	it, err := a.planner.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(it))
}

func (a *API) bulkSchedule(w http.ResponseWriter, r *http.Request) {
	var body bulkBody
	if !decode(w, r, &body) {
		return
	}
	req := planner.BulkRequest{
		ItemIDs: body.ItemIDs,
		Start:   body.Start,
		End:     body.End,
		Seed:    body.Seed,
		Shuffle: body.Shuffle,
	}
	if body.GapMinutes > 0 {
		req.Gap = time.Duration(body.GapMinutes) * time.Minute
	}
	res, err := a.planner.BulkSchedule(r.Context(), req)
	if err != nil && len(res.Scheduled) == 0 {
		a.fail(w, r, err)
		return
	}
	out := bulkResponse{EvenSpacing: res.EvenSpacing, Seed: res.Seed}
	for _, it := range res.Scheduled {
		out.Items = append(out.Items, toItem(it))
	}
	status := http.StatusOK
	if err != nil {
		for _, e := range multierr.Errors(err) {
			out.Errors = append(out.Errors, e.Error())
		}
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, out)
}

func (a *API) schedulerState(w http.ResponseWriter, r *http.Request) {
	rec, err := a.records.Record(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedulerResponse{
		NextExecutionAt: rec.NextExecutionAt,
		ActiveTimerID:   rec.ActiveTimerID,
		Owner:           rec.Owner(),
	})
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInFlight),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicate),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

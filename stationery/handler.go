package stationery

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/mailkit/blobstore"
	"github.com/hazyhaar/mailkit/horosafe"
	"github.com/hazyhaar/mailkit/kit"
	"github.com/hazyhaar/mailkit/pipeline"
	"github.com/hazyhaar/mailkit/profile"
	"github.com/hazyhaar/mailkit/richdoc"
	"github.com/hazyhaar/mailkit/shield"
)

type saveRequest struct {
	Markup string `json:"markup"`
}

// Handler returns the HTTP API.
//
//	GET  /healthz
//	GET  /metrics
//	GET  /blobs/*                          owned images and artifacts
//	GET  /snapshots/{owner}/{slot}         latest snapshot (stable URL)
//	GET  /owners/{owner}/templates
//	GET  /owners/{owner}/templates/{slot}
//	PUT  /owners/{owner}/templates/{slot}  save: {"markup": "..."}
//	POST /owners/{owner}/images            inline image upload (raw body)
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(s.logger, s.cfg.MaxBodyBytes) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.db.PingContext(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/blobs/*", blobstore.Handler(s.blobs, s.logger))
	r.Get("/snapshots/{owner}/{slot}", s.handleSnapshot)

	limiter := shield.NewRateLimiter(s.cfg.SaveLimit, s.cfg.SaveWindow)
	r.Route("/owners/{owner}", func(r chi.Router) {
		r.Use(withOwner)
		r.Get("/templates", s.handleList)
		r.Get("/templates/{slot}", s.handleGet)
		r.With(limiter.Middleware).Put("/templates/{slot}", s.handleSave)
		r.Post("/images", s.handleUpload)
	})
	return r
}

func withOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithOwnerID(r.Context(), chi.URLParam(r, "owner"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	b, err := s.Snapshot(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "slot"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	blobstore.ServeBlob(w, b)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.ListTemplates(r.Context(), kit.GetOwnerID(r.Context()))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if recs == nil {
		recs = []profile.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": recs})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.GetTemplate(r.Context(), kit.GetOwnerID(r.Context()), chi.URLParam(r, "slot"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleSave(w http.ResponseWriter, r *http.Request) {
	log := shield.GetLogger(r.Context())
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.SaveTemplate(r.Context(), kit.GetOwnerID(r.Context()), chi.URLParam(r, "slot"), req.Markup)
	if err != nil {
		log.Warn("stationery: save failed", "error", err)
		var se *pipeline.StageError
		if errors.As(err, &se) {
			writeJSON(w, statusFor(err), map[string]string{"error": err.Error(), "stage": string(se.Stage)})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	id, url, err := s.UploadImage(r.Context(), kit.GetOwnerID(r.Context()), data)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "url": url})
}

func statusFor(err error) int {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe), errors.Is(err, horosafe.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, profile.ErrNotFound), errors.Is(err, blobstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidOwner), errors.Is(err, richdoc.ErrUnknownSlot):
		return http.StatusBadRequest
	case errors.Is(err, blobstore.ErrNotImage), errors.Is(err, blobstore.ErrEmpty):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, pipeline.ErrNoFixpoint):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

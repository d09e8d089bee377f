package blobstore

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Handler serves blobs under a chi wildcard route (e.g. "/blobs/*").
// Content-addressed blobs are immutable; keyed blobs are revalidated on
// every request since their content changes under a stable URL.
func Handler(store Store, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "*")
		if id == "" {
			http.Error(w, "missing blob id", http.StatusBadRequest)
			return
		}
		b, err := store.Fetch(r.Context(), id)
		if errors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			logger.Error("blobstore: serve", "id", id, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		ServeBlob(w, b)
	}
}

// ServeBlob writes b with caching headers suited to its kind.
func ServeBlob(w http.ResponseWriter, b *Blob) {
	w.Header().Set("Content-Type", b.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(int64(len(b.Data)), 10))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if b.Keyed {
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(b.Data)
}

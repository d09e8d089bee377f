package blobstore_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/mailkit/blobstore"
	"github.com/hazyhaar/mailkit/dbopen"
	"github.com/hazyhaar/mailkit/horosafe"
)

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newStore(t *testing.T) *blobstore.SQLStore {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(blobstore.Schema))
	return blobstore.NewSQLStore(db, blobstore.FetchConfig{
		URLValidator: func(string) error { return nil },
	}, nil)
}

func TestUpload_KeylessIsContentAddressed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	data := pngBytes(t, color.White)

	id1, err := s.Upload(ctx, data, "image/png", "")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.Upload(ctx, data, "image/png", "")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 || id1 != blobstore.ContentID(data) {
		t.Fatalf("ids = %q, %q; want %q", id1, id2, blobstore.ContentID(data))
	}
	b, err := s.Fetch(ctx, id1)
	if err != nil {
		t.Fatal(err)
	}
	if b.Keyed || !bytes.Equal(b.Data, data) || b.Size != int64(len(data)) {
		t.Errorf("unexpected blob %+v", b)
	}
}

func TestUpload_KeyedOverwrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	key := "snapshots/owner-1/signature"

	id, err := s.Upload(ctx, []byte("first"), "image/png", key)
	if err != nil {
		t.Fatal(err)
	}
	if id != key {
		t.Fatalf("id = %q, want key %q", id, key)
	}
	if _, err := s.Upload(ctx, []byte("second"), "image/jpeg", key); err != nil {
		t.Fatal(err)
	}
	b, err := s.Fetch(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(b.Data) != "second" || b.ContentType != "image/jpeg" || !b.Keyed {
		t.Errorf("keyed blob not replaced: %+v", b)
	}
}

func TestUpload_RejectsBadInput(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if _, err := s.Upload(ctx, nil, "image/png", ""); !errors.Is(err, blobstore.ErrEmpty) {
		t.Errorf("empty: err = %v", err)
	}
	if _, err := s.Upload(ctx, []byte("x"), "image/png", "snapshots/../etc"); !errors.Is(err, blobstore.ErrInvalidKey) {
		t.Errorf("traversal key: err = %v", err)
	}
}

func TestFetch_NotFound(t *testing.T) {
	s := newStore(t)
	if _, err := s.Fetch(context.Background(), "c_missing"); !errors.Is(err, blobstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestImport(t *testing.T) {
	img := pngBytes(t, color.Black)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			// Declared type is wrong on purpose: the body decides.
			w.Header().Set("Content-Type", "text/plain")
			w.Write(img)
		case "/text":
			w.Write([]byte("hello, not an image"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := newStore(t)
	ctx := context.Background()

	id, err := s.Import(ctx, srv.URL+"/ok.png")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Fetch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if b.ContentType != "image/png" || b.SourceURL != srv.URL+"/ok.png" {
		t.Errorf("blob = %+v", b)
	}

	_, err = s.Import(ctx, srv.URL+"/missing.png")
	var fe *blobstore.FetchError
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusNotFound {
		t.Errorf("404: err = %v", err)
	}

	if _, err := s.Import(ctx, srv.URL+"/text"); !errors.Is(err, blobstore.ErrNotImage) {
		t.Errorf("text body: err = %v, want ErrNotImage", err)
	}
}

func TestImport_DefaultValidatorBlocksLoopback(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(blobstore.Schema))
	s := blobstore.NewSQLStore(db, blobstore.FetchConfig{}, nil)

	_, err := s.Import(context.Background(), "http://127.0.0.1:1/a.png")
	if !errors.Is(err, horosafe.ErrSSRF) {
		t.Fatalf("err = %v, want ErrSSRF", err)
	}
}

func TestHandler_CacheHeaders(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	data := pngBytes(t, color.White)
	contentID, _ := s.Upload(ctx, data, "image/png", "")
	s.Upload(ctx, data, "image/png", "snapshots/o1/header")

	r := chi.NewRouter()
	r.Get("/blobs/*", blobstore.Handler(s, nil))

	cases := []struct {
		path   string
		status int
		cache  string
	}{
		{"/blobs/" + contentID, http.StatusOK, "public, max-age=31536000, immutable"},
		{"/blobs/snapshots/o1/header", http.StatusOK, "no-cache"},
		{"/blobs/nope", http.StatusNotFound, ""},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.path, rec.Code, tc.status)
			continue
		}
		if tc.cache != "" && rec.Header().Get("Cache-Control") != tc.cache {
			t.Errorf("%s: Cache-Control = %q", tc.path, rec.Header().Get("Cache-Control"))
		}
	}
}

package stationery_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/mailkit/dbopen"
	"github.com/hazyhaar/mailkit/editor"
	"github.com/hazyhaar/mailkit/render/rendertest"
	"github.com/hazyhaar/mailkit/stationery"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type env struct {
	svc    *stationery.Service
	api    *httptest.Server
	origin *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	img := pngBytes(t)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Write(img)
	}))
	t.Cleanup(origin.Close)

	cfg := stationery.Config{PublicURL: "https://mail.example.com"}
	cfg.Fetch.URLValidator = func(string) error { return nil }
	cfg.Render.Settle = -1

	svc, err := stationery.New(cfg, nil,
		stationery.WithDB(dbopen.OpenMemory(t)),
		stationery.WithEngine(&rendertest.Engine{}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })

	api := httptest.NewServer(svc.Handler())
	t.Cleanup(api.Close)
	return &env{svc: svc, api: api, origin: origin}
}

func (e *env) do(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.api.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func saveBody(markup string) io.Reader {
	b, _ := json.Marshal(map[string]string{"markup": markup})
	return bytes.NewReader(b)
}

type saveResponse struct {
	SavedDocument struct {
		Markup string `json:"markup"`
	} `json:"saved_document"`
	SnapshotArtifactID *string `json:"snapshot_artifact_id"`
	Warnings           []struct {
		Kind string `json:"kind"`
		URL  string `json:"url"`
	} `json:"warnings"`
}

func TestHTTP_SaveAndServeSnapshot(t *testing.T) {
	e := newEnv(t)
	markup := `<p>Regards<img src="` + e.origin.URL + `/logo.png"></p>`

	resp := e.do(t, http.MethodPut, "/owners/acme/templates/signature", saveBody(markup))
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, b)
	}
	var res saveResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.SnapshotArtifactID == nil || *res.SnapshotArtifactID != "snapshots/acme/signature" {
		t.Fatalf("artifact = %v", res.SnapshotArtifactID)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %+v", res.Warnings)
	}
	if !strings.Contains(res.SavedDocument.Markup, "https://mail.example.com/blobs/c_") {
		t.Errorf("image not rehosted: %s", res.SavedDocument.Markup)
	}

	snap := e.do(t, http.MethodGet, "/snapshots/acme/signature", nil)
	if snap.StatusCode != http.StatusOK || snap.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("snapshot: %d %s", snap.StatusCode, snap.Header.Get("Content-Type"))
	}
	if snap.Header.Get("Cache-Control") != "no-cache" {
		t.Errorf("Cache-Control = %q", snap.Header.Get("Cache-Control"))
	}

	u, err := e.svc.SnapshotURL("acme", "signature")
	if err != nil || u != "https://mail.example.com/snapshots/acme/signature" {
		t.Errorf("SnapshotURL = %q, %v", u, err)
	}

	get := e.do(t, http.MethodGet, "/owners/acme/templates/signature", nil)
	if get.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", get.StatusCode)
	}
	list := e.do(t, http.MethodGet, "/owners/acme/templates", nil)
	var l struct {
		Templates []json.RawMessage `json:"templates"`
	}
	json.NewDecoder(list.Body).Decode(&l)
	if len(l.Templates) != 1 {
		t.Errorf("list = %d templates", len(l.Templates))
	}
}

func TestHTTP_ImportFailureIsWarning(t *testing.T) {
	e := newEnv(t)
	missing := e.origin.URL + "/missing.png"

	resp := e.do(t, http.MethodPut, "/owners/acme/templates/header", saveBody(`<img src="`+missing+`">`))
	var res saveResponse
	json.NewDecoder(resp.Body).Decode(&res)
	if resp.StatusCode != http.StatusOK || len(res.Warnings) != 1 || res.Warnings[0].URL != missing {
		t.Fatalf("status %d, warnings %+v", resp.StatusCode, res.Warnings)
	}
	if res.SnapshotArtifactID == nil {
		t.Error("snapshot should still publish")
	}
}

func TestHTTP_Errors(t *testing.T) {
	e := newEnv(t)
	cases := []struct {
		method, path string
		body         io.Reader
		want         int
	}{
		{http.MethodPut, "/owners/acme/templates/banner", saveBody("<p>x</p>"), http.StatusBadRequest},
		{http.MethodPut, "/owners/.hidden/templates/header", saveBody("<p>x</p>"), http.StatusBadRequest},
		{http.MethodPut, "/owners/acme/templates/header", strings.NewReader("{"), http.StatusBadRequest},
		{http.MethodGet, "/owners/acme/templates/footer", nil, http.StatusNotFound},
		{http.MethodGet, "/snapshots/acme/footer", nil, http.StatusNotFound},
		{http.MethodPost, "/owners/acme/images", strings.NewReader("not an image"), http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		if got := e.do(t, tc.method, tc.path, tc.body).StatusCode; got != tc.want {
			t.Errorf("%s %s: status %d, want %d", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestHTTP_UploadImage(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/owners/acme/images", bytes.NewReader(pngBytes(t)))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct{ ID, URL string }
	json.NewDecoder(resp.Body).Decode(&out)
	if !strings.HasPrefix(out.URL, "https://mail.example.com/blobs/c_") {
		t.Fatalf("url = %q", out.URL)
	}

	blob := e.do(t, http.MethodGet, "/blobs/"+out.ID, nil)
	if blob.StatusCode != http.StatusOK || !strings.Contains(blob.Header.Get("Cache-Control"), "immutable") {
		t.Errorf("blob: %d %q", blob.StatusCode, blob.Header.Get("Cache-Control"))
	}
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	if got := e.do(t, http.MethodGet, "/healthz", nil).StatusCode; got != http.StatusOK {
		t.Errorf("healthz = %d", got)
	}
	e.do(t, http.MethodPut, "/owners/acme/templates/footer", saveBody("<p>f</p>"))

	resp := e.do(t, http.MethodGet, "/metrics", nil)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `mailkit_saves_total{outcome="ok"} 1`) {
		t.Errorf("metrics missing save counter:\n%s", body)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Error("missing trace header")
	}
}

func TestOpenEditor_SaveThroughSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, err := e.svc.OpenEditor(ctx, "acme", "footer", editor.Config{NoBackgroundResolve: true})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Paste(`<p>Footer</p><img src="` + e.origin.URL + `/f.png">`)
	res, err := s.Save(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.SnapshotArtifactID == nil || s.Document().Dirty() {
		t.Errorf("result %+v dirty=%v", res, s.Document().Dirty())
	}

	again, err := e.svc.OpenEditor(ctx, "acme", "footer", editor.Config{NoBackgroundResolve: true})
	if err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	if again.Document().Markup() != res.SavedDocument.Markup {
		t.Errorf("reopened markup = %q", again.Document().Markup())
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailkit.yaml")
	os.WriteFile(path, []byte(`
addr: ":9090"
public_url: "https://mail.example.com/"
resolver:
  workers: 2
  fetch_timeout: 3s
render:
  barrier_timeout: 2s
  width: 640
pipeline:
  max_passes: 5
browser:
  stealth: true
`), 0o644)

	cfg, err := stationery.LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9090" || cfg.PublicURL != "https://mail.example.com" || cfg.BlobBase() != "https://mail.example.com/blobs/" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Resolver.Workers != 2 || cfg.Resolver.FetchTimeout != 3*time.Second {
		t.Errorf("resolver = %+v", cfg.Resolver)
	}
	if cfg.Render.BarrierTimeout != 2*time.Second || cfg.Render.Width != 640 || cfg.Pipeline.MaxPasses != 5 {
		t.Errorf("render/pipeline = %+v %+v", cfg.Render, cfg.Pipeline)
	}
	if !cfg.Browser.Stealth || cfg.SaveWindow != time.Minute || cfg.DBPath != "mailkit.db" {
		t.Errorf("defaults = %+v", cfg)
	}
}

// --- MCP ---

var testMCPImpl = &mcp.Implementation{Name: "mailkit-test", Version: "0.1.0"}

func mcpSession(t *testing.T, svc *stationery.Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCall(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, result.IsError
}

func TestMCP_SaveGetSnapshotURL(t *testing.T) {
	e := newEnv(t)
	session := mcpSession(t, e.svc)

	text, isErr := mcpCall(t, session, "mailkit_save_template", map[string]any{
		"owner": "acme", "slot": "header", "markup": "<p>Hello</p>",
	})
	if isErr {
		t.Fatalf("save tool error: %s", text)
	}
	var res saveResponse
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatal(err)
	}
	if res.SnapshotArtifactID == nil {
		t.Error("no snapshot id")
	}

	text, isErr = mcpCall(t, session, "mailkit_get_template", map[string]any{"owner": "acme", "slot": "header"})
	if isErr || !strings.Contains(text, "Hello") {
		t.Errorf("get: %s", text)
	}

	text, _ = mcpCall(t, session, "mailkit_snapshot_url", map[string]any{"owner": "acme", "slot": "header"})
	if !strings.Contains(text, "https://mail.example.com/snapshots/acme/header") {
		t.Errorf("snapshot url: %s", text)
	}

	text, isErr = mcpCall(t, session, "mailkit_get_template", map[string]any{"owner": "acme", "slot": "banner"})
	if !isErr {
		t.Errorf("expected tool error for unknown slot, got %s", text)
	}
}

package ops

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/server"
	"github.com/loykin/craftd/internal/supervisor"
	craftdtls "github.com/loykin/craftd/internal/tls"
)

func setupOps(t *testing.T, base string) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := supervisor.New(supervisor.WithLogger(quiet))
	t.Cleanup(sup.Close)

	cfg := server.Config{
		ID:     "alpha",
		Name:   "Alpha",
		Dir:    t.TempDir(),
		Launch: server.LaunchConfig{Command: "true"},
	}
	if err := sup.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return NewRouter(sup, base).Handler()
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := setupOps(t, "")
	rec := doGet(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Servers != 1 || resp.Running != 0 {
		t.Fatalf("health = %+v", resp)
	}
}

func TestStatusAll(t *testing.T) {
	h := setupOps(t, "")
	rec := doGet(t, h, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var sts []server.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &sts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sts) != 1 || sts[0].ID != "alpha" || sts[0].State != server.StateStopped {
		t.Fatalf("statuses = %+v", sts)
	}
}

func TestStatusOne(t *testing.T) {
	h := setupOps(t, "")
	rec := doGet(t, h, "/status?id=alpha")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st server.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.ID != "alpha" || st.Name != "Alpha" {
		t.Fatalf("status = %+v", st)
	}
}

func TestStatusUnknown(t *testing.T) {
	h := setupOps(t, "")
	rec := doGet(t, h, "/status?id=ghost")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestConsoleValidation(t *testing.T) {
	h := setupOps(t, "")
	if rec := doGet(t, h, "/console"); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id: expected 400, got %d", rec.Code)
	}
	if rec := doGet(t, h, "/console?id=alpha&lines=zero"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad lines: expected 400, got %d", rec.Code)
	}
	if rec := doGet(t, h, "/console?id=ghost"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: expected 404, got %d", rec.Code)
	}
	if rec := doGet(t, h, "/console?id=alpha&lines=5"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupOps(t, "")
	rec := doGet(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("empty metrics body")
	}
}

func TestBasePath(t *testing.T) {
	h := setupOps(t, "ops")
	if rec := doGet(t, h, "/ops/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 under /ops, got %d", rec.Code)
	}
	if rec := doGet(t, h, "/healthz"); rec.Code == http.StatusOK {
		t.Fatal("route should not exist outside base path")
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":      "",
		"/":     "",
		"ops":   "/ops",
		"/ops/": "/ops",
		" /a ":  "/a",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewTLSServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := supervisor.New(supervisor.WithLogger(quiet))
	t.Cleanup(sup.Close)

	tc := craftdtls.Config{Enabled: true, Dir: t.TempDir()}
	srv, err := NewTLSServer("127.0.0.1:0", "", sup, nil, tc)
	if err != nil {
		t.Fatalf("NewTLSServer: %v", err)
	}
	if srv.TLSConfig == nil || srv.TLSConfig.GetCertificate == nil {
		t.Fatal("server missing TLS certificate source")
	}
	_ = srv.Close()
}

func TestNewTLSServerBadConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := supervisor.New(supervisor.WithLogger(quiet))
	t.Cleanup(sup.Close)

	tc := craftdtls.Config{Enabled: true, CertFile: "only.crt"}
	if _, err := NewTLSServer("127.0.0.1:0", "", sup, nil, tc); err == nil {
		t.Fatal("expected error for cert without key")
	}
}

func TestPerfEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := supervisor.New(supervisor.WithLogger(quiet))
	t.Cleanup(sup.Close)

	cfg := server.Config{
		ID:     "alpha",
		Name:   "Alpha",
		Dir:    t.TempDir(),
		Launch: server.LaunchConfig{Command: "true"},
	}
	if err := sup.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Without a sampler the route does not exist.
	bare := NewRouter(sup, "").Handler()
	if rec := doGet(t, bare, "/perf"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without sampler, got %d", rec.Code)
	}

	perf := metrics.NewSampler(time.Hour, sup.PIDs)
	h := NewRouter(sup, "").WithPerf(perf).Handler()

	rec := doGet(t, h, "/perf")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var latest map[string]metrics.Sample
	if err := json.Unmarshal(rec.Body.Bytes(), &latest); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(latest) != 0 {
		t.Fatalf("expected no samples for a stopped fleet, got %v", latest)
	}

	if rec := doGet(t, h, "/perf?id=alpha"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for known id, got %d", rec.Code)
	}
	if rec := doGet(t, h, "/perf?id=ghost"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rec.Code)
	}
}

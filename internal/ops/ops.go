// Package ops serves the operational HTTP surface: health, Prometheus
// metrics and fleet status. It is read-only; server control stays on
// the Go API.
package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/supervisor"
	craftdtls "github.com/loykin/craftd/internal/tls"
)

// Router provides embeddable HTTP handlers for fleet observability.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/metrics
//	GET {basePath}/status            all servers
//	GET {basePath}/status?id=lobby   one server
//	GET {basePath}/console?id=lobby&lines=50
//	GET {basePath}/perf              latest sample per server (with WithPerf)
//	GET {basePath}/perf?id=lobby     retained sample history
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      *supervisor.Supervisor
	perf     *metrics.Sampler
	basePath string
}

func NewRouter(sup *supervisor.Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

// WithPerf exposes the resource sampler's readings at {basePath}/perf.
func (r *Router) WithPerf(s *metrics.Sampler) *Router {
	r.perf = s
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted
// in any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.GET("/status", r.handleStatus)
	group.GET("/console", r.handleConsole)
	if r.perf != nil {
		group.GET("/perf", r.handlePerf)
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// perf may be nil. Callers shut it down via the returned http.Server.
func NewServer(addr, basePath string, sup *supervisor.Supervisor, perf *metrics.Sampler) *http.Server {
	r := NewRouter(sup, basePath).WithPerf(perf)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// NewTLSServer starts a standalone HTTPS server on addr. The certificate
// source comes from tc: explicit files, or a self-signed pair generated
// on first use.
func NewTLSServer(addr, basePath string, sup *supervisor.Supervisor, perf *metrics.Sampler, tc craftdtls.Config) (*http.Server, error) {
	tlsCfg, err := tc.Build()
	if err != nil {
		return nil, err
	}
	r := NewRouter(sup, basePath).WithPerf(perf)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServeTLS("", "") }()
	return srv, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK      bool `json:"ok"`
	Servers int  `json:"servers"`
	Running int  `json:"running"`
}

func (r *Router) handleHealth(c *gin.Context) {
	sts := r.sup.List()
	running := 0
	for _, st := range sts {
		if st.State.ProcessAlive() {
			running++
		}
	}
	writeJSON(c, http.StatusOK, healthResp{OK: true, Servers: len(sts), Running: running})
}

func (r *Router) handleStatus(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		writeJSON(c, http.StatusOK, r.sup.List())
		return
	}
	st, err := r.sup.Status(id)
	if err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleConsole(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id query param required"})
		return
	}
	lines := 100
	if s := c.Query("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "lines must be a positive integer"})
			return
		}
		lines = n
	}
	tail, err := r.sup.ConsoleTail(id, lines)
	if err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, tail)
}

func (r *Router) handlePerf(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		writeJSON(c, http.StatusOK, r.perf.Latest())
		return
	}
	if _, err := r.sup.Status(id); err != nil {
		writeJSON(c, statusCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.perf.History(id))
}

func statusCode(err error) int {
	if errors.Is(err, supervisor.ErrUnknownServer) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/procd/internal/detector"
	"github.com/loykin/procd/internal/metrics"
)

// Status is the daemon snapshot served by the status endpoint.
type Status struct {
	Role       string    `json:"role"`
	PID        int       `json:"pid"`
	RunID      string    `json:"run_id,omitempty"`
	State      string    `json:"state"`
	Iterations uint64    `json:"iterations"`
	StartedAt  time.Time `json:"started_at"`
}

// StatusSource provides the current daemon snapshot. It must be safe for concurrent use.
type StatusSource interface {
	Status() Status
}

// Router provides embeddable HTTP handlers for a running daemon.
// Endpoints:
//
//	GET {basePath}/healthz   200 while the daemon loop has not terminated
//	GET {basePath}/status    query: detail=1 adds OS process information
//	GET {basePath}/metrics   prometheus exposition (404 when metrics are not registered)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(src StatusSource, basePath string) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.GET("/metrics", r.handleMetrics)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. The listener is bound
// before returning so address errors surface to the caller.
func NewServer(addr, basePath string, src StatusSource) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	r := NewRouter(src, basePath)
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// Shutdown stops srv, waiting at most timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}

type detailResp struct {
	Status
	Process *detector.Info `json:"process,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	st := r.src.Status()
	if st.State == "terminated" {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{OK: false, State: st.State})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{OK: true, State: st.State})
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.src.Status()
	if c.Query("detail") == "" {
		writeJSON(c, http.StatusOK, st)
		return
	}
	resp := detailResp{Status: st}
	if st.PID > 0 {
		info, err := detector.Inspect(c.Request.Context(), st.PID)
		if err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		resp.Process = &info
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleMetrics(c *gin.Context) {
	if !metrics.Enabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "metrics not enabled"})
		return
	}
	metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Package httpapi wires the HTTP/WebSocket surface: the artifact download
// endpoint, the builder WebSocket link, and the web bridge relay, onto a
// gorilla/mux router.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.skia.org/sai/sai/leases"
	"go.skia.org/sai/sai/notify"
	"go.skia.org/sai/sai/registry"
	"go.skia.org/sai/sai/scheduler"
	"go.skia.org/sai/sai/taskstore"
)

const (
	serverReadTimeout  = 5 * time.Minute
	serverWriteTimeout = 5 * time.Minute

	ArtifactPath  = "/artifacts/{task_uuid}/{down_nonce}/{filename}"
	BuilderPath   = "/builder"
	WebBridgePath = "/sai/browse"
)

// Deps bundles every component the HTTP surface dispatches into.
type Deps struct {
	Store     *taskstore.Store
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Leases    *leases.Manager
	Logs      *taskstore.LogCoalescer
	Hub       *notify.Hub
	Links     *BuilderLinks
}

// Server is the HTTP/WebSocket front door for sai-server.
type Server struct {
	r    *mux.Router
	deps Deps
}

// New builds a Server with every route registered.
func New(deps Deps) *Server {
	r := mux.NewRouter()
	s := &Server{r: r, deps: deps}

	r.Handle(ArtifactPath, ArtifactHandler(deps.Store)).Methods("GET")
	r.Handle(BuilderPath, newBuilderHandler(deps)).Methods("GET")
	r.Handle(WebBridgePath, newWebBridgeHandler(deps.Hub)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	return s
}

// Router exposes the underlying mux.Router, e.g. for tests driving
// httptest.NewServer(s.Router()).
func (s *Server) Router() *mux.Router {
	return s.r
}

// Start runs the HTTP server on addr; blocks until it exits.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:           addr,
		Handler:        s.r,
		ReadTimeout:    serverReadTimeout,
		WriteTimeout:   serverWriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	return srv.ListenAndServe()
}

func httpModTime(unixSeconds int64) time.Time {
	if unixSeconds == 0 {
		return time.Time{}
	}
	return time.Unix(unixSeconds, 0)
}

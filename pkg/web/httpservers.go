package web

import (
	"context"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlassian/harvestd/pkg/healthcheck"
)

const (
	// DefaultShutdownTimeout is how long in-flight requests get to complete on shutdown.
	DefaultShutdownTimeout = 5 * time.Second
)

// Options control which endpoints the status server exposes.
type Options struct {
	Address           string
	EnableProf        bool
	EnableExpVar      bool
	EnableMetrics     bool
	EnableHealthcheck bool
}

// OptionsFromViper reads the options of the status server from the web section. An empty address
// disables the server.
func OptionsFromViper(v *viper.Viper) Options {
	v.SetDefault("enable-prof", false)
	v.SetDefault("enable-expvar", false)
	v.SetDefault("enable-metrics", true)
	v.SetDefault("enable-healthcheck", true)
	return Options{
		Address:           v.GetString("address"),
		EnableProf:        v.GetBool("enable-prof"),
		EnableExpVar:      v.GetBool("enable-expvar"),
		EnableMetrics:     v.GetBool("enable-metrics"),
		EnableHealthcheck: v.GetBool("enable-healthcheck"),
	}
}

// Server serves the state of the daemon over HTTP.
type Server struct {
	logger  logrus.FieldLogger
	address string
	router  *mux.Router

	listener net.Listener
}

type route struct {
	path    string
	handler http.HandlerFunc
	method  string
	name    string
}

var done = struct{}{}

// NewServer creates a status server. Health checks are collected from every provider implementing
// healthcheck.HealthCheckProvider or healthcheck.DeepCheckProvider.
func NewServer(logger logrus.FieldLogger, opts Options, status StatusFunc, gatherer prometheus.Gatherer, providers ...interface{}) (*Server, error) {
	server := &Server{
		logger:  logger,
		address: opts.Address,
	}

	routes := []route{
		{path: "/status", handler: statusHandler(logger, status), method: "GET", name: "status_get"},
	}

	if opts.EnableHealthcheck {
		hc := &healthChecker{logger: logger, checks: healthcheck.Gather(providers...)}
		routes = append(routes,
			route{path: "/healthcheck", handler: hc.healthCheck, method: "GET", name: "healthcheck_get"},
			route{path: "/deepcheck", handler: hc.deepCheck, method: "GET", name: "deepcheck_get"},
		)
	}

	if opts.EnableMetrics && gatherer != nil {
		h := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		routes = append(routes,
			route{path: "/metrics", handler: h.ServeHTTP, method: "GET", name: "metrics_get"},
		)
	}

	if opts.EnableProf {
		profiler := &traceProfiler{}
		routes = append(routes,
			route{path: "/memprof", handler: profiler.MemProf, method: "POST", name: "profmem_post"},
			route{path: "/pprof", handler: profiler.PProf, method: "POST", name: "profpprof_post"},
			route{path: "/trace", handler: profiler.Trace, method: "POST", name: "proftrace_post"},
		)
	}

	if opts.EnableExpVar {
		routes = append(routes,
			route{path: "/expvar", handler: expvar.Handler().ServeHTTP, method: "GET", name: "expvar_get"},
		)
	}

	router, err := createRoutes(routes)
	if err != nil {
		return nil, err
	}
	router.NotFoundHandler = server.logRequest(http.HandlerFunc(server.notFound))
	router.Use(server.logRequest)
	server.router = router

	logger.WithFields(logrus.Fields{
		"address":            opts.Address,
		"enable-prof":        opts.EnableProf,
		"enable-expvar":      opts.EnableExpVar,
		"enable-metrics":     opts.EnableMetrics,
		"enable-healthcheck": opts.EnableHealthcheck,
	}).Info("Created web server")

	return server, nil
}

// ServeHTTP makes the router reachable without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

func (s *Server) notFound(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("not found"))
}

func createRoutes(routes []route) (*mux.Router, error) {
	router := mux.NewRouter()

	for _, route := range routes {
		r := router.HandleFunc(route.path, route.handler).Methods(route.method).Name(route.name)
		if err := r.GetError(); err != nil {
			return nil, fmt.Errorf("error creating route %s: %v", route.name, err)
		}
	}

	return router, nil
}

func (s *Server) logRequest(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logFields := logrus.Fields{
			"srcip": strings.Split(req.RemoteAddr, ":")[0],
			"path":  req.URL.Path,
		}
		if route := mux.CurrentRoute(req); route == nil {
			logFields["method"] = req.Method
		} else {
			logFields["route"] = route.GetName()
		}
		if source := req.Header.Get("X-Forwarded-For"); source != "" {
			logFields["forwarded_for"] = source
		}

		start := time.Now()
		handler.ServeHTTP(w, req)
		dur := time.Since(start)

		logFields["duration"] = float64(dur) / float64(time.Millisecond)
		s.logger.WithFields(logFields).Debug("request")
	})
}

// Listen binds the listen address, so that a failure to bind is reported before Run starts.
func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("web server listening on %s: %w", s.address, err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			s.logger.WithError(err).Error("web server failed")
			return
		}
	}

	server := &http.Server{
		Handler: s.router,
	}

	chStopped := make(chan struct{}, 1)
	go s.waitAndStop(ctx, server, chStopped)

	s.logger.WithField("address", s.listener.Addr().String()).Info("listening")

	err := server.Serve(s.listener)
	if err != http.ErrServerClosed {
		s.logger.WithError(err).Error("web server failed")
		return
	}

	// Wait for graceful shutdown of existing connections
	select {
	case <-chStopped:
	case <-time.After(DefaultShutdownTimeout + time.Second):
		s.logger.Info("timeout waiting for web server to stop")
	}
}

// waitAndStop will gracefully shut down the Server when the Context passed is cancelled.  It signals
// on chStopped when it is done.
func (s *Server) waitAndStop(ctx context.Context, server *http.Server, chStopped chan<- struct{}) {
	<-ctx.Done()

	s.logger.Info("shutting down web server")
	timeoutCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(timeoutCtx); err != nil {
		s.logger.WithError(err).Warn("failed to stop web server")
	}
	chStopped <- done
}

package record

import (
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PassNotifier schedules a run of the pipeline passes
type PassNotifier interface {
	Notify()
}

// Server handles HTTP requests for records and series
type Server struct {
	service   *Service
	passes    PassNotifier
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, passes PassNotifier, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, passes, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, passes PassNotifier, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		passes:    passes,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(credentials[0]), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(credentials[1]), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// corsMiddleware adds CORS headers and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Snapledger"`)
			corsError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Records
	s.mux.HandleFunc("GET /api/records/{id}/image", s.requireAuth(s.handleGetRecordImage))
	s.mux.HandleFunc("PUT /api/records/{id}/value", s.requireAuth(s.handleSetValue))
	s.mux.HandleFunc("PUT /api/records/{id}/series", s.requireAuth(s.handleAssignSeries))
	s.mux.HandleFunc("POST /api/records/{id}/reset", s.requireAuth(s.handleResetAnalysis))
	s.mux.HandleFunc("GET /api/records/{id}", s.requireAuth(s.handleGetRecord))
	s.mux.HandleFunc("DELETE /api/records/{id}", s.requireAuth(s.handleDeleteRecord))
	s.mux.HandleFunc("GET /api/records", s.requireAuth(s.handleListRecords))
	s.mux.HandleFunc("POST /api/records", s.requireAuth(s.handleImportRecord))

	// Series
	s.mux.HandleFunc("GET /api/series/{id}", s.requireAuth(s.handleGetSeries))
	s.mux.HandleFunc("DELETE /api/series/{id}", s.requireAuth(s.handleDeleteSeries))
	s.mux.HandleFunc("GET /api/series", s.requireAuth(s.handleListSeries))
	s.mux.HandleFunc("POST /api/series", s.requireAuth(s.handleCreateSeries))

	// Pipeline
	s.mux.HandleFunc("POST /api/passes", s.requireAuth(s.handleRunPasses))

	s.mux.HandleFunc("GET /metrics", s.requireAuth(promhttp.Handler().ServeHTTP))
}

// notifyPasses asks the pipeline to pick up new work
func (s *Server) notifyPasses() {
	if s.passes != nil {
		s.passes.Notify()
	}
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.corsMiddleware(s.mux))
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

package service

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Server bundles the handlers behind the HTTP router.
type Server struct {
	Ingest     *IngestHandler
	Mappings   *MappingHandler
	Query      *QueryHandler
	Hub        *Hub
	AdminToken string
	// MaxConcurrent bounds in-flight requests; zero means unbounded.
	MaxConcurrent int
}

// Router builds the route table. Stream connections are long-lived and do
// not count against MaxConcurrent.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	if s.Hub != nil {
		r.HandleFunc("/ws/asset/{name}", s.Hub.ServeWS).Methods(http.MethodGet)
	}

	api := r.NewRoute().Subrouter()
	if s.MaxConcurrent > 0 {
		api.Use(limitConcurrency(s.MaxConcurrent))
	}
	api.Handle("/", s.Ingest).Methods(http.MethodPost)
	api.HandleFunc("/health", s.Query.Health).Methods(http.MethodGet)
	api.HandleFunc("/lastpos", s.Query.LastPositions).Methods(http.MethodGet)
	api.HandleFunc("/asset/{name}/weather", s.Query.Weather).Methods(http.MethodGet)
	api.HandleFunc("/asset/{name}/debug", s.Query.Debug).Methods(http.MethodGet)
	api.HandleFunc("/mappings", s.Mappings.List).Methods(http.MethodGet)

	admin := api.NewRoute().Subrouter()
	admin.Use(RequireAdmin(s.AdminToken))
	admin.HandleFunc("/mappings", s.Mappings.Add).Methods(http.MethodPost)
	admin.HandleFunc("/mappings/{name}", s.Mappings.Edit).Methods(http.MethodPut)
	admin.HandleFunc("/mappings/{name}", s.Mappings.Delete).Methods(http.MethodDelete)

	return r
}

// limitConcurrency lets at most n requests run at once. Waiting requests give
// up when their context ends.
func limitConcurrency(n int) mux.MiddlewareFunc {
	sem := make(chan struct{}, n)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				next.ServeHTTP(w, r)
			case <-r.Context().Done():
				writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack is required by the websocket handshake.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Header.Get("X-Request-ID"),
		)
	})
}

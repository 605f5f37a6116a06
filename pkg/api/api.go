package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/forgeworks/foundry/pkg/config"
	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/health"
	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/metrics"
	"github.com/forgeworks/foundry/pkg/payloads"
	"github.com/forgeworks/foundry/pkg/protolog"
	"github.com/forgeworks/foundry/pkg/releases"
	"github.com/forgeworks/foundry/pkg/scheduler"
	"github.com/forgeworks/foundry/pkg/selfheal"
	"github.com/forgeworks/foundry/pkg/sshx"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/types"
)

// requestTimeout is the per-request deadline; 504 on expiry.
const requestTimeout = 30 * time.Second

// maxRequestBody caps how much of a request we buffer for validation and
// protocol capture.
const maxRequestBody = 4 << 20

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Bus       *events.Bus
	Scheduler *scheduler.Scheduler
	Health    *health.Monitor
	Heal      *selfheal.Monitor
	Payloads  *payloads.Registry
	Releases  *releases.Manager
	Protocol  *protolog.Recorder
	Runner    sshx.Runner
	Version   string
}

// Server runs the two HTTP listeners: the public drone/read surface and the
// authenticated admin surface.
type Server struct {
	Deps

	validate *validator.Validate
	started  time.Time

	public *http.Server
	admin  *http.Server
}

// NewServer creates the HTTP surface.
func NewServer(d Deps) *Server {
	return &Server{
		Deps:     d,
		validate: validator.New(),
		started:  time.Now(),
	}
}

// Start binds both listeners. Bind failures are returned synchronously;
// serve errors after that are logged.
func (s *Server) Start() error {
	s.public = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Config.PublicPort),
		Handler: s.publicRouter(),
	}
	s.admin = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Config.AdminPort),
		Handler: s.adminRouter(),
	}

	publicLn, err := net.Listen("tcp", s.public.Addr)
	if err != nil {
		return fmt.Errorf("bind public port: %w", err)
	}
	adminLn, err := net.Listen("tcp", s.admin.Addr)
	if err != nil {
		publicLn.Close()
		return fmt.Errorf("bind admin port: %w", err)
	}

	go func() {
		if err := s.public.Serve(publicLn); err != nil && err != http.ErrServerClosed {
			log.WithComponent("api").Error().Err(err).Msg("public listener")
		}
	}()
	go func() {
		if err := s.admin.Serve(adminLn); err != nil && err != http.ErrServerClosed {
			log.WithComponent("api").Error().Err(err).Msg("admin listener")
		}
	}()

	log.WithComponent("api").Info().
		Int("public_port", s.Config.PublicPort).
		Int("admin_port", s.Config.AdminPort).
		Msg("listeners started")
	return nil
}

// Shutdown stops both listeners gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, srv := range []*http.Server{s.public, s.admin} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) baseMiddleware(r chi.Router) {
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(s.capture)
	r.Use(middleware.Timeout(requestTimeout))
}

// instrument feeds the request counters and latency histogram.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// capture records every exchange into the protocol log. The request body is
// buffered and restored so handlers read it normally.
func (s *Server) capture(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqBody []byte
		if r.Body != nil {
			reqBody, _ = io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
			r.Body = io.NopCloser(bytes.NewReader(reqBody))
		}

		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		droneID, pkg := protolog.ExtractHints(reqBody)
		if droneID == "" {
			droneID = r.URL.Query().Get("id")
		}
		s.Protocol.Record(&types.ProtocolEntry{
			SourceAddr: r.RemoteAddr,
			Method:     r.Method,
			Path:       r.URL.Path,
			MsgType:    protolog.Classify(r.Method, r.URL.Path),
			StatusCode: rec.status,
			LatencyMS:  time.Since(start).Milliseconds(),
			DroneID:    droneID,
			Package:    pkg,
			Request:    string(reqBody),
			Response:   rec.body.String(),
		})
	})
}

// responseRecorder captures status and a bounded copy of the response body.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.body.Len() < maxRequestBody {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}

// requireAdmin rejects requests without the correct X-Admin-Key header.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.Config.AdminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "set the X-Admin-Key header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// errorBody is the uniform error shape.
type errorBody struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg, hint string) {
	writeJSON(w, code, errorBody{Error: msg, Hint: hint})
}

// decode unmarshals and validates a JSON request body.
func (s *Server) decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return err
	}
	return nil
}

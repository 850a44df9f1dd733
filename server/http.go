// Package server provides the HTTP surface of the pinning gateway.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kalio007/ipfs-pinning-infra/pipeline"
	"github.com/kalio007/ipfs-pinning-infra/replicate"
	"github.com/kalio007/ipfs-pinning-infra/store/metadb"
	"github.com/kalio007/ipfs-pinning-infra/telemetry"
)

// DefaultPublicGateway is the prefix used to build retrieval URLs.
const DefaultPublicGateway = "https://ipfs.io/ipfs/"

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":3000")
	Address string

	// PublicGateway is prefixed to a CID to form the retrievalUrl field.
	PublicGateway string

	// MaxUploadSize caps the request body of POST /upload.
	// Zero means no limit.
	MaxUploadSize int64

	// StatsToken guards GET /stats with a bearer token.
	// Empty leaves the endpoint open.
	StatsToken string

	// Logger for the server
	Logger *slog.Logger
}

// Ingester accepts uploads.
type Ingester interface {
	Ingest(ctx context.Context, up pipeline.Upload) (*metadb.FileRecord, error)
}

// Retriever answers lookups by id and by CID.
type Retriever interface {
	ResolveByID(ctx context.Context, id string) (*pipeline.Resolution, error)
	FetchContent(ctx context.Context, cid string) (*pipeline.Content, error)
	OverflowLink(ctx context.Context, id string) (*pipeline.DownloadLink, error)
}

// RecordCounter reports how many file records exist.
type RecordCounter interface {
	Count(ctx context.Context) (int, error)
}

// ReplicationStats reports replication queue counters.
type ReplicationStats interface {
	Stats() replicate.Stats
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithRecordCounter exposes the record count on GET /stats.
func WithRecordCounter(c RecordCounter) Option {
	return func(s *Server) {
		s.records = c
	}
}

// WithReplicationStats exposes replication counters on GET /stats.
func WithReplicationStats(r ReplicationStats) Option {
	return func(s *Server) {
		s.replication = r
	}
}

// Server is the HTTP server for the pinning gateway.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	ingester    Ingester
	retriever   Retriever
	records     RecordCounter
	replication ReplicationStats
}

// New creates a new server over the given pipelines.
func New(cfg Config, ingester Ingester, retriever Retriever, opts ...Option) (*Server, error) {
	if ingester == nil || retriever == nil {
		return nil, fmt.Errorf("server requires an ingester and a retriever")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":3000"
	}
	if cfg.PublicGateway == "" {
		cfg.PublicGateway = DefaultPublicGateway
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		ingester:  ingester,
		retriever: retriever,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Minute, // large uploads are streamed
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(mux)
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /stats", s.statsAuth(http.HandlerFunc(s.handleStats)))
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /file/{id}", s.handleFile)
	mux.HandleFunc("GET /file/{id}/download", s.handleDownloadLink)
	mux.HandleFunc("GET /content/{cid}", s.handleContent)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Handlers fill in route, cache result, source and CID.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Route != "" {
			attrs = append(attrs, "route", tags.Route)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.Source != "" {
			attrs = append(attrs, "source", tags.Source)
		}
		if tags.CID != "" {
			attrs = append(attrs, "cid", tags.CID)
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"address", s.config.Address,
		"public_gateway", s.config.PublicGateway,
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

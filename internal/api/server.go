// Package api exposes the segmentation service over HTTP as JSON.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/Veraticus/mriseg/internal/export"
	"github.com/Veraticus/mriseg/internal/render"
	"github.com/Veraticus/mriseg/internal/segment"
	"github.com/Veraticus/mriseg/internal/session"
	"github.com/Veraticus/mriseg/internal/volume"
)

// Name is reported by the root endpoint.
const Name = "MRI Segmentation API"

// DefaultSampleSlices is the slice count of the built-in phantom sample.
const DefaultSampleSlices = 24

// multipartOverhead is allowed on top of the file limit for form framing.
const multipartOverhead = 1 << 20

// Options wires a Server to its components.
type Options struct {
	Store        *session.Store
	Loader       *volume.Loader
	Orchestrator *segment.Orchestrator
	Compositor   *render.Compositor
	Encoder      *export.Encoder

	APIPrefix   string   // e.g. "/api/v1"
	CORSOrigins []string // Allowed browser origins
	SamplePath  string   // Optional sample NIfTI; empty uses the built-in phantom
	Version     string
}

// Server routes API requests to the service components.
type Server struct {
	opts    Options
	handler http.Handler
	logger  *slog.Logger
	started time.Time
}

// New validates opts and builds the routing table.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("session store cannot be nil")
	case opts.Loader == nil:
		return nil, fmt.Errorf("loader cannot be nil")
	case opts.Orchestrator == nil:
		return nil, fmt.Errorf("orchestrator cannot be nil")
	case opts.Compositor == nil:
		return nil, fmt.Errorf("compositor cannot be nil")
	case opts.Encoder == nil:
		return nil, fmt.Errorf("encoder cannot be nil")
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		opts:    opts,
		logger:  slog.Default().With(slog.String("component", "api")),
		started: time.Now(),
	}

	p := opts.APIPrefix
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET "+p+"/health", s.handleHealth)
	mux.HandleFunc("GET "+p+"/stats", s.handleStats)
	mux.HandleFunc("GET "+p+"/classes", s.handleClasses)
	mux.HandleFunc("POST "+p+"/upload", s.handleUpload)
	mux.HandleFunc("POST "+p+"/sample", s.handleSample)
	mux.HandleFunc("POST "+p+"/segment/{id}", s.handleSegment)
	mux.HandleFunc("GET "+p+"/results/{id}", s.handleResults)
	mux.HandleFunc("GET "+p+"/results/{id}/download", s.handleDownload)
	mux.HandleFunc("GET "+p+"/session/{id}", s.handleSessionInfo)
	mux.HandleFunc("DELETE "+p+"/session/{id}", s.handleDelete)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition", requestIDHeader},
		AllowCredentials: true,
	})

	s.handler = s.withRequestID(s.withAccessLog(s.withRecovery(corsHandler.Handler(mux))))
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// NewHTTPServer wraps the handler in an http.Server with conservative timeouts.
// Write timeout is left unset because segmentation requests run for the
// length of a model call.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}

// Package server exposes batch compilation over HTTP.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ivlev/img2mind/internal/engine"
	"github.com/ivlev/img2mind/internal/errors"
	"github.com/ivlev/img2mind/internal/source"
)

// UploadField is the multipart field carrying images.
const UploadField = "images"

// Options configures a Server.
type Options struct {
	MaxUploadBytes int64         // request body cap, 0 = 64MiB
	RequestTimeout time.Duration // 0 = no timeout
	Logger         *zap.Logger
}

// Server serves the compile API.
type Server struct {
	compiler *engine.Compiler
	opts     Options
	logger   *zap.Logger
	router   chi.Router
}

// New returns a Server compiling with c.
func New(c *engine.Compiler, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 64 << 20
	}
	s := &Server{compiler: c, opts: opts, logger: opts.Logger}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if s.opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))
	}

	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/compile", s.handleCompile)
	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type resultJSON struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Features     int    `json:"features"`
	Cached       bool   `json:"cached"`
	Target       []byte `json:"target"`
	DebugOverlay []byte `json:"debugOverlay,omitempty"`
}

type failureJSON struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

type compileResponse struct {
	RunID    string        `json:"runId"`
	Codec    string        `json:"codec"`
	Ext      string        `json:"ext"`
	Results  []resultJSON  `json:"results"`
	Failures []failureJSON `json:"failures"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCompile handles POST /v1/compile?debug=bool with multipart images
func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	debug := false
	if v := r.URL.Query().Get("debug"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid debug flag"})
			return
		}
		debug = b
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid multipart body: " + err.Error()})
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File[UploadField]
	if len(headers) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no files in field " + UploadField})
		return
	}

	files := make([]source.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read upload " + fh.Filename})
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read upload " + fh.Filename})
			return
		}
		files = append(files, &source.BytesFile{FileName: fh.Filename, Data: data})
	}

	batch, err := s.compiler.CompileAll(r.Context(), files, engine.Options{Debug: debug})
	if err != nil && batch == nil {
		status := http.StatusInternalServerError
		if errors.Fatal(err) {
			status = http.StatusBadGateway
		}
		s.logger.Error("compile request failed", zap.Error(err))
		writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(errors.KindOf(err))})
		return
	}

	resp := compileResponse{
		RunID:    batch.RunID,
		Codec:    s.compiler.Codec().Name(),
		Ext:      s.compiler.Codec().Ext(),
		Results:  make([]resultJSON, 0, len(batch.Results)),
		Failures: make([]failureJSON, 0, len(batch.Failures)),
	}
	for _, res := range batch.Results {
		resp.Results = append(resp.Results, resultJSON{
			Index:        res.Index,
			Name:         res.Name,
			Width:        res.Artifact.Width,
			Height:       res.Artifact.Height,
			Features:     len(res.Artifact.Features),
			Cached:       res.Cached,
			Target:       res.Target,
			DebugOverlay: res.DebugOverlay,
		})
	}
	for _, f := range batch.Failures {
		resp.Failures = append(resp.Failures, failureJSON{
			Index: f.Index,
			Name:  f.Name,
			Stage: string(f.Stage),
			Error: f.Err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

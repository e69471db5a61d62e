// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package server exposes exported style networks over HTTP.
//
// Clients POST a JSON body naming a filter and carrying an image as a data
// URL to /api, and receive the stylized image as a PNG data URL:
//
//	POST /api {"filter": "wave", "data": "data:image/jpeg;base64,..."}
//	200       {"base64Image": "data:image/png;base64,..."}
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/born-ml/born/tensor"
	"github.com/born-ml/styletransfer/internal/config"
	"github.com/born-ml/styletransfer/internal/imageio"
	"github.com/born-ml/styletransfer/internal/infer"
	"github.com/google/uuid"
)

// Filter stylizes one request's image.
type Filter interface {
	Stylize(ctx context.Context, img image.Image) (*image.RGBA, error)
}

// Request is the body of POST /api.
type Request struct {
	Filter string `json:"filter"`
	Data   string `json:"data"`
}

// Response is the body of a successful POST /api.
type Response struct {
	Base64Image string `json:"base64Image"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Options configures a Server.
type Options struct {
	// DefaultFilter serves requests that name no filter. With a single
	// filter it defaults to that filter.
	DefaultFilter string
	// SaveDir, when set, receives every stylized image as output-<uuid>.jpg.
	SaveDir      string
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Server routes requests to filters.
type Server struct {
	filters map[string]Filter
	opts    Options
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New returns a Server for filters.
func New(filters map[string]Filter, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultFilter == "" && len(filters) == 1 {
		for name := range filters {
			opts.DefaultFilter = name
		}
	}
	s := &Server{filters: filters, opts: opts, logger: opts.Logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /api", s.handleTransfer)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// Handler returns the HTTP handler of s.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.opts.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		s.fail(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Data == "" {
		s.fail(w, http.StatusBadRequest, imageio.ErrEmptyData)
		return
	}

	name := req.Filter
	if name == "" {
		name = s.opts.DefaultFilter
	}
	filter, ok := s.filters[name]
	if !ok {
		s.fail(w, http.StatusNotFound, fmt.Errorf("unknown filter %q", name))
		return
	}

	img, err := imageio.DecodeDataURL(req.Data)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	out, err := filter.Stylize(r.Context(), img)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.fail(w, http.StatusServiceUnavailable, err)
			return
		}
		s.fail(w, http.StatusInternalServerError, err)
		return
	}

	encoded, err := imageio.EncodePNGDataURL(out)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if s.opts.SaveDir != "" {
		s.save(out)
	}

	s.logger.Info("stylized image", "filter", name,
		"size", imageio.Size{Height: out.Bounds().Dy(), Width: out.Bounds().Dx()}.String(),
		"elapsed", time.Since(start))
	writeJSON(w, http.StatusOK, Response{Base64Image: encoded})
}

// save writes img to the save directory. Failures are logged only.
func (s *Server) save(img image.Image) {
	if err := os.MkdirAll(s.opts.SaveDir, 0o755); err != nil {
		s.logger.Warn("failed to create save dir", "dir", s.opts.SaveDir, "error", err)
		return
	}
	path := filepath.Join(s.opts.SaveDir, "output-"+uuid.NewString()+".jpg")
	if err := imageio.Save(path, img); err != nil {
		s.logger.Warn("failed to save image", "path", path, "error", err)
		return
	}
	s.logger.Debug("saved image", "path", path)
}

func (s *Server) fail(w http.ResponseWriter, status int, err error) {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "request failed", "status", status, "error", err)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve accepts connections on ln until ctx is done, then shuts down,
// waiting for in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("serving style transfer", "addr", ln.Addr().String(), "filters", len(s.filters))

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// LoadFilters builds a pool of cfg.PoolSize stylizers for every configured
// model. Each stylizer gets its own backend from newBackend.
func LoadFilters[B tensor.Backend](cfg config.Serve, newBackend func() B) (map[string]Filter, error) {
	filters := make(map[string]Filter, len(cfg.Models))
	for _, name := range cfg.ModelNames() {
		dir := cfg.Models[name]
		pool, err := infer.NewPool(cfg.PoolSize, func() (infer.Stylizer, error) {
			return infer.FromSavedModel(dir, newBackend())
		})
		if err != nil {
			return nil, fmt.Errorf("server: filter %s: %w", name, err)
		}
		filters[name] = pool
	}
	return filters, nil
}

// Run loads the configured models and serves them on cfg.Addr until ctx is
// done.
func Run[B tensor.Backend](ctx context.Context, cfg config.Serve, newBackend func() B, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	filters, err := LoadFilters(cfg, newBackend)
	if err != nil {
		return err
	}

	saveDir := cfg.SaveDir
	if saveDir != "" {
		if saveDir, err = config.ExpandPath(saveDir); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	s := New(filters, Options{
		DefaultFilter: cfg.DefaultFilter,
		SaveDir:       saveDir,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		Logger:        logger,
	})
	return s.Serve(ctx, ln)
}

// Package proxy is the HTTP surface: routing, the chat dispatcher, model
// listing translation, and the generic pass-through for everything else.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/toolbridge/proxy/backend"
	"github.com/toolbridge/proxy/config"
	"github.com/toolbridge/proxy/convert"
	"github.com/toolbridge/proxy/instruct"
)

// Server wires the dispatcher, converters and backend clients behind a chi
// router. Read-only after New.
type Server struct {
	cfg    *config.Config
	engine *convert.Engine

	// batch carries the overall connection timeout; stream has no
	// whole-request deadline because http.Client.Timeout would cut long
	// generations off mid-stream.
	batch  *backend.Client
	stream *backend.Client

	router chi.Router
}

// New builds the server from a validated configuration.
func New(cfg *config.Config) *Server {
	reinject := instruct.DefaultConfig()
	reinject.Enabled = cfg.EnableToolReinjection
	if cfg.ToolReinjectionMessageCount > 0 {
		reinject.MessageCount = cfg.ToolReinjectionMessageCount
	}
	if cfg.ToolReinjectionTokenCount > 0 {
		reinject.TokenCount = cfg.ToolReinjectionTokenCount
	}
	reinject.Role = cfg.ToolReinjectionType

	s := &Server{
		cfg:    cfg,
		engine: &convert.Engine{PassTools: cfg.PassTools, Reinjection: reinject},
		batch:  backend.New(backend.WithTimeout(cfg.ConnectionTimeout)),
		stream: backend.New(backend.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.StreamConnectionTimeout,
			},
		})),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/v1/chat/completions", s.handleChat)
	r.Post("/api/chat", s.handleChat)
	r.Post("/api/generate", s.handleChat)

	r.Get("/v1/models", s.handleListModels)
	r.Get("/api/tags", s.handleListTags)
	r.Post("/api/show", s.handleShow)

	r.NotFound(s.handlePassthrough)

	s.router = r
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
		// Streams run long; write deadlines are handled per-request.
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zap.S().Infow("proxy_listening", "addr", addr, "backend_mode", s.cfg.BackendMode)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// requestLogger is a thin zap access log; chi's own logger writes to the
// stdlib log and double-formats under zap's redirect.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.S().Debugw("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// Package preview serves a rendered archive over HTTP for local browsing.
package preview

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Server serves one archive directory read-only.
type Server struct {
	root string
	log  *zap.Logger
	srv  *fasthttp.Server
}

// New checks that root holds a rendered archive.
func New(root string, logger *zap.Logger) (*Server, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(abs, "index.html")); err != nil {
		return nil, fmt.Errorf("%s does not contain an archive (run export first): %w", abs, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{root: abs, log: logger}

	fs := &fasthttp.FS{
		Root:               abs,
		IndexNames:         []string{"index.html"},
		GenerateIndexPages: false,
		AcceptByteRange:    true,
		PathNotFound: func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetContentType("text/plain; charset=utf-8")
			ctx.WriteString("not found")
		},
	}
	files := fs.NewRequestHandler()

	s.srv = &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			if !ctx.IsGet() && !ctx.IsHead() {
				ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
				return
			}
			ctx.Response.Header.Set("Cache-Control", "no-store")
			files(ctx)
			s.log.Debug("request",
				zap.ByteString("path", ctx.Path()),
				zap.Int("status", ctx.Response.StatusCode()))
		},
		Name:         "msgarchive-preview",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		// Only GET/HEAD are served.
		MaxRequestBodySize: 1 << 10,
	}
	return s, nil
}

// Root is the directory being served.
func (s *Server) Root() string { return s.root }

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.srv.Shutdown()
		case <-stopped:
		}
	}()
	defer close(stopped)

	s.log.Info("serving archive", zap.String("root", s.root), zap.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil {
		return fmt.Errorf("preview server: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

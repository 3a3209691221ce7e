package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dmorgan81/dalleserve/internal/feed"
	"github.com/dmorgan81/dalleserve/internal/handler"
	"github.com/dmorgan81/dalleserve/internal/log"
	"github.com/dmorgan81/dalleserve/internal/page"
	"github.com/dmorgan81/dalleserve/internal/registry"
	"github.com/dmorgan81/dalleserve/internal/store"
	"github.com/dmorgan81/dalleserve/internal/tokenizer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/samber/do"
	"github.com/samber/lo"
)

type Server struct {
	handler   *handler.Handler
	feed      *feed.Generator
	templator *page.Templator
	files     *store.FileUploader
	origins   []string
}

func New(h *handler.Handler, f *feed.Generator, t *page.Templator, files *store.FileUploader, origins []string) *Server {
	return &Server{handler: h, feed: f, templator: t, files: files, origins: origins}
}

func NewServer(i *do.Injector) (*Server, error) {
	return New(
		do.MustInvoke[*handler.Handler](i),
		do.MustInvoke[*feed.Generator](i),
		do.MustInvoke[*page.Templator](i),
		do.MustInvoke[*store.FileUploader](i),
		do.MustInvokeNamed[[]string](i, "allow_origins"),
	), nil
}

// Routes builds the gin engine. Requests carry logger in their context.
func (s *Server) Routes(logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), AccessLogger(logger), s.cors())

	r.GET("/", s.health)
	r.GET("/dalle-list", s.list)
	r.POST("/dalle", s.generate)
	r.GET("/feed.rss", s.rss)
	r.GET("/gallery/:dir", s.gallery)
	r.Static("/outputs", s.files.Root)
	return r
}

func (s *Server) cors() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	if slices.Contains(s.origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.origins
	}
	return cors.New(cfg)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, "ok")
}

func (s *Server) list(c *gin.Context) {
	c.JSON(http.StatusOK, s.handler.Models())
}

func (s *Server) generate(c *gin.Context) {
	var input handler.Input
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	out, err := s.handler.Handle(c.Request.Context(), input)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) rss(c *gin.Context) {
	data, err := s.feed.Generate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", data)
}

func (s *Server) gallery(c *gin.Context) {
	dir := c.Param("dir")
	files, err := s.files.Files(c.Request.Context(), dir)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no outputs for %q", dir)})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	images := lo.FilterMap(files, func(o store.Object, _ int) (string, bool) {
		return "/outputs/" + url.PathEscape(dir) + "/" + url.PathEscape(o.Name), strings.HasSuffix(o.Name, ".jpg")
	})
	html, err := s.templator.Template(c.Request.Context(), page.Params{Title: dir, Images: images})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, handler.ErrInvalidInput), errors.Is(err, tokenizer.ErrEncoding):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// AccessLogger logs each request and puts logger into the request context.
func AccessLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(log.NewContext(c.Request.Context(), logger))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		duration := time.Since(start)
		logger.InfoContext(c.Request.Context(),
			fmt.Sprintf("%s %s %d %dB %dms", c.Request.Method, route, c.Writer.Status(), c.Writer.Size(), duration.Milliseconds()),
			"method", c.Request.Method,
			"path", route,
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"duration_ms", duration.Milliseconds(),
			"remote_addr", c.ClientIP(),
		)
	}
}

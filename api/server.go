package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"crypto-news-analyzer/model"
	"crypto-news-analyzer/pipeline"
	"crypto-news-analyzer/query"
	"crypto-news-analyzer/scheduler"
)

// ErrNotFound is returned by ArticleStore for unknown article IDs.
var ErrNotFound = errors.New("not found")

// ArticleFilter narrows an article listing.
type ArticleFilter struct {
	Source    string
	Sentiment model.Sentiment
	Status    model.Status
	Limit     int
	Offset    int
}

// ArticleStore reads stored articles.
type ArticleStore interface {
	ListArticles(ctx context.Context, f ArticleFilter) ([]model.AnalyzedArticle, error)
	GetArticle(ctx context.Context, id string) (*model.AnalyzedArticle, error)
	Ping(ctx context.Context) error
}

// QueryEngine answers questions and aggregates statistics.
type QueryEngine interface {
	Answer(ctx context.Context, question string) (*query.Answer, error)
	Stats(ctx context.Context, since time.Time) (*model.Stats, error)
}

// Scheduler runs cycles on demand and reports its state.
type Scheduler interface {
	Trigger(ctx context.Context) (*pipeline.Report, error)
	Status() scheduler.Status
}

// SourceLister lists configured sources.
type SourceLister interface {
	List(ctx context.Context) ([]model.Source, error)
}

// Server exposes the read API and the manual fetch trigger over HTTP.
type Server struct {
	articles  ArticleStore
	engine    QueryEngine
	scheduler Scheduler
	sources   SourceLister
	origins   []string
	router    *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigins sets the origins allowed to call the API from a browser.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// NewServer creates the API server and its routes.
func NewServer(articles ArticleStore, engine QueryEngine, sched Scheduler, sources SourceLister, opts ...Option) *Server {
	s := &Server{
		articles:  articles,
		engine:    engine,
		scheduler: sched,
		sources:   sources,
		origins:   []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("http api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http api: %w", err)
	}
	slog.Info("http api stopped")
	return nil
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	allowCreds := true
	if len(s.origins) == 0 || (len(s.origins) == 1 && s.origins[0] == "*") {
		s.origins = []string{"*"}
		allowCreds = false
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: allowCreds,
		MaxAge:           12 * time.Hour,
	}))

	api := r.Group("/api")
	{
		api.GET("/health", s.health)
		api.GET("/stats", s.stats)
		api.GET("/articles", s.listArticles)
		api.GET("/articles/:id", s.getArticle)
		api.GET("/sources", s.listSources)
		api.POST("/query", s.query)
		api.POST("/fetch", s.fetch)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func errorJSON(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// Package httpserver exposes the stored aggregates over a read-only JSON API.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"github.com/tinytelemetry/brocess/internal/logger"
	"github.com/tinytelemetry/brocess/internal/model"
)

const defaultAddr = "127.0.0.1:3000"

// Server provides an HTTP API for querying brocess aggregates.
type Server struct {
	addr      string
	store     model.AggregateReader
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, store model.AggregateReader) *Server {
	if addr == "" {
		addr = defaultAddr
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/api/health", s.handleHealth)
	r.GET("/api/conn", s.handleConn)
	r.GET("/api/connerr", s.handleConnErr)
	r.GET("/api/smtp", s.handleSMTP)
	r.GET("/api/http", s.handleHTTP)
	r.GET("/api/http/:host", s.handleHTTPHost)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s.routes(r)

	s.server = &http.Server{
		Handler:           r,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("api server: %v", err)
		}
	}()
	return nil
}

// Addr returns the listen address; after Start it is the bound address.
func (s *Server) Addr() string { return s.addr }

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	counts, err := s.store.TableRowCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime":         time.Since(s.startTime).String(),
		"schema_version": model.SchemaVersion,
		"row_counts":     counts,
	})
}

// queryLimit reads ?limit=; absent means the store default.
func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := cast.ToIntE(raw)
	if err != nil || n < 0 || n > model.MaxQueryLimit {
		return 0, fmt.Errorf("limit must be an integer between 0 and %d", model.MaxQueryLimit)
	}
	return n, nil
}

func connFilter(c *gin.Context) (model.ConnFilter, error) {
	limit, err := queryLimit(c)
	if err != nil {
		return model.ConnFilter{}, err
	}
	f := model.ConnFilter{
		SourceIP: c.Query("src"),
		DestIP:   c.Query("dst"),
		Limit:    limit,
	}
	if raw := c.Query("port"); raw != "" {
		port, err := cast.ToIntE(raw)
		if err != nil || port < 1 || port > 65535 {
			return model.ConnFilter{}, fmt.Errorf("port must be an integer between 1 and 65535")
		}
		f.DestPort = port
	}
	return f, nil
}

func (s *Server) handleConn(c *gin.Context) {
	s.serveConn(c, s.store.TopConnections)
}

func (s *Server) handleConnErr(c *gin.Context) {
	s.serveConn(c, s.store.TopConnectionErrors)
}

func (s *Server) serveConn(c *gin.Context, query func(context.Context, model.ConnFilter) ([]model.ConnAggregate, error)) {
	f, err := connFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := query(c.Request.Context(), f)
	if err != nil {
		logger.Errorf("api %s: %v", c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if rows == nil {
		rows = []model.ConnAggregate{}
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
}

func (s *Server) handleSMTP(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f := model.SMTPFilter{
		Source:      strings.ToLower(c.Query("source")),
		Destination: strings.ToLower(c.Query("destination")),
		Limit:       limit,
	}
	rows, err := s.store.TopSMTP(c.Request.Context(), f)
	if err != nil {
		logger.Errorf("api %s: %v", c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if rows == nil {
		rows = []model.SMTPAggregate{}
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
}

func (s *Server) handleHTTP(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f := model.HTTPFilter{Suffix: strings.ToLower(c.Query("suffix")), Limit: limit}
	rows, err := s.store.TopHTTP(c.Request.Context(), f)
	if err != nil {
		logger.Errorf("api %s: %v", c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if rows == nil {
		rows = []model.HTTPAggregate{}
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
}

func (s *Server) handleHTTPHost(c *gin.Context) {
	host := strings.ToLower(c.Param("host"))
	row, err := s.store.HTTPHost(c.Request.Context(), host)
	switch {
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "host not found"})
	case err != nil:
		logger.Errorf("api %s: %v", c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
	default:
		c.JSON(http.StatusOK, row)
	}
}

// Package http provides the REST API for memoryd.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/driftlock/memoryd/internal/config"
	"github.com/driftlock/memoryd/internal/engine"
	"github.com/driftlock/memoryd/internal/logging"
	"github.com/driftlock/memoryd/internal/memory"
)

// Server exposes the memory service over REST.
type Server struct {
	echo    *echo.Echo
	service *memory.Service
	logger  *zap.Logger
	config  config.ServerConfig
}

// NewServer creates a new HTTP server.
func NewServer(service *memory.Service, logger *zap.Logger, cfg config.ServerConfig) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("memory service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Carry the request id and route scope into the request
			// context so service-level log lines correlate with the
			// access log.
			ctx := c.Request().Context()
			if rid := c.Response().Header().Get(echo.HeaderXRequestID); rid != "" {
				ctx = logging.WithRequestID(ctx, rid)
			}
			if tenant, project := c.Param("tenant"), c.Param("project"); tenant != "" && project != "" {
				ctx = logging.WithScope(ctx, &logging.Scope{TenantID: tenant, ProjectID: project})
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		service: service,
		logger:  logger,
		config:  cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	scoped := s.echo.Group("/api/v1/tenants/:tenant/projects/:project")
	scoped.POST("/memories", s.handleAdd)
	scoped.POST("/memories/batch", s.handleBatchAdd)
	scoped.POST("/memories/search", s.handleSearch)
	scoped.GET("/memories", s.handleList)
	scoped.GET("/memories/:id", s.handleGet)
	scoped.PATCH("/memories/:id", s.handleUpdate)
	scoped.DELETE("/memories/:id", s.handleDelete)
}

// scopeOf extracts the tenant/project scope from the route.
func scopeOf(c echo.Context) (memory.Scope, error) {
	scope := memory.Scope{
		TenantID:  c.Param("tenant"),
		ProjectID: c.Param("project"),
	}
	if scope.TenantID == "" || scope.ProjectID == "" {
		return memory.Scope{}, echo.NewHTTPError(http.StatusBadRequest, "tenant and project are required")
	}
	return scope, nil
}

// handleHealth reports process and engine connection health.
func (s *Server) handleHealth(c echo.Context) error {
	state := s.service.State()
	resp := HealthResponse{Status: "ok", Engine: state.String()}
	if state != engine.StateConnected {
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleAdd stores one record.
func (s *Server) handleAdd(c echo.Context) error {
	scope, err := scopeOf(c)
	if err != nil {
		return err
	}

	var req AddRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid add request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	id, err := s.service.Add(c.Request().Context(), scope, req.Content, req.Metadata, req.Tags)
	if err != nil {
		s.logger.Error("add failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "failed to store memory")
	}

	return c.JSON(http.StatusCreated, AddResponse{MemoryID: id})
}

// handleBatchAdd stores records in paced chunks. A partial failure reports
// the ids that were written so the caller can reconcile.
func (s *Server) handleBatchAdd(c echo.Context) error {
	scope, err := scopeOf(c)
	if err != nil {
		return err
	}

	var req BatchAddRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "items field is required")
	}

	items := make([]memory.BatchItem, len(req.Items))
	for i, item := range req.Items {
		if item.Content == "" {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("items[%d].content is required", i))
		}
		items[i] = memory.BatchItem{
			Content:  item.Content,
			Metadata: item.Metadata,
			Tags:     item.Tags,
		}
	}

	ids, err := s.service.BatchAdd(c.Request().Context(), scope, items)
	if err != nil {
		s.logger.Error("batch add failed", zap.Int("inserted", len(ids)), zap.Error(err))
		return c.JSON(http.StatusBadGateway, BatchAddResponse{
			MemoryIDs: ids,
			Error:     "batch aborted before completion",
		})
	}

	return c.JSON(http.StatusCreated, BatchAddResponse{MemoryIDs: ids})
}

// handleSearch runs hybrid retrieval with optional post-filters.
func (s *Server) handleSearch(c echo.Context) error {
	scope, err := scopeOf(c)
	if err != nil {
		return err
	}

	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	results := s.service.Search(c.Request().Context(), scope, memory.SearchOptions{
		Query:          req.Query,
		Limit:          req.Limit,
		MetadataFilter: req.MetadataFilter,
		TagFilter:      req.Tags,
	})

	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

// handleList returns records in natural order.
func (s *Server) handleList(c echo.Context) error {
	scope, err := scopeOf(c)
	if err != nil {
		return err
	}

	limit := intQuery(c, "limit", memory.DefaultSearchLimit)
	offset := intQuery(c, "offset", 0)

	results := s.service.List(c.Request().Context(), scope, limit, offset)
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

// handleGet returns one record by id.
func (s *Server) handleGet(c echo.Context) error {
	scope, err := scopeOf(c)
	if err != nil {
		return err
	}

	rec := s.service.Get(c.Request().Context(), scope, c.Param("id"))
	if rec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "memory not found")
	}
	return c.JSON(http.StatusOK, rec)
}

// handleUpdate applies a partial update by id.
func (s *Server) handleUpdate(c echo.Context) error {
	scope, err := scopeOf(c)
	if err != nil {
		return err
	}

	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ok := s.service.Update(c.Request().Context(), scope, c.Param("id"), memory.Fields{
		Content:  req.Content,
		Metadata: req.Metadata,
		Tags:     req.Tags,
	})
	return c.JSON(http.StatusOK, UpdateResponse{Updated: ok})
}

// handleDelete removes one record by id.
func (s *Server) handleDelete(c echo.Context) error {
	scope, err := scopeOf(c)
	if err != nil {
		return err
	}

	ok := s.service.Delete(c.Request().Context(), scope, c.Param("id"))
	return c.JSON(http.StatusOK, DeleteResponse{Deleted: ok})
}

// intQuery parses an int query parameter, falling back on bad input.
func intQuery(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return fallback
	}
	return v
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

package server

import (
	"net/http"
	"time"

	"stackup/internal/constants"
	"stackup/internal/db"
	"stackup/internal/errors"
	"stackup/internal/logger"
	"stackup/internal/report"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// handleError converts errors to appropriate HTTP responses
func handleError(c echo.Context, err error, message string) error {
	logger.GetLogger(c).WithError(err).Debug(message)
	return errors.ToHTTPError(err)
}

func unavailable(what string) error {
	return echo.NewHTTPError(http.StatusServiceUnavailable, what+" not available")
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.handleHealth)

	if s.deps.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := s.echo.Group("/api")
	api.GET("/report", s.handleReport)
	api.GET("/events", s.handleEvents)

	runs := api.Group("/runs")
	runs.GET("", s.handleListRuns)
	runs.GET("/:id", s.handleGetRun)
}

// handleHealth godoc
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:   "healthy",
		Version:  constants.Version,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		Database: "disabled",
	}
	if s.deps.Database != nil {
		resp.Database = "healthy"
		if err := s.deps.Database.HealthCheck(c.Request().Context()); err != nil {
			resp.Database = "unhealthy"
			resp.Status = "degraded"
		}
	}
	if s.deps.Hub != nil {
		resp.Clients = s.deps.Hub.Clients()
	}
	return c.JSON(http.StatusOK, resp)
}

// handleReport godoc
// @Summary Last run report
// @Tags runs
// @Produce json
// @Success 200 {object} report.Report
// @Failure 404 {object} errors.HTTPErrorResponse
// @Router /api/report [get]
func (s *Server) handleReport(c echo.Context) error {
	if s.deps.ReportPath == "" {
		return unavailable("report")
	}
	r, err := report.ReadFile(s.deps.ReportPath)
	if err != nil {
		return handleError(c, err, "Failed to read report")
	}
	return c.JSON(http.StatusOK, r)
}

// handleListRuns godoc
// @Summary List past runs
// @Tags runs
// @Produce json
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Param order query string false "asc or desc"
// @Success 200 {object} RunsResponse
// @Router /api/runs [get]
func (s *Server) handleListRuns(c echo.Context) error {
	if s.deps.History == nil {
		return unavailable("history")
	}

	opts := db.DefaultPaginationOptions()
	if err := c.Bind(&opts); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid pagination parameters")
	}

	runs, err := s.deps.History.List(c.Request().Context(), opts)
	if err != nil {
		return handleError(c, err, "Failed to list runs")
	}
	return c.JSON(http.StatusOK, runs)
}

// handleGetRun godoc
// @Summary Get one run with its service results
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} db.Run
// @Failure 404 {object} errors.HTTPErrorResponse
// @Router /api/runs/{id} [get]
func (s *Server) handleGetRun(c echo.Context) error {
	if s.deps.History == nil {
		return unavailable("history")
	}

	run, err := s.deps.History.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return handleError(c, err, "Failed to get run")
	}
	return c.JSON(http.StatusOK, run)
}

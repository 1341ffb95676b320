package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/foldwise/internal/analysis"
	"github.com/ajitpratap0/foldwise/internal/config"
	"github.com/ajitpratap0/foldwise/internal/db"
	"github.com/ajitpratap0/foldwise/internal/jobs"
	"github.com/ajitpratap0/foldwise/internal/strategies"
	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// RunRequest is the body of POST /api/v1/runs
type RunRequest struct {
	Kind string `json:"kind" binding:"required,oneof=walkforward montecarlo ablation"`
	analysis.Request
}

// StrategyInfo describes one registered strategy
type StrategyInfo struct {
	Name       string                  `json:"name"`
	Components []string                `json:"components"`
	Space      backtest.ParameterSpace `json:"space"`
	Defaults   backtest.ParameterSet   `json:"defaults"`
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "foldwise",
		"version": config.GetVersion(),
		"endpoints": []string{
			"/health",
			"/metrics",
			"/api/v1/strategies",
			"/api/v1/runs",
			"/api/v1/reports",
		},
	})
}

// handleHealth reports the state of every configured backend. A failing
// database makes the service unhealthy; a failing cache only degrades it.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := gin.H{}

	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			checks["database"] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			checks["cache"] = err.Error()
			if code == http.StatusOK {
				status = "degraded"
			}
		} else {
			checks["cache"] = "ok"
		}
	}

	activeJobs := 0
	if s.jobs != nil {
		activeJobs = s.jobs.Active()
	}

	c.JSON(code, gin.H{
		"status":      status,
		"checks":      checks,
		"active_jobs": activeJobs,
		"timestamp":   time.Now().UTC(),
	})
}

func (s *Server) handleListStrategies(c *gin.Context) {
	names := strategies.Names()
	out := make([]StrategyInfo, 0, len(names))
	for _, name := range names {
		strat, err := strategies.Lookup(name, strategies.Ablation{})
		if err != nil {
			continue
		}
		out = append(out, StrategyInfo{
			Name:       name,
			Components: strategies.Components,
			Space:      strat.Space(),
			Defaults:   strat.Defaults(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out})
}

// handleSubmitRun queues a walk-forward, Monte Carlo or ablation run
func (s *Server) handleSubmitRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := s.service.Check(req.Request); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, analysis.ErrNoDatabase) {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"error":   "Invalid run configuration",
			"details": err.Error(),
		})
		return
	}

	job, err := s.jobs.Submit(req.Kind, req.Request)
	if err != nil {
		log.Error().Err(err).Str("kind", req.Kind).Msg("Failed to submit job")
		code := http.StatusInternalServerError
		if errors.Is(err, jobs.ErrShuttingDown) {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"error":   "Failed to submit run",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":      job.ID.String(),
		"kind":    job.Kind,
		"status":  job.Status,
		"message": "Run submitted. Use GET /api/v1/runs/" + job.ID.String() + " to check status.",
	})
}

// handleListJobs lists jobs without their results
func (s *Server) handleListJobs(c *gin.Context) {
	list := s.jobs.List()
	for _, job := range list {
		job.Result = nil
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  list,
		"count": len(list),
	})
}

func (s *Server) handleGetJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := s.jobs.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	switch err := s.jobs.Cancel(id); {
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
	case errors.Is(err, jobs.ErrJobFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "Run already finished"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{
			"id":      id.String(),
			"message": "Cancellation requested",
		})
	}
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid run ID format",
			"details": "Expected UUID format",
		})
		return uuid.Nil, false
	}
	return id, true
}

// runs returns the repository, answering 503 when there is none
func (s *Server) runs(c *gin.Context) (*db.RunRepository, bool) {
	if s.service == nil || s.service.Runs() == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Report storage is not configured"})
		return nil, false
	}
	return s.service.Runs(), true
}

func (s *Server) handleListReports(c *gin.Context) {
	repo, ok := s.runs(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	runs, err := repo.ListRuns(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list reports")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list reports"})
		return
	}
	if runs == nil {
		runs = []*db.RunSummary{}
	}
	c.JSON(http.StatusOK, gin.H{
		"reports": runs,
		"count":   len(runs),
	})
}

func (s *Server) handleGetWalkForwardReport(c *gin.Context) {
	repo, ok := s.runs(c)
	if !ok {
		return
	}
	report, err := repo.GetWalkForward(c.Request.Context(), c.Param("id"))
	respondReport(c, report, err)
}

func (s *Server) handleGetMonteCarloReport(c *gin.Context) {
	repo, ok := s.runs(c)
	if !ok {
		return
	}
	report, err := repo.GetMonteCarlo(c.Request.Context(), c.Param("id"))
	respondReport(c, report, err)
}

func respondReport(c *gin.Context, report interface{}, err error) {
	switch {
	case errors.Is(err, db.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
	case err != nil:
		log.Error().Err(err).Str("id", c.Param("id")).Msg("Failed to load report")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load report",
			"details": err.Error(),
		})
	default:
		c.JSON(http.StatusOK, report)
	}
}

// handleClearCache drops every cached fold
func (s *Server) handleClearCache(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Fold cache is not configured"})
		return
	}
	n, err := s.cache.Clear(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to clear cache",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

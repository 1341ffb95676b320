package api

import (
	"github.com/gin-gonic/gin"

	"github.com/ajitpratap0/foldwise/internal/metrics"
)

// setupRoutes configures all API routes
func (s *Server) setupRoutes(auth gin.HandlerFunc) {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.router.Group("/api/v1", auth)
	{
		v1.GET("/strategies", s.handleListStrategies)

		runs := v1.Group("/runs")
		{
			runs.POST("", s.handleSubmitRun)
			runs.GET("", s.handleListJobs)
			runs.GET("/:id", s.handleGetJob)
			runs.DELETE("/:id", s.handleCancelJob)
		}

		reports := v1.Group("/reports")
		{
			reports.GET("", s.handleListReports)
			reports.GET("/walkforward/:id", s.handleGetWalkForwardReport)
			reports.GET("/montecarlo/:id", s.handleGetMonteCarloReport)
		}

		v1.DELETE("/cache", s.handleClearCache)
	}
}

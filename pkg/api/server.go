// Package api provides the controller's HTTP ops surface: liveness,
// scheduling status, and Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/advisewell/meeting-bot-controller/pkg/controller"
	"github.com/advisewell/meeting-bot-controller/pkg/version"
)

// NewRouter builds the gin router for the ops endpoints. status is polled on
// every /health request.
func NewRouter(status func() controller.Status) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		st := status()
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"version":   version.Full(),
			"is_leader": st.IsLeader,
			"last_cycle_at":       st.LastCycleAt.Format(time.RFC3339),
			"last_cycle_duration": st.LastCycleTime.String(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

var startedAt = time.Now()

// registerHealthRoutes mounts the unauthenticated probe endpoints.
func (s *Server) registerHealthRoutes(router *gin.Engine) {
	router.GET("/health/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// warmup exists so external keepalive pingers have a slightly less
	// trivial target than ping.
	router.GET("/health/warmup", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "warm",
			"uptimeSeconds": int64(time.Since(startedAt).Seconds()),
		})
	})

	router.GET("/actuator/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func respondDetail(c *gin.Context, status int, detail string) {
	c.JSON(status, gin.H{"detail": detail})
}

func respondInternal(c *gin.Context) {
	respondDetail(c, http.StatusInternalServerError, "Internal server error")
}

// HealthCheck answers liveness probes.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

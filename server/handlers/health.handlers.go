package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health reports liveness of the command layer.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "vesper",
	})
}

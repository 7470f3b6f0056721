package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vesper-app/vesper/core/models"
)

// GetSettings returns the persisted user preferences.
func (h *Handlers) GetSettings(c *gin.Context) {
	respondOK(c, h.engine.Settings())
}

// UpdateSettings replaces the persisted user preferences.
func (h *Handlers) UpdateSettings(c *gin.Context) {
	var settings models.AppSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   err.Error(),
			Code:    string(models.CodeInvalidInput),
		})
		return
	}

	if err := h.engine.UpdateSettings(settings); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, settings)
}

// ResetSettings restores and returns the defaults.
func (h *Handlers) ResetSettings(c *gin.Context) {
	settings, err := h.engine.ResetSettings()
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, settings)
}

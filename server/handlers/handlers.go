package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vesper-app/vesper/core/engine"
	"github.com/vesper-app/vesper/core/models"
	"github.com/vesper-app/vesper/core/utils"
)

// Handlers binds the HTTP command surface to the engine façade.
type Handlers struct {
	engine *engine.Engine
	logger utils.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(eng *engine.Engine, logger utils.Logger) *Handlers {
	return &Handlers{
		engine: eng,
		logger: logger.WithGroup("handlers"),
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// respondError maps an engine error to an HTTP status and envelope.
// Validation and lookup failures carry stable codes; anything else is a
// persistence or internal failure.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := ""

	var ee *models.EngineError
	if errors.As(err, &ee) {
		code = string(ee.Code)
		switch ee.Code {
		case models.CodeNotFound:
			status = http.StatusNotFound
		case models.CodeInvalidInput:
			status = http.StatusBadRequest
		}
	}

	c.JSON(status, Response{
		Success: false,
		Error:   err.Error(),
		Code:    code,
	})
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

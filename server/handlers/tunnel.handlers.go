package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vesper-app/vesper/core/models"
)

// TunnelRequest carries the user-editable fields of a tunnel.
type TunnelRequest struct {
	Name          string `json:"name" binding:"required"`
	EndpointID    string `json:"endpoint_id" binding:"required"`
	Kind          string `json:"kind" binding:"required"`
	LocalPort     int    `json:"local_port" binding:"required"`
	RemoteHost    string `json:"remote_host" binding:"required"`
	RemotePort    int    `json:"remote_port" binding:"required"`
	AutoReconnect bool   `json:"auto_reconnect"`
}

func (r *TunnelRequest) toModel() models.Tunnel {
	return models.Tunnel{
		Name:          r.Name,
		EndpointID:    r.EndpointID,
		Kind:          models.TunnelKind(r.Kind),
		LocalPort:     r.LocalPort,
		RemoteHost:    r.RemoteHost,
		RemotePort:    r.RemotePort,
		AutoReconnect: r.AutoReconnect,
	}
}

// GetTunnels lists all declared tunnels.
func (h *Handlers) GetTunnels(c *gin.Context) {
	respondOK(c, h.engine.ListTunnels())
}

// CreateTunnel declares a new tunnel and returns its id.
func (h *Handlers) CreateTunnel(c *gin.Context) {
	var req TunnelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   err.Error(),
			Code:    string(models.CodeInvalidInput),
		})
		return
	}

	id, err := h.engine.CreateTunnel(req.toModel())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"id": id})
}

// UpdateTunnel merges user-editable fields. The owning endpoint cannot
// change; re-parenting is delete+create.
func (h *Handlers) UpdateTunnel(c *gin.Context) {
	var req TunnelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   err.Error(),
			Code:    string(models.CodeInvalidInput),
		})
		return
	}

	if err := h.engine.UpdateTunnel(c.Param("id"), req.toModel()); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

// DeleteTunnel stops the worker if one runs and removes the tunnel.
func (h *Handlers) DeleteTunnel(c *gin.Context) {
	if err := h.engine.DeleteTunnel(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

// StartTunnel starts the worker for one tunnel.
func (h *Handlers) StartTunnel(c *gin.Context) {
	respondOK(c, h.engine.StartTunnel(c.Param("id")))
}

// StopTunnel stops the worker for one tunnel.
func (h *Handlers) StopTunnel(c *gin.Context) {
	if err := h.engine.StopTunnel(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

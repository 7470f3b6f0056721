package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vesper-app/vesper/core/models"
)

// EndpointRequest carries the user-editable fields of an endpoint.
type EndpointRequest struct {
	Name       string `json:"name" binding:"required"`
	Host       string `json:"host" binding:"required"`
	Port       int    `json:"port" binding:"required"`
	Username   string `json:"username" binding:"required"`
	AuthMethod string `json:"auth_method" binding:"required"`
	Password   string `json:"password"`
	KeyPath    string `json:"key_path"`
}

func (r *EndpointRequest) toModel() models.Endpoint {
	return models.Endpoint{
		Name:       r.Name,
		Host:       r.Host,
		Port:       r.Port,
		Username:   r.Username,
		AuthMethod: models.AuthMethod(r.AuthMethod),
		Password:   r.Password,
		KeyPath:    r.KeyPath,
	}
}

// GetEndpoints lists all declared endpoints.
func (h *Handlers) GetEndpoints(c *gin.Context) {
	respondOK(c, h.engine.ListEndpoints())
}

// GetEndpoint returns one endpoint by id.
func (h *Handlers) GetEndpoint(c *gin.Context) {
	endpoint, err := h.engine.GetEndpoint(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, endpoint)
}

// CreateEndpoint declares a new endpoint and returns its id.
func (h *Handlers) CreateEndpoint(c *gin.Context) {
	var req EndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   err.Error(),
			Code:    string(models.CodeInvalidInput),
		})
		return
	}

	id, err := h.engine.CreateEndpoint(req.toModel())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"id": id})
}

// UpdateEndpoint merges user-editable fields into an existing endpoint.
func (h *Handlers) UpdateEndpoint(c *gin.Context) {
	var req EndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   err.Error(),
			Code:    string(models.CodeInvalidInput),
		})
		return
	}

	if err := h.engine.UpdateEndpoint(c.Param("id"), req.toModel()); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

// DeleteEndpoint removes an endpoint, cascading to its tunnels.
func (h *Handlers) DeleteEndpoint(c *gin.Context) {
	if err := h.engine.DeleteEndpoint(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

// TestEndpoint probes a declared endpoint. The probe outcome travels in the
// result body; only an unknown id is an error.
func (h *Handlers) TestEndpoint(c *gin.Context) {
	result, err := h.engine.TestEndpoint(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

// TestAdhocEndpoint probes endpoint fields without storing them.
func (h *Handlers) TestAdhocEndpoint(c *gin.Context) {
	var req EndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   err.Error(),
			Code:    string(models.CodeInvalidInput),
		})
		return
	}
	respondOK(c, h.engine.TestAdhoc(req.toModel()))
}

// ConnectEndpoint establishes the SSH session and starts declared tunnels.
func (h *Handlers) ConnectEndpoint(c *gin.Context) {
	respondOK(c, h.engine.Connect(c.Param("id")))
}

// DisconnectEndpoint tears down workers and the SSH session.
func (h *Handlers) DisconnectEndpoint(c *gin.Context) {
	respondOK(c, h.engine.Disconnect(c.Param("id")))
}

// GetEndpointTunnels lists the tunnels declared under an endpoint.
func (h *Handlers) GetEndpointTunnels(c *gin.Context) {
	respondOK(c, h.engine.TunnelsForEndpoint(c.Param("id")))
}

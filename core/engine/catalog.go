package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vesper-app/vesper/core/models"
	"github.com/vesper-app/vesper/core/storage"
)

// Catalog is the in-memory source of truth for declared endpoints and
// tunnels. Every mutation takes the write lock for the map change and a
// snapshot clone only; the disk write happens after the lock is released.
// A persistence failure keeps the in-memory change — the next successful
// save reconciles.
type Catalog struct {
	mu        sync.RWMutex
	endpoints map[string]models.Endpoint
	tunnels   map[string]models.Tunnel
	settings  models.AppSettings
	store     *storage.Store
}

// NewCatalog creates an empty catalog persisting through store.
func NewCatalog(store *storage.Store) *Catalog {
	return &Catalog{
		endpoints: make(map[string]models.Endpoint),
		tunnels:   make(map[string]models.Tunnel),
		settings:  models.DefaultSettings(),
		store:     store,
	}
}

// Load replaces the catalog content with the persisted document. Runtime
// state does not survive restarts, so statuses are normalized: every
// endpoint comes back disconnected and every tunnel inactive, regardless of
// what the file says.
func (c *Catalog) Load() error {
	doc, err := c.store.Load()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.endpoints = make(map[string]models.Endpoint, len(doc.Endpoints))
	for id, endpoint := range doc.Endpoints {
		endpoint.Status = models.EndpointDisconnected
		c.endpoints[id] = endpoint
	}

	c.tunnels = make(map[string]models.Tunnel, len(doc.Tunnels))
	for id, tunnel := range doc.Tunnels {
		tunnel.Status = models.TunnelInactive
		c.tunnels[id] = tunnel
	}

	c.settings = doc.Settings
	return nil
}

// snapshotLocked clones the catalog into a document. Callers must hold at
// least the read lock.
func (c *Catalog) snapshotLocked() *storage.Document {
	doc := &storage.Document{
		Endpoints: make(map[string]models.Endpoint, len(c.endpoints)),
		Tunnels:   make(map[string]models.Tunnel, len(c.tunnels)),
		Settings:  c.settings,
	}
	for id, endpoint := range c.endpoints {
		doc.Endpoints[id] = endpoint
	}
	for id, tunnel := range c.tunnels {
		doc.Tunnels[id] = tunnel
	}
	return doc
}

// mutate runs fn under the write lock, snapshots, then persists after the
// lock is released.
func (c *Catalog) mutate(fn func() error) error {
	c.mu.Lock()
	if err := fn(); err != nil {
		c.mu.Unlock()
		return err
	}
	doc := c.snapshotLocked()
	c.mu.Unlock()

	return c.store.Save(doc)
}

// AddEndpoint assigns a fresh id and inserts the endpoint. Any
// caller-supplied id is advisory and discarded.
func (c *Catalog) AddEndpoint(endpoint models.Endpoint) (string, error) {
	if err := endpoint.Validate(); err != nil {
		return "", models.ErrInvalidInput(err)
	}

	endpoint.ID = uuid.New().String()
	endpoint.Status = models.EndpointDisconnected
	endpoint.LastConnected = nil
	endpoint.CreatedAt = time.Now()

	err := c.mutate(func() error {
		c.endpoints[endpoint.ID] = endpoint
		return nil
	})
	return endpoint.ID, err
}

// UpdateEndpoint merges the user-editable fields into an existing endpoint.
// Runtime fields (status, last_connected, created_at) are preserved.
func (c *Catalog) UpdateEndpoint(id string, fields models.Endpoint) error {
	if err := fields.Validate(); err != nil {
		return models.ErrInvalidInput(err)
	}

	return c.mutate(func() error {
		existing, ok := c.endpoints[id]
		if !ok {
			return models.ErrNotFound("endpoint", id)
		}
		existing.Name = fields.Name
		existing.Host = fields.Host
		existing.Port = fields.Port
		existing.Username = fields.Username
		existing.AuthMethod = fields.AuthMethod
		existing.Password = fields.Password
		existing.KeyPath = fields.KeyPath
		c.endpoints[id] = existing
		return nil
	})
}

// DeleteEndpoint removes the endpoint and cascades to every tunnel under
// it. Callers must have torn down live state already.
func (c *Catalog) DeleteEndpoint(id string) error {
	return c.mutate(func() error {
		if _, ok := c.endpoints[id]; !ok {
			return models.ErrNotFound("endpoint", id)
		}
		delete(c.endpoints, id)
		for tid, tunnel := range c.tunnels {
			if tunnel.EndpointID == id {
				delete(c.tunnels, tid)
			}
		}
		return nil
	})
}

// GetEndpoint returns a copy of the endpoint.
func (c *Catalog) GetEndpoint(id string) (models.Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	endpoint, ok := c.endpoints[id]
	return endpoint, ok
}

// ListEndpoints returns an unordered snapshot; callers sort.
func (c *Catalog) ListEndpoints() []models.Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Endpoint, 0, len(c.endpoints))
	for _, endpoint := range c.endpoints {
		out = append(out, endpoint)
	}
	return out
}

// SetEndpointStatus records a runtime status transition.
func (c *Catalog) SetEndpointStatus(id string, status models.EndpointStatus) error {
	return c.mutate(func() error {
		endpoint, ok := c.endpoints[id]
		if !ok {
			return models.ErrNotFound("endpoint", id)
		}
		endpoint.Status = status
		c.endpoints[id] = endpoint
		return nil
	})
}

// MarkConnected flips the endpoint to connected and stamps the moment of
// successful authentication.
func (c *Catalog) MarkConnected(id string, at time.Time) error {
	return c.mutate(func() error {
		endpoint, ok := c.endpoints[id]
		if !ok {
			return models.ErrNotFound("endpoint", id)
		}
		endpoint.Status = models.EndpointConnected
		endpoint.LastConnected = &at
		c.endpoints[id] = endpoint
		return nil
	})
}

// AddTunnel assigns a fresh id and inserts the tunnel. The owning endpoint
// must exist.
func (c *Catalog) AddTunnel(tunnel models.Tunnel) (string, error) {
	if err := tunnel.Validate(); err != nil {
		return "", models.ErrInvalidInput(err)
	}

	tunnel.ID = uuid.New().String()
	tunnel.Status = models.TunnelInactive

	err := c.mutate(func() error {
		if _, ok := c.endpoints[tunnel.EndpointID]; !ok {
			return models.ErrNotFound("endpoint", tunnel.EndpointID)
		}
		c.tunnels[tunnel.ID] = tunnel
		return nil
	})
	return tunnel.ID, err
}

// UpdateTunnel merges user-editable fields. The owning endpoint is
// immutable after creation; re-parenting is delete+create.
func (c *Catalog) UpdateTunnel(id string, fields models.Tunnel) error {
	if err := fields.Validate(); err != nil {
		return models.ErrInvalidInput(err)
	}

	return c.mutate(func() error {
		existing, ok := c.tunnels[id]
		if !ok {
			return models.ErrNotFound("tunnel", id)
		}
		if fields.EndpointID != existing.EndpointID {
			return &models.EngineError{
				Code:    models.CodeInvalidInput,
				Message: "endpoint_id is immutable; delete and recreate the tunnel",
			}
		}
		existing.Name = fields.Name
		existing.Kind = fields.Kind
		existing.LocalPort = fields.LocalPort
		existing.RemoteHost = fields.RemoteHost
		existing.RemotePort = fields.RemotePort
		existing.AutoReconnect = fields.AutoReconnect
		c.tunnels[id] = existing
		return nil
	})
}

// DeleteTunnel removes the tunnel. Deleting an absent tunnel is a no-op.
func (c *Catalog) DeleteTunnel(id string) error {
	return c.mutate(func() error {
		delete(c.tunnels, id)
		return nil
	})
}

// GetTunnel returns a copy of the tunnel.
func (c *Catalog) GetTunnel(id string) (models.Tunnel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tunnel, ok := c.tunnels[id]
	return tunnel, ok
}

// ListTunnels returns an unordered snapshot of all tunnels.
func (c *Catalog) ListTunnels() []models.Tunnel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Tunnel, 0, len(c.tunnels))
	for _, tunnel := range c.tunnels {
		out = append(out, tunnel)
	}
	return out
}

// TunnelsForEndpoint returns the tunnels declared under an endpoint.
func (c *Catalog) TunnelsForEndpoint(endpointID string) []models.Tunnel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Tunnel
	for _, tunnel := range c.tunnels {
		if tunnel.EndpointID == endpointID {
			out = append(out, tunnel)
		}
	}
	return out
}

// SetTunnelStatus records a runtime status transition. Missing tunnels are
// ignored: a worker may report exit after its tunnel was deleted.
func (c *Catalog) SetTunnelStatus(id string, status models.TunnelStatus) error {
	return c.mutate(func() error {
		tunnel, ok := c.tunnels[id]
		if !ok {
			return nil
		}
		tunnel.Status = status
		c.tunnels[id] = tunnel
		return nil
	})
}

// Settings returns the persisted user preferences.
func (c *Catalog) Settings() models.AppSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// SetSettings replaces the persisted user preferences.
func (c *Catalog) SetSettings(settings models.AppSettings) error {
	return c.mutate(func() error {
		c.settings = settings
		return nil
	})
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vesper-app/vesper/core/models"
	"github.com/vesper-app/vesper/core/secret"
	"github.com/vesper-app/vesper/core/sshx"
	"github.com/vesper-app/vesper/core/storage"
	"github.com/vesper-app/vesper/core/utils"
)

// Engine is the façade consumed by the command layer: CRUD over the
// catalog, connect/disconnect lifecycle, tunnel start/stop and settings.
//
// connMu serializes connect, disconnect and the monitor's reconnect pass so
// a reconnection is never concurrent with a user-initiated lifecycle change
// on the same registry.
type Engine struct {
	config  *models.Config
	logger  utils.Logger
	catalog *Catalog
	reg     *Registry
	dialer  *sshx.Dialer
	secrets secret.Store

	connMu sync.Mutex

	activeMu sync.RWMutex
	active   map[string]*activeTunnel

	subMu sync.Mutex
	subs  map[chan Event]struct{}

	cancelMonitor context.CancelFunc
}

// Event notifies subscribers of a runtime status transition.
type Event struct {
	Kind   string `json:"kind"` // "endpoint" or "tunnel"
	ID     string `json:"id"`
	Status string `json:"status"`
}

// New creates an engine. The secret store may be nil, in which case
// passwords stay in the persisted document.
func New(config *models.Config, secrets secret.Store, logger utils.Logger) *Engine {
	dataDir := config.Storage.DataDir
	if dataDir == "" {
		dataDir = models.DefaultDataDir()
	}
	store := storage.NewStore(dataDir, logger)
	return &Engine{
		config:  config,
		logger:  logger.WithGroup("engine"),
		catalog: NewCatalog(store),
		reg:     NewRegistry(),
		dialer:  sshx.NewDialer(config.SSH, logger),
		secrets: secrets,
		active:  make(map[string]*activeTunnel),
		subs:    make(map[chan Event]struct{}),
	}
}

// Initialize loads the persisted catalog and starts the health monitor.
func (e *Engine) Initialize() error {
	if err := e.catalog.Load(); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancelMonitor = cancel
	go e.runMonitor(ctx)

	e.logger.Info("engine initialized",
		"endpoints", len(e.catalog.ListEndpoints()),
		"tunnels", len(e.catalog.ListTunnels()))
	return nil
}

// Shutdown stops the monitor and tears down every live session.
func (e *Engine) Shutdown() {
	if e.cancelMonitor != nil {
		e.cancelMonitor()
	}
	for _, id := range e.reg.IDs() {
		e.Disconnect(id)
	}
}

// --- endpoints -----------------------------------------------------------

// ListEndpoints returns an unordered snapshot of declared endpoints.
func (e *Engine) ListEndpoints() []models.Endpoint {
	return e.catalog.ListEndpoints()
}

// GetEndpoint returns one endpoint by id.
func (e *Engine) GetEndpoint(id string) (models.Endpoint, error) {
	endpoint, ok := e.catalog.GetEndpoint(id)
	if !ok {
		return models.Endpoint{}, models.ErrNotFound("endpoint", id)
	}
	return endpoint, nil
}

// CreateEndpoint validates and stores a new endpoint, returning its id.
// With a secret store configured, passwords move to the OS keystore and the
// persisted field is blanked.
func (e *Engine) CreateEndpoint(fields models.Endpoint) (string, error) {
	password := fields.Password
	if e.secrets != nil && fields.AuthMethod == models.AuthMethodPassword {
		fields.Password = ""
	}

	id, err := e.catalog.AddEndpoint(fields)
	if err != nil {
		return "", err
	}

	if e.secrets != nil && password != "" {
		if serr := e.secrets.Set(id, password); serr != nil {
			e.logger.Warn("failed to store secret in keystore", "endpoint_id", id, "error", serr)
		}
	}

	e.logger.Info("endpoint created", "endpoint_id", id, "host", fields.Host)
	return id, err
}

// UpdateEndpoint merges user-editable fields into an existing endpoint.
func (e *Engine) UpdateEndpoint(id string, fields models.Endpoint) error {
	password := fields.Password
	if e.secrets != nil && fields.AuthMethod == models.AuthMethodPassword {
		fields.Password = ""
	}

	if err := e.catalog.UpdateEndpoint(id, fields); err != nil {
		return err
	}

	if e.secrets != nil && password != "" {
		if serr := e.secrets.Set(id, password); serr != nil {
			e.logger.Warn("failed to store secret in keystore", "endpoint_id", id, "error", serr)
		}
	}
	return nil
}

// DeleteEndpoint tears down any live session and workers under the
// endpoint, then removes it and its tunnels from the catalog.
func (e *Engine) DeleteEndpoint(id string) error {
	if _, ok := e.catalog.GetEndpoint(id); !ok {
		return models.ErrNotFound("endpoint", id)
	}

	e.connMu.Lock()
	e.teardownEndpoint(id)
	e.connMu.Unlock()

	if err := e.catalog.DeleteEndpoint(id); err != nil {
		return err
	}

	if e.secrets != nil {
		if serr := e.secrets.Delete(id); serr != nil {
			e.logger.Warn("failed to delete secret from keystore", "endpoint_id", id, "error", serr)
		}
	}

	e.logger.Info("endpoint deleted", "endpoint_id", id)
	return nil
}

// --- connection lifecycle ------------------------------------------------

// resolvePassword returns the credential for an endpoint, preferring the
// secret store over the persisted field.
func (e *Engine) resolvePassword(endpoint models.Endpoint) string {
	if e.secrets != nil {
		if password, err := e.secrets.Get(endpoint.ID); err == nil {
			return password
		} else if !errors.Is(err, secret.ErrNotFound) {
			e.logger.Warn("keystore lookup failed", "endpoint_id", endpoint.ID, "error", err)
		}
	}
	return endpoint.Password
}

// TestEndpoint probes a declared endpoint without touching the catalog.
func (e *Engine) TestEndpoint(id string) (models.ConnectResult, error) {
	endpoint, ok := e.catalog.GetEndpoint(id)
	if !ok {
		return models.ConnectResult{}, models.ErrNotFound("endpoint", id)
	}
	return e.test(endpoint, e.resolvePassword(endpoint)), nil
}

// TestAdhoc probes endpoint fields that were never stored. It never raises;
// failures are encoded in the result.
func (e *Engine) TestAdhoc(fields models.Endpoint) models.ConnectResult {
	if err := fields.Validate(); err != nil {
		return models.Fail(models.CodeInvalidInput, err.Error())
	}
	return e.test(fields, fields.Password)
}

// test runs the full authenticate sequence under a hard wall-clock timeout
// and discards the session.
func (e *Engine) test(endpoint models.Endpoint, password string) models.ConnectResult {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.SSH.TestTimeout)
	defer cancel()

	session, err := e.dialer.Dial(ctx, endpoint, password)
	if err != nil {
		ce := sshx.AsConnectError(err)
		return models.Fail(ce.Code, ce.Message)
	}
	session.Close()

	return models.OK("connection successful")
}

// Connect authenticates to the endpoint, installs the session and starts
// every tunnel declared under it. Tunnel start failures are logged but do
// not undo the connection.
func (e *Engine) Connect(id string) models.ConnectResult {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	endpoint, ok := e.catalog.GetEndpoint(id)
	if !ok {
		return models.Fail(models.CodeNotFound, "endpoint not found")
	}

	if e.reg.Get(id) != nil {
		return models.OK("already connected")
	}

	e.setEndpointStatus(id, models.EndpointConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), e.config.SSH.ConnectTimeout)
	defer cancel()

	session, err := e.dialer.Dial(ctx, endpoint, e.resolvePassword(endpoint))
	if err != nil {
		ce := sshx.AsConnectError(err)
		e.logger.Warn("connect failed", "endpoint_id", id, "code", ce.Code, "error", ce)
		e.setEndpointStatus(id, models.EndpointError)
		return models.Fail(ce.Code, ce.Message)
	}

	// The session is installed before any worker starts; workers share it
	// by reference through the registry.
	e.reg.Put(id, session)
	if err := e.catalog.MarkConnected(id, time.Now()); err != nil {
		e.logger.Warn("failed to persist endpoint status", "endpoint_id", id, "error", err)
	}
	e.publishEndpoint(id, models.EndpointConnected)

	for _, tunnel := range e.catalog.TunnelsForEndpoint(id) {
		if result := e.startTunnel(tunnel, session); !result.Success {
			e.logger.Warn("failed to start tunnel on connect",
				"tunnel_id", tunnel.ID, "code", result.ErrorCode, "message", result.Message)
		}
	}

	e.logger.Info("endpoint connected", "endpoint_id", id, "host", endpoint.Host)
	return models.OK("SSH connection established")
}

// Disconnect cancels every worker under the endpoint, removes the session
// and flips statuses. Disconnecting an already-disconnected endpoint
// succeeds.
func (e *Engine) Disconnect(id string) models.ConnectResult {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	if _, ok := e.catalog.GetEndpoint(id); !ok {
		return models.Fail(models.CodeNotFound, "endpoint not found")
	}

	e.teardownEndpoint(id)
	e.setEndpointStatus(id, models.EndpointDisconnected)

	e.logger.Info("endpoint disconnected", "endpoint_id", id)
	return models.OK("SSH connection closed")
}

// teardownEndpoint cancels all workers whose tunnel belongs to the endpoint
// before the session leaves the registry, so no task outlives its session.
// Callers hold connMu.
func (e *Engine) teardownEndpoint(id string) {
	e.activeMu.Lock()
	var doomed []*activeTunnel
	for tid, at := range e.active {
		if at.tunnel.EndpointID == id {
			doomed = append(doomed, at)
			delete(e.active, tid)
		}
	}
	e.activeMu.Unlock()

	for _, at := range doomed {
		at.cancel()
		<-at.done
		if err := e.catalog.SetTunnelStatus(at.tunnel.ID, models.TunnelInactive); err != nil {
			e.logger.Warn("failed to persist tunnel status", "tunnel_id", at.tunnel.ID, "error", err)
		}
		e.publishTunnel(at.tunnel.ID, models.TunnelInactive)
	}

	if session := e.reg.Remove(id); session != nil {
		session.Close()
	}
}

// --- tunnels -------------------------------------------------------------

// ListTunnels returns an unordered snapshot of declared tunnels.
func (e *Engine) ListTunnels() []models.Tunnel {
	return e.catalog.ListTunnels()
}

// TunnelsForEndpoint returns the tunnels declared under one endpoint.
func (e *Engine) TunnelsForEndpoint(endpointID string) []models.Tunnel {
	return e.catalog.TunnelsForEndpoint(endpointID)
}

// CreateTunnel validates and stores a new tunnel, returning its id.
func (e *Engine) CreateTunnel(fields models.Tunnel) (string, error) {
	id, err := e.catalog.AddTunnel(fields)
	if err == nil {
		e.logger.Info("tunnel created", "tunnel_id", id, "endpoint_id", fields.EndpointID)
	}
	return id, err
}

// UpdateTunnel merges user-editable fields into an existing tunnel. A
// running worker keeps its old configuration until restarted.
func (e *Engine) UpdateTunnel(id string, fields models.Tunnel) error {
	return e.catalog.UpdateTunnel(id, fields)
}

// DeleteTunnel stops the worker if one is running and removes the tunnel.
// Deleting an absent tunnel succeeds.
func (e *Engine) DeleteTunnel(id string) error {
	e.stopWorker(id)
	return e.catalog.DeleteTunnel(id)
}

// StartTunnel starts the worker for one declared tunnel. The owning
// endpoint must hold a live session.
func (e *Engine) StartTunnel(id string) models.ConnectResult {
	tunnel, ok := e.catalog.GetTunnel(id)
	if !ok {
		return models.Fail(models.CodeTunnelNotFound, "tunnel not found")
	}

	session := e.reg.Get(tunnel.EndpointID)
	if session == nil {
		return models.Fail(models.CodeConnectionNotActive,
			"SSH connection must be active to start tunnel")
	}

	return e.startTunnel(tunnel, session)
}

// StopTunnel stops the worker for one tunnel. Stopping an inactive tunnel
// succeeds.
func (e *Engine) StopTunnel(id string) error {
	if e.stopWorker(id) {
		if err := e.catalog.SetTunnelStatus(id, models.TunnelInactive); err != nil {
			return err
		}
		e.publishTunnel(id, models.TunnelInactive)
	}
	return nil
}

// startTunnel binds the listening side and spawns the worker task tree.
func (e *Engine) startTunnel(tunnel models.Tunnel, session *sshx.Session) models.ConnectResult {
	e.activeMu.Lock()
	if _, running := e.active[tunnel.ID]; running {
		e.activeMu.Unlock()
		return models.OK("tunnel already active")
	}
	e.activeMu.Unlock()

	listener, code, err := bindTunnel(session, tunnel)
	if err != nil {
		e.logger.Warn("failed to start tunnel", "tunnel_id", tunnel.ID, "error", err)
		return models.Fail(code, err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	at := &activeTunnel{
		tunnel: tunnel,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.activeMu.Lock()
	e.active[tunnel.ID] = at
	e.activeMu.Unlock()

	go e.runWorker(ctx, at, session, listener)

	if err := e.catalog.SetTunnelStatus(tunnel.ID, models.TunnelActive); err != nil {
		e.logger.Warn("failed to persist tunnel status", "tunnel_id", tunnel.ID, "error", err)
	}
	e.publishTunnel(tunnel.ID, models.TunnelActive)

	e.logger.Info("tunnel started", "tunnel_id", tunnel.ID, "tunnel", tunnel.Description())
	return models.OK(fmt.Sprintf("tunnel %q started", tunnel.Name))
}

// stopWorker cancels a tunnel's worker and waits for it to unwind. Returns
// whether a worker was running.
func (e *Engine) stopWorker(id string) bool {
	e.activeMu.Lock()
	at, ok := e.active[id]
	if ok {
		delete(e.active, id)
	}
	e.activeMu.Unlock()

	if !ok {
		return false
	}

	at.cancel()
	<-at.done
	return true
}

// dropActive forgets a worker that exited on its own.
func (e *Engine) dropActive(id string) {
	e.activeMu.Lock()
	delete(e.active, id)
	e.activeMu.Unlock()
}

// isActive reports whether a worker is currently running for the tunnel.
func (e *Engine) isActive(id string) bool {
	e.activeMu.RLock()
	defer e.activeMu.RUnlock()
	_, ok := e.active[id]
	return ok
}

// --- settings ------------------------------------------------------------

// Settings returns the persisted user preferences.
func (e *Engine) Settings() models.AppSettings {
	return e.catalog.Settings()
}

// UpdateSettings replaces the persisted user preferences.
func (e *Engine) UpdateSettings(settings models.AppSettings) error {
	return e.catalog.SetSettings(settings)
}

// ResetSettings restores defaults and returns them.
func (e *Engine) ResetSettings() (models.AppSettings, error) {
	defaults := models.DefaultSettings()
	if err := e.catalog.SetSettings(defaults); err != nil {
		return models.AppSettings{}, err
	}
	return defaults, nil
}

// --- events --------------------------------------------------------------

// Subscribe returns a channel of runtime status events. Slow subscribers
// miss events rather than block the engine.
func (e *Engine) Subscribe() chan Event {
	ch := make(chan Event, 16)
	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (e *Engine) Unsubscribe(ch chan Event) {
	e.subMu.Lock()
	if _, ok := e.subs[ch]; ok {
		delete(e.subs, ch)
		close(ch)
	}
	e.subMu.Unlock()
}

func (e *Engine) publish(event Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (e *Engine) publishEndpoint(id string, status models.EndpointStatus) {
	e.publish(Event{Kind: "endpoint", ID: id, Status: string(status)})
}

func (e *Engine) publishTunnel(id string, status models.TunnelStatus) {
	e.publish(Event{Kind: "tunnel", ID: id, Status: string(status)})
}

// setEndpointStatus persists a status transition and notifies subscribers.
func (e *Engine) setEndpointStatus(id string, status models.EndpointStatus) {
	if err := e.catalog.SetEndpointStatus(id, status); err != nil {
		e.logger.Warn("failed to persist endpoint status", "endpoint_id", id, "error", err)
	}
	e.publishEndpoint(id, status)
}

package engine

import (
	"context"
	"time"

	"github.com/vesper-app/vesper/core/models"
	"github.com/vesper-app/vesper/core/utils"
)

// runMonitor is the engine-level health watchdog. Every tick it probes each
// live session; when a probe fails and any tunnel under the endpoint asked
// for auto-reconnect, it rebuilds the connection: disconnect, wait, connect.
// Connect restarts the declared tunnels, so the per-worker keepalive only
// ever has to get its worker out of the way.
func (e *Engine) runMonitor(ctx context.Context) {
	logger := e.logger.WithGroup("monitor")
	ticker := time.NewTicker(e.config.SSH.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, endpointID := range e.reg.IDs() {
				session := e.reg.Get(endpointID)
				if session == nil {
					continue
				}
				if err := session.Probe(); err == nil {
					continue
				}

				if !e.wantsReconnect(endpointID) {
					logger.Warn("session unhealthy, auto-reconnect disabled",
						"endpoint_id", endpointID)
					continue
				}

				logger.Warn("session unhealthy, reconnecting", "endpoint_id", endpointID)
				e.reconnect(ctx, endpointID, logger)
			}
		}
	}
}

// wantsReconnect reports whether any tunnel under the endpoint opted into
// auto-reconnect.
func (e *Engine) wantsReconnect(endpointID string) bool {
	for _, tunnel := range e.catalog.TunnelsForEndpoint(endpointID) {
		if tunnel.AutoReconnect {
			return true
		}
	}
	return false
}

// reconnect tears the endpoint down, waits out the grace period and
// connects again. Failures are logged and the endpoint is left in error
// until the user connects it again.
func (e *Engine) reconnect(ctx context.Context, endpointID string, logger utils.Logger) {
	if result := e.Disconnect(endpointID); !result.Success {
		logger.Error("reconnect: disconnect failed",
			"endpoint_id", endpointID, "message", result.Message)
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(e.config.SSH.ReconnectDelay):
	}

	if result := e.Connect(endpointID); !result.Success {
		logger.Error("reconnect failed",
			"endpoint_id", endpointID, "code", result.ErrorCode, "message", result.Message)
		e.setEndpointStatus(endpointID, models.EndpointError)
		return
	}

	logger.Info("reconnected", "endpoint_id", endpointID)
}

package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// EventsHandler upgrades to a websocket and streams runtime status events
// (endpoint and tunnel transitions) to the UI until the peer goes away.
func (h *Handlers) EventsHandler(upgrader websocket.Upgrader) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Error("websocket upgrade failed", "error", err)
			return
		}

		events := h.engine.Subscribe()
		defer h.engine.Unsubscribe(events)
		defer conn.Close()

		// Drain the read side so close frames and pings are processed; the
		// peer hanging up ends the stream.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if err := conn.WriteJSON(event); err != nil {
					h.logger.Debug("websocket write failed", "error", err)
					return
				}
			}
		}
	}
}

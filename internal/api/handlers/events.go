package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/narvanalabs/mpi-allocator/internal/auth"
	"github.com/narvanalabs/mpi-allocator/internal/events"
	"github.com/narvanalabs/mpi-allocator/internal/models"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPingPeriod = 30 * time.Second
)

// EventsHandler streams pool events over WebSocket.
type EventsHandler struct {
	guard    *auth.Guard
	broker   *events.Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(guard *auth.Guard, broker *events.Broker, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		guard:  guard,
		broker: broker,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Stream handles GET /v1/pool/events. The optional handle_id query
// parameter limits the stream to one server.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	// Status doubles as the permission check and the opening snapshot.
	st, err := h.guard.Status(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer conn.Close()

	sub := h.broker.Subscribe(r.URL.Query().Get("handle_id"))
	defer h.broker.Unsubscribe(sub)

	snapshot := &models.PoolEvent{
		Type:      models.PoolEventSnapshot,
		Allocator: st.Name,
		Free:      st.Free,
		Busy:      st.Busy,
		Timestamp: time.Now().UTC(),
	}
	if err := h.write(conn, snapshot); err != nil {
		h.logger.Debug("event stream snapshot write failed", "error", err)
		return
	}

	// The client never sends data; reading only surfaces the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Ch:
			if !ok {
				if err := conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(eventWriteWait)); err != nil {
					h.logger.Debug("event stream close frame failed", "subscriber_id", sub.ID, "error", err)
				}
				return
			}
			if err := h.write(conn, event); err != nil {
				h.logger.Debug("event stream write failed", "subscriber_id", sub.ID, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				h.logger.Debug("event stream ping failed", "subscriber_id", sub.ID, "error", err)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *EventsHandler) write(conn *websocket.Conn, event *models.PoolEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(eventWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

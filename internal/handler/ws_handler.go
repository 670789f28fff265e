package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aidchain/orchestrator/internal/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// WSHandler streams pipeline events to WebSocket clients.
type WSHandler struct {
	bus      *bus.Bus
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates the WebSocket handler.
func NewWSHandler(b *bus.Bus, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		bus:    b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from arbitrary relief-org frontends.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// wsClientMessage is the only frame clients may send.
type wsClientMessage struct {
	Type      string `json:"type"`
	RequestID uint64 `json:"request_id"`
}

// wsServerMessage is the envelope for every server-to-client frame.
type wsServerMessage struct {
	Type      string          `json:"type"`
	RequestID uint64          `json:"request_id,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	Status    bus.EventStatus `json:"status,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      any             `json:"data,omitempty"`
}

// ServeHTTP handles GET /ws.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := h.bus.Subscribe(nil)
	defer h.bus.Unsubscribe(sub.ID)

	outbound := make(chan wsServerMessage, 16)
	outbound <- wsServerMessage{Type: "connected"}

	done := make(chan struct{})
	go h.readLoop(conn, sub, outbound, done)
	h.writeLoop(conn, sub, outbound, done)
}

// readLoop consumes client frames. Anything that is not a well-formed
// subscribe message is silently ignored.
func (h *WSHandler) readLoop(conn *websocket.Conn, sub *bus.Subscriber, outbound chan<- wsServerMessage, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "subscribe" {
			continue
		}

		h.bus.SetFilter(sub.ID, msg.RequestID)
		select {
		case outbound <- wsServerMessage{Type: "subscribed", RequestID: msg.RequestID}:
		default:
		}
	}
}

// writeLoop pumps bus events and control acknowledgements to the client.
func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *bus.Subscriber, outbound <-chan wsServerMessage, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case msg := <-outbound:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

		case ev, ok := <-sub.C:
			if !ok {
				// Dropped by the bus for falling behind.
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsServerMessage{
				Type:      "pipeline_event",
				RequestID: ev.RequestID,
				Stage:     ev.Stage,
				Status:    ev.Status,
				Timestamp: ev.Timestamp,
				Message:   ev.Message,
				Data:      ev.Payload,
			}); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}

package hub

import (
	"context"

	"github.com/coder/websocket"
)

// WSSocket adapts a live WebSocket connection to the Socket interface.
type WSSocket struct {
	conn *websocket.Conn
}

// NewWSSocket wraps an accepted connection.
func NewWSSocket(conn *websocket.Conn) *WSSocket {
	return &WSSocket{conn: conn}
}

func (s *WSSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *WSSocket) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}

// ReadPump reads frames until the connection or context dies, feeding
// each into the hub's inbound dispatch. The caller runs it as the
// connection's read goroutine and disconnects on return.
func (h *Hub) ReadPump(ctx context.Context, clientID string, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := h.HandleInbound(ctx, clientID, data); err != nil {
			h.logger.Warn("inbound handling failed (non-fatal)", "client", clientID, "error", err)
		}
	}
}

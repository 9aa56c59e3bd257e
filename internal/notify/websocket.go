package notify

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

// ServeWebSocket upgrades the request and streams the tenant's events until
// the client disconnects or the hub drops the subscription.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request, tenantID string, originPatterns []string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "tenant", tenantID, "error", err)
		return
	}
	sub := h.Subscribe(tenantID)
	defer h.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-sub.Done():
			_ = conn.Close(websocket.StatusGoingAway, "subscription closed")
			return
		case event := <-sub.Events():
			if err := writeEvent(ctx, conn, event); err != nil {
				h.logger.Info("websocket write failed, dropping subscriber", "tenant", tenantID, "error", err)
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}

package hub

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request, creates a session and runs its delivery
// and liveness pumps. Connection lifecycle only; no trade logic.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := h.NewSession(uuid.NewString())
	h.Register(sess)

	go h.writePump(sess, conn)
	go h.readPump(sess, conn)
}

// writePump drains the session queue onto the connection. One goroutine
// per session, so delivery order is the queue order.
func (h *Hub) writePump(sess *Session, conn *websocket.Conn) {
	stopPing := make(chan struct{})
	go h.pingLoop(sess, conn, stopPing)
	defer close(stopPing)
	defer conn.Close()

	for {
		data, ok := sess.Dequeue()
		if !ok {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteTimeout))
			return
		}
		conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("subscriber send failed",
				zap.Error(&SessionError{SessionID: sess.ID, Err: err}))
			h.Unregister(sess)
			return
		}
	}
}

// readPump watches connection liveness. Subscribers do not send trade
// data; inbound frames only refresh the read deadline.
func (h *Hub) readPump(sess *Session, conn *websocket.Conn) {
	defer func() {
		h.Unregister(sess)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	}
}

// pingLoop keeps the connection alive. WriteControl is safe concurrently
// with the writePump's data writes.
func (h *Hub) pingLoop(sess *Session, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.Unregister(sess)
				return
			}
		}
	}
}

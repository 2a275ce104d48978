package dispatch

import (
	"time"

	"github.com/gorilla/websocket"
)

// WSChannel adapts a gorilla connection to Channel.
type WSChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func NewWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *WSChannel {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSChannel{conn: conn, writeTimeout: writeTimeout}
}

func (w *WSChannel) WriteMessage(data []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears the socket down. WriteControl is safe to
// call concurrently with the writer goroutine.
func (w *WSChannel) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.conn.Close()
}

// Ping writes a ping control frame.
func (w *WSChannel) Ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
}

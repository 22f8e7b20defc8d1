package runner

import (
	"time"

	"github.com/gorilla/websocket"
)

// Conn abstracts the transport a runner drives, mirroring the teacher's
// wsConnection seam so a fake can stand in for *websocket.Conn in tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// wsConn adapts *websocket.Conn to Conn; it's the only production
// implementation, everything else in this package talks to the interface.
type wsConn struct {
	*websocket.Conn
}

func NewConn(c *websocket.Conn) Conn { return wsConn{c} }

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024

	wsTextMessage  = websocket.TextMessage
	wsCloseMessage = websocket.CloseMessage
)

package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func deadlineNow() time.Time { return time.Now().Add(writeWait) }

const writeWait = 5 * time.Second

// conn is the per-socket session context, §3: an identity id (-1 until the
// handshake completes), the server's nonce, and the handle once known.
// Owned exclusively by its connection's goroutine except for hub lookups,
// which only ever read id/handle after authentication (never mutated
// again), so no additional locking is needed there.
type conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex // gorilla/websocket permits at most one writer per conn

	id     int64
	handle string
	nonce  []byte
}

func newConn(ws *websocket.Conn, nonce []byte) *conn {
	return &conn{ws: ws, id: -1, nonce: nonce}
}

func (c *conn) authenticated() bool { return c.id >= 0 }

func (c *conn) writeBinary(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

// drain flushes any pending write then tears the socket down, per the
// CLOSING(drain) transition on a pre-auth protocol violation.
func (c *conn) drain() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseProtocolError, ""), deadlineNow())
	_ = c.ws.Close()
}

package collab

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/access"
)

const (
	outboundBufferSize = 64
	closeWriteTimeout  = 2 * time.Second
)

// Socket abstracts the websocket operations the engine needs, so sessions
// and the handshake can be tested without a network socket. *websocket.Conn
// satisfies it.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Connection binds one socket to one document, one user, and one resolved
// permission. It never outlives its socket.
type Connection struct {
	id         int64
	userID     string
	documentID string
	permission access.Permission

	socket   Socket
	outbound chan []byte
	done     chan struct{}
	closing  sync.Once
	logger   *zap.Logger
}

func newConnection(id int64, userID string, documentID string, permission access.Permission, socket Socket, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		id:         id,
		userID:     userID,
		documentID: documentID,
		permission: permission,
		socket:     socket,
		outbound:   make(chan []byte, outboundBufferSize),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// UserID returns the authenticated identity bound to this connection.
func (c *Connection) UserID() string {
	return c.userID
}

// Permission returns the access level resolved during the handshake.
func (c *Connection) Permission() access.Permission {
	return c.permission
}

// enqueue hands a pre-framed message to the write pump without blocking the
// session loop. A full buffer reports failure; the caller disconnects the
// slow client rather than stalling the document.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

// writePump drains the outbound buffer onto the socket. It exits when the
// connection closes or a write fails.
func (c *Connection) writePump() {
	for {
		select {
		case frame := <-c.outbound:
			if err := c.socket.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.logger.Debug("connection write failed",
					zap.Int64("connection_id", c.id),
					zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// closeWithCode sends a close control frame with a protocol-specific status
// before tearing the socket down.
func (c *Connection) closeWithCode(code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(closeWriteTimeout)
	if err := c.socket.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		c.logger.Debug("close control write failed",
			zap.Int64("connection_id", c.id),
			zap.Error(err))
	}
	c.close()
}

func (c *Connection) close() {
	c.closing.Do(func() {
		close(c.done)
		_ = c.socket.Close()
	})
}

package collab

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/access"
)

var (
	errMissingRegistry  = errors.New("collab: registry dependency required")
	errMissingPresence  = errors.New("collab: presence tracker dependency required")
	errMissingValidator = errors.New("collab: token validator dependency required")
	errMissingResolver  = errors.New("collab: permission resolver dependency required")
)

// TokenValidator checks a bearer credential and returns the authenticated
// user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// PermissionResolver answers what a user may do with a document.
type PermissionResolver interface {
	Resolve(ctx context.Context, userID string, documentID string) (access.Permission, error)
}

// GatekeeperConfig describes the dependencies of the connection handshake.
type GatekeeperConfig struct {
	Registry         *Registry
	Presence         *PresenceTracker
	Tokens           TokenValidator
	Permissions      PermissionResolver
	Epoch            ServerEpoch
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Gatekeeper runs the per-socket handshake state machine: a socket is
// AwaitingAuth until its first message authenticates it, then Authenticated
// once the credential and permission check out, then Attached to the
// document's session. Any failure closes the socket with a distinguishing
// status code.
type Gatekeeper struct {
	registry         *Registry
	presence         *PresenceTracker
	tokens           TokenValidator
	permissions      PermissionResolver
	epoch            ServerEpoch
	handshakeTimeout time.Duration
	logger           *zap.Logger

	connectionSequence atomic.Int64
}

// NewGatekeeper constructs a Gatekeeper and validates its dependencies.
func NewGatekeeper(cfg GatekeeperConfig) (*Gatekeeper, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	if cfg.Tokens == nil {
		return nil, errMissingValidator
	}
	if cfg.Permissions == nil {
		return nil, errMissingResolver
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gatekeeper{
		registry:         cfg.Registry,
		presence:         cfg.Presence,
		tokens:           cfg.Tokens,
		permissions:      cfg.Permissions,
		epoch:            cfg.Epoch,
		handshakeTimeout: timeout,
		logger:           logger,
	}, nil
}

// Serve drives one socket from AwaitingAuth to Attached and then pumps its
// traffic until the socket closes. It blocks for the lifetime of the
// connection and always leaves presence and session membership clean.
func (g *Gatekeeper) Serve(ctx context.Context, socket Socket, documentID string) {
	if documentID == "" {
		g.closeRejected(socket, CloseMissingDocument, "document id required")
		return
	}

	envelope, ok := g.awaitAuth(socket)
	if !ok {
		return
	}
	if envelope.DocumentID == "" {
		g.closeRejected(socket, CloseMissingDocument, "document id required")
		return
	}
	if envelope.DocumentID != documentID {
		g.closeRejected(socket, CloseMissingDocument, "document id mismatch")
		return
	}

	userID, err := g.tokens.ValidateToken(envelope.Token)
	if err != nil {
		g.logger.Warn("handshake credential rejected",
			zap.String("document_id", documentID),
			zap.Error(err))
		g.closeRejected(socket, CloseInvalidCredential, "invalid credential")
		return
	}

	permission, err := g.permissions.Resolve(ctx, userID, documentID)
	if err != nil {
		g.closeRejected(socket, CloseInternalError, "permission resolution failed")
		return
	}
	if permission == access.PermissionNone {
		g.logger.Warn("handshake denied by permissions",
			zap.String("document_id", documentID),
			zap.String("user_id", userID))
		g.closeRejected(socket, CloseAccessDenied, "access denied")
		return
	}

	connection := newConnection(g.connectionSequence.Add(1), userID, documentID, permission, socket, g.logger)
	connection.enqueue(EncodeEpoch(g.epoch))

	session, err := g.registry.Attach(ctx, connection)
	if err != nil {
		g.logger.Error("session attach failed",
			zap.String("document_id", documentID),
			zap.String("user_id", userID),
			zap.Error(err))
		g.closeRejected(socket, CloseInternalError, "attach failed")
		return
	}
	g.presence.Register(documentID, userID, connection.id)

	defer func() {
		g.presence.Unregister(documentID, connection.id)
		session.Detach(connection.id)
		connection.close()
	}()

	_ = socket.SetReadDeadline(time.Time{})
	go connection.writePump()

	g.logger.Info("connection attached",
		zap.String("document_id", documentID),
		zap.String("user_id", userID),
		zap.String("permission", string(permission)),
		zap.Int64("connection_id", connection.id))

	for {
		messageType, payload, err := socket.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			// Text frames are only meaningful during the handshake.
			continue
		}
		session.Inbound(connection.id, payload)
	}
}

// awaitAuth enforces the AwaitingAuth state: the first message must arrive
// within the handshake timeout and must be a textual authentication envelope.
func (g *Gatekeeper) awaitAuth(socket Socket) (AuthEnvelope, bool) {
	_ = socket.SetReadDeadline(time.Now().Add(g.handshakeTimeout))

	messageType, payload, err := socket.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			g.logger.Warn("handshake timed out awaiting auth")
			g.closeRejected(socket, CloseHandshakeTimeout, "handshake timeout")
		} else {
			_ = socket.Close()
		}
		return AuthEnvelope{}, false
	}
	if messageType != websocket.TextMessage {
		g.logger.Warn("handshake opened with non-auth traffic")
		g.closeRejected(socket, CloseInvalidCredential, "authentication required")
		return AuthEnvelope{}, false
	}

	envelope, err := DecodeAuthEnvelope(payload)
	if err != nil {
		g.logger.Warn("handshake auth envelope rejected", zap.Error(err))
		g.closeRejected(socket, CloseInvalidCredential, "invalid auth envelope")
		return AuthEnvelope{}, false
	}
	return envelope, true
}

func (g *Gatekeeper) closeRejected(socket Socket, code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(closeWriteTimeout)
	_ = socket.WriteControl(websocket.CloseMessage, message, deadline)
	_ = socket.Close()
}

package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/collab"
)

const userIDContextKey = "collab_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingGatekeeper    = errors.New("gatekeeper dependency required")
	errMissingPresence      = errors.New("presence tracker dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator validates a bearer token and returns the subject user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to the sync engine.
type Dependencies struct {
	TokenManager TokenValidator
	Gatekeeper   *collab.Gatekeeper
	Presence     *collab.PresenceTracker
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the websocket sync route and
// the presence query consumed by the CRUD layer.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Gatekeeper == nil {
		return nil, errMissingGatekeeper
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		gatekeeper: deps.Gatekeeper,
		presence:   deps.Presence,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect cross-origin from the editor UI; the
			// handshake inside the socket is the real gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/documents/:id/sync", handler.handleSync)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents/:id/presence", handler.handlePresence)

	return router, nil
}

type httpHandler struct {
	tokens     TokenValidator
	gatekeeper *collab.Gatekeeper
	presence   *collab.PresenceTracker
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type presenceResponsePayload struct {
	UserIDs []string `json:"userIds"`
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	documentID := strings.TrimSpace(c.Param("id"))
	if documentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	c.JSON(http.StatusOK, presenceResponsePayload{UserIDs: h.presence.ListUsers(documentID)})
}

// handleSync upgrades the socket and hands it to the gatekeeper. The bearer
// credential deliberately travels inside the first socket message rather
// than the URL, so nothing sensitive lands in proxy or access logs.
func (h *httpHandler) handleSync(c *gin.Context) {
	documentID := strings.TrimSpace(c.Param("id"))

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.gatekeeper.Serve(c.Request.Context(), socket, documentID)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/feltworks/routesync/internal/auth"
	"github.com/feltworks/routesync/internal/connectivity"
	"github.com/feltworks/routesync/internal/credentials"
	"github.com/feltworks/routesync/internal/outbox"
	"github.com/feltworks/routesync/internal/session"
	"github.com/feltworks/routesync/internal/store"
	"github.com/feltworks/routesync/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const identityContextKey = "routesync_identity_id"

const maxEntityPayloadBytes = 1 << 20

var (
	errMissingCoordinator = errors.New("auth coordinator dependency required")
	errMissingTokens      = errors.New("token issuer dependency required")
	errMissingStore       = errors.New("document store dependency required")
	errMissingSyncer      = errors.New("sync processor dependency required")
	errMissingOutbox      = errors.New("outbox service dependency required")
	errMissingSessions    = errors.New("session state dependency required")
	errMissingMonitor     = errors.New("connectivity monitor dependency required")
	errInvalidAuth        = errors.New("authorization header missing or invalid")
)

// Coordinator is the slice of the authentication coordinator the router uses.
type Coordinator interface {
	Login(ctx context.Context, email, secret string) (auth.LoginResult, error)
	Register(ctx context.Context, email, secret, confirmation, displayName string) (credentials.Profile, error)
	CompleteFirstAccess(ctx context.Context, identityID, currentSecret, newSecret, confirmation string) (auth.LoginResult, error)
	Logout(ctx context.Context) error
}

// SyncRunner is the slice of the sync processor the router uses.
type SyncRunner interface {
	RunPass(ctx context.Context) (syncer.PassResult, error)
}

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	Coordinator  Coordinator
	Tokens       *TokenIssuer
	Documents    *store.Service
	Syncer       SyncRunner
	Outbox       *outbox.Service
	Sessions     *session.State
	Connectivity *connectivity.Monitor
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the agent API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Documents == nil {
		return nil, errMissingStore
	}
	if deps.Syncer == nil {
		return nil, errMissingSyncer
	}
	if deps.Outbox == nil {
		return nil, errMissingOutbox
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Connectivity == nil {
		return nil, errMissingMonitor
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		coordinator:  deps.Coordinator,
		tokens:       deps.Tokens,
		documents:    deps.Documents,
		syncer:       deps.Syncer,
		outbox:       deps.Outbox,
		sessions:     deps.Sessions,
		connectivity: deps.Connectivity,
		logger:       logger,
	}

	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/first-access", handler.handleFirstAccess)
	router.POST("/auth/logout", handler.handleLogout)
	router.GET("/auth/session", handler.handleSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.PUT("/entities/:type/:id", handler.handleEntityPut)
	protected.DELETE("/entities/:type/:id", handler.handleEntityDelete)
	protected.GET("/entities/:type/:id", handler.handleEntityGet)
	protected.GET("/entities/:type", handler.handleEntityList)
	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.POST("/sync/run", handler.handleSyncRun)
	protected.GET("/sync/failed", handler.handleSyncFailed)
	protected.POST("/connectivity", handler.handleConnectivity)

	return router, nil
}

type httpHandler struct {
	coordinator  Coordinator
	tokens       *TokenIssuer
	documents    *store.Service
	syncer       SyncRunner
	outbox       *outbox.Service
	sessions     *session.State
	connectivity *connectivity.Monitor
	logger       *zap.Logger
}

type loginRequestPayload struct {
	Email  string `json:"email"`
	Secret string `json:"secret"`
}

type loginResponsePayload struct {
	State       string `json:"state"`
	Mode        string `json:"mode,omitempty"`
	IdentityID  string `json:"identity_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AccessLevel string `json:"access_level,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.coordinator.Login(c.Request.Context(), request.Email, request.Secret)
	if err != nil {
		h.writeAuthError(c, err)
		return
	}
	h.writeLoginResult(c, result)
}

func (h *httpHandler) writeLoginResult(c *gin.Context, result auth.LoginResult) {
	response := loginResponsePayload{
		State:       string(result.State),
		IdentityID:  result.Profile.IdentityID,
		DisplayName: result.Profile.DisplayName,
		AccessLevel: string(result.Profile.AccessLevel),
	}

	switch result.State {
	case auth.StateAuthenticatedOnline, auth.StateAuthenticatedOffline:
		token, expiresIn, err := h.tokens.IssueToken(result.Profile.IdentityID, string(result.Profile.AccessLevel))
		if err != nil {
			h.logger.Error("failed to issue agent token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
			return
		}
		response.Mode = string(session.ModeOnline)
		if result.State == auth.StateAuthenticatedOffline {
			response.Mode = string(session.ModeOffline)
		}
		response.AccessToken = token
		response.ExpiresIn = expiresIn
		response.TokenType = "Bearer"
		c.JSON(http.StatusOK, response)
	case auth.StateFirstAccessRequired:
		c.JSON(http.StatusOK, response)
	default:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "incorrect_credentials"})
	}
}

func (h *httpHandler) writeAuthError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrIncorrectCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "incorrect_credentials"})
	case errors.Is(err, auth.ErrPendingApproval):
		c.JSON(http.StatusForbidden, gin.H{"error": "pending_approval"})
	case errors.Is(err, auth.ErrMissingInput),
		errors.Is(err, auth.ErrSecretTooShort),
		errors.Is(err, auth.ErrConfirmationMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case errors.Is(err, auth.ErrIdentityTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "identity_taken"})
	case errors.Is(err, auth.ErrResetNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "reset_not_pending"})
	default:
		h.logger.Error("authentication failed unexpectedly", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "auth_failed"})
	}
}

type registerRequestPayload struct {
	Email        string `json:"email"`
	Secret       string `json:"secret"`
	Confirmation string `json:"confirmation"`
	DisplayName  string `json:"display_name"`
}

type registerResponsePayload struct {
	IdentityID  string `json:"identity_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Approved    bool   `json:"approved"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	profile, err := h.coordinator.Register(c.Request.Context(), request.Email, request.Secret, request.Confirmation, request.DisplayName)
	if err != nil {
		h.writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusCreated, registerResponsePayload{
		IdentityID:  profile.IdentityID,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		Approved:    profile.Approved,
	})
}

type firstAccessRequestPayload struct {
	IdentityID    string `json:"identity_id"`
	CurrentSecret string `json:"current_secret"`
	NewSecret     string `json:"new_secret"`
	Confirmation  string `json:"confirmation"`
}

func (h *httpHandler) handleFirstAccess(c *gin.Context) {
	var request firstAccessRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IdentityID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.coordinator.CompleteFirstAccess(c.Request.Context(), request.IdentityID, request.CurrentSecret, request.NewSecret, request.Confirmation)
	if err != nil {
		h.writeAuthError(c, err)
		return
	}
	h.writeLoginResult(c, result)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	if err := h.coordinator.Logout(c.Request.Context()); err != nil {
		h.logger.Error("logout failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type sessionResponsePayload struct {
	Active      bool   `json:"active"`
	IdentityID  string `json:"identity_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AccessLevel string `json:"access_level,omitempty"`
	Mode        string `json:"mode,omitempty"`
	StartedAtS  int64  `json:"started_at_s,omitempty"`
}

func (h *httpHandler) handleSession(c *gin.Context) {
	snapshot := h.sessions.Current()
	response := sessionResponsePayload{Active: snapshot.Active}
	if snapshot.Active {
		response.IdentityID = snapshot.Session.IdentityID
		response.DisplayName = snapshot.Session.DisplayName
		response.AccessLevel = string(snapshot.Session.AccessLevel)
		response.Mode = string(snapshot.Session.Mode)
		response.StartedAtS = snapshot.Session.StartedAt.Unix()
	}
	c.JSON(http.StatusOK, response)
}

type entityWriteResponsePayload struct {
	OperationKey string `json:"operation_key"`
	Status       string `json:"status"`
	EnqueuedAtS  int64  `json:"enqueued_at_s"`
}

func (h *httpHandler) handleEntityPut(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEntityPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	operation, err := h.documents.Save(c.Request.Context(), c.Param("type"), c.Param("id"), string(payload))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, entityWriteResponsePayload{
		OperationKey: operation.OperationKey,
		Status:       string(operation.Status),
		EnqueuedAtS:  operation.EnqueuedAtS,
	})
}

func (h *httpHandler) handleEntityDelete(c *gin.Context) {
	operation, err := h.documents.Delete(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, entityWriteResponsePayload{
		OperationKey: operation.OperationKey,
		Status:       string(operation.Status),
		EnqueuedAtS:  operation.EnqueuedAtS,
	})
}

func (h *httpHandler) handleEntityGet(c *gin.Context) {
	document, err := h.documents.Get(c.Request.Context(), c.Param("type"), c.Param("id"))
	if errors.Is(err, store.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(document.PayloadJSON))
}

type entityListResponsePayload struct {
	Entities []entityListItemPayload `json:"entities"`
}

type entityListItemPayload struct {
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAtS int64           `json:"updated_at_s"`
}

func (h *httpHandler) handleEntityList(c *gin.Context) {
	documents, err := h.documents.List(c.Request.Context(), c.Param("type"))
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	response := entityListResponsePayload{Entities: make([]entityListItemPayload, 0, len(documents))}
	for _, document := range documents {
		response.Entities = append(response.Entities, entityListItemPayload{
			EntityID:   document.EntityID,
			Payload:    json.RawMessage(document.PayloadJSON),
			UpdatedAtS: document.UpdatedAtS,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidPayload),
		errors.Is(err, outbox.ErrInvalidEntityType),
		errors.Is(err, outbox.ErrInvalidEntityID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	default:
		h.logger.Error("entity store request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed"})
	}
}

type syncStatusResponsePayload struct {
	Pending     int64  `json:"pending"`
	Online      bool   `json:"online"`
	SessionMode string `json:"session_mode,omitempty"`
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	pending, err := h.outbox.CountPending(c.Request.Context())
	if err != nil {
		h.logger.Error("pending count failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	response := syncStatusResponsePayload{
		Pending: pending,
		Online:  h.connectivity.Online(),
	}
	if snapshot := h.sessions.Current(); snapshot.Active {
		response.SessionMode = string(snapshot.Session.Mode)
	}
	c.JSON(http.StatusOK, response)
}

type syncRunResponsePayload struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

func (h *httpHandler) handleSyncRun(c *gin.Context) {
	result, err := h.syncer.RunPass(c.Request.Context())
	if errors.Is(err, syncer.ErrPassInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": "pass_in_flight"})
		return
	}
	if err != nil {
		h.logger.Error("sync pass failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, syncRunResponsePayload{
		Attempted: result.Attempted,
		Delivered: result.Delivered,
		Retried:   result.Retried,
		Failed:    result.Failed,
	})
}

type failedOperationPayload struct {
	OperationKey string `json:"operation_key"`
	Op           string `json:"op"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	RetryCount   int    `json:"retry_count"`
	LastError    string `json:"last_error"`
	SettledAtS   int64  `json:"settled_at_s"`
}

func (h *httpHandler) handleSyncFailed(c *gin.Context) {
	failed, err := h.outbox.ListFailed(c.Request.Context(), 100)
	if err != nil {
		h.logger.Error("failed operation listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	response := make([]failedOperationPayload, 0, len(failed))
	for _, operation := range failed {
		response = append(response, failedOperationPayload{
			OperationKey: operation.OperationKey,
			Op:           string(operation.Op),
			EntityType:   operation.EntityType,
			EntityID:     operation.EntityID,
			RetryCount:   operation.RetryCount,
			LastError:    operation.LastError,
			SettledAtS:   operation.SettledAtS,
		})
	}
	c.JSON(http.StatusOK, gin.H{"operations": response})
}

type connectivityRequestPayload struct {
	Online *bool `json:"online"`
}

// handleConnectivity accepts UI-reported reachability, complementing the
// optional HTTP probe.
func (h *httpHandler) handleConnectivity(c *gin.Context) {
	var request connectivityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.connectivity.Set(*request.Online)
	c.JSON(http.StatusOK, gin.H{"online": h.connectivity.Online()})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine; anything else deserves attention.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, subject)
	c.Next()
}

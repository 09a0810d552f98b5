package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/syncwire/syncwire/internal/model"
	"github.com/syncwire/syncwire/internal/transport"
	"github.com/syncwire/syncwire/pkg/auth"
	"github.com/syncwire/syncwire/pkg/logger"
	"github.com/syncwire/syncwire/pkg/messaging"
	"github.com/syncwire/syncwire/pkg/security"
)

// Handler serves the sync API.
type Handler struct {
	store       *Store
	tokens      auth.TokenService
	hasher      security.SecretHasher
	broker      messaging.Broker
	log         *logger.Logger
	tokenTTL    time.Duration
	maxPageSize int
}

func NewHandler(store *Store, tokens auth.TokenService, hasher security.SecretHasher, broker messaging.Broker, log *logger.Logger, tokenTTL time.Duration, maxPageSize int) *Handler {
	if log == nil {
		log = logger.NewLogger(nil)
	}
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	if maxPageSize <= 0 {
		maxPageSize = 500
	}
	return &Handler{
		store:       store,
		tokens:      tokens,
		hasher:      hasher,
		broker:      broker,
		log:         log.WithComponent("server"),
		tokenTTL:    tokenTTL,
		maxPageSize: maxPageSize,
	}
}

type registerRequest struct {
	DeviceID     string `json:"device_id"`
	DeviceSecret string `json:"device_secret" binding:"required"`
}

type registerResponse struct {
	DeviceID     string    `json:"device_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register creates a device identity. The caller may bring its own id;
// otherwise one is minted.
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{Code: "VALIDATION_ERROR", Message: err.Error()})
		return
	}

	if req.DeviceID == "" {
		req.DeviceID = uuid.New().String()
	}

	hash, err := h.hasher.Hash(req.DeviceSecret)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{Code: "VALIDATION_ERROR", Message: "device secret rejected"})
		return
	}

	device := &Device{
		ID:           req.DeviceID,
		SecretHash:   hash,
		RegisteredAt: time.Now().UTC(),
	}
	if err := h.store.CreateDevice(c.Request.Context(), device); err != nil {
		if errors.Is(err, ErrDeviceExists) {
			c.JSON(http.StatusConflict, ErrorBody{Code: "DEVICE_EXISTS", Message: "device already registered"})
			return
		}
		h.log.Error(err, "failed to register device")
		c.JSON(http.StatusInternalServerError, ErrorBody{Code: "INTERNAL_ERROR", Message: "failed to register device"})
		return
	}

	c.JSON(http.StatusCreated, registerResponse{DeviceID: device.ID, RegisteredAt: device.RegisteredAt})
}

type tokenRequest struct {
	DeviceID     string `json:"device_id" binding:"required"`
	DeviceSecret string `json:"device_secret" binding:"required"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Token exchanges device credentials for a bearer token.
func (h *Handler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{Code: "VALIDATION_ERROR", Message: err.Error()})
		return
	}

	device, err := h.store.GetDevice(c.Request.Context(), req.DeviceID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorBody{Code: "INVALID_CREDENTIALS", Message: "unknown device or bad secret"})
		return
	}
	if err := h.hasher.Compare(device.SecretHash, req.DeviceSecret); err != nil {
		c.JSON(http.StatusUnauthorized, ErrorBody{Code: "INVALID_CREDENTIALS", Message: "unknown device or bad secret"})
		return
	}

	expiresAt := time.Now().UTC().Add(h.tokenTTL)
	token, err := h.tokens.Generate(device.ID, h.tokenTTL)
	if err != nil {
		h.log.Error(err, "failed to issue token")
		c.JSON(http.StatusInternalServerError, ErrorBody{Code: "INTERNAL_ERROR", Message: "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

// Push ingests one outbox entry and answers with the server verdict.
func (h *Handler) Push(c *gin.Context) {
	deviceID := c.GetString(ContextDeviceID)

	var req transport.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{Code: "VALIDATION_ERROR", Message: err.Error()})
		return
	}
	if !req.Action.Valid() {
		c.JSON(http.StatusBadRequest, ErrorBody{Code: "VALIDATION_ERROR", Message: "invalid action"})
		return
	}

	result, err := h.store.ApplyPush(c.Request.Context(), deviceID, &req)
	if err != nil {
		h.log.Error(err, "failed to apply push")
		c.JSON(http.StatusInternalServerError, ErrorBody{Code: "INTERNAL_ERROR", Message: "failed to apply push"})
		return
	}

	if result.Success {
		h.notifyChanged(c, req.EntityType)
	}
	c.JSON(http.StatusOK, result)
}

// notifyChanged tells subscribed devices the scope has new changes.
func (h *Handler) notifyChanged(c *gin.Context, entityType string) {
	if h.broker == nil {
		return
	}
	event := messaging.Event{
		Type:   messaging.EventRemoteChanged,
		Scope:  entityType,
		Source: "server",
		At:     time.Now().UTC(),
	}
	if err := h.broker.Publish(c.Request.Context(), messaging.ChannelChanges, event); err != nil {
		h.log.Error(err, "failed to publish change signal")
	}
}

// Changes pages the change log from the caller's cursor.
func (h *Handler) Changes(c *gin.Context) {
	scope := c.DefaultQuery("scope", model.ScopeAll)
	cursor := c.Query("cursor")

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, ErrorBody{Code: "VALIDATION_ERROR", Message: "invalid limit"})
			return
		}
		limit = parsed
	}
	if limit > h.maxPageSize {
		limit = h.maxPageSize
	}

	set, err := h.store.ChangesSince(c.Request.Context(), scope, cursor, limit)
	if err != nil {
		if errors.Is(err, ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, ErrorBody{Code: "INVALID_CURSOR", Message: "cursor is not valid"})
			return
		}
		h.log.Error(err, "failed to read changes")
		c.JSON(http.StatusInternalServerError, ErrorBody{Code: "INTERNAL_ERROR", Message: "failed to read changes"})
		return
	}

	c.JSON(http.StatusOK, set)
}

// Live reports process liveness.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports database reachability.
func (h *Handler) Ready(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

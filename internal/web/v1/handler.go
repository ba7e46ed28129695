package v1

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/duynhne/session-store/internal/logger"
	logicv1 "github.com/duynhne/session-store/internal/logic/v1"
	"github.com/duynhne/session-store/middleware"
)

// Handler groups the session demo HTTP handlers for API v1.
// They expect SessionMiddleware to run first.
type Handler struct{}

// NewHandler creates a new Handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes registers all session API v1 routes on the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/session/value", h.GetValue)
	rg.PUT("/session/value", h.SetValue)
	rg.DELETE("/session/value", h.DeleteValue)
	rg.POST("/session/reset", h.Reset)
	rg.POST("/session/renew", h.Renew)
	rg.GET("/session/id", h.GetID)
}

type setValueRequest struct {
	Key   string `json:"key" binding:"required"`
	Value any    `json:"value"`
}

// GetValue returns the value stored under ?key=.
// GET /api/v1/session/value?key=foo
func (h *Handler) GetValue(c *gin.Context) {
	ctx, span := middleware.StartSpan(c.Request.Context(), "http.request", trace.WithAttributes(
		attribute.String("layer", "web"),
		attribute.String("method", c.Request.Method),
		attribute.String("path", c.Request.URL.Path),
	))
	defer span.End()

	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}

	value, ok, err := SessionFrom(c).Get(key)
	if err != nil {
		span.RecordError(err)
		logger.FromContext(ctx).Error().Err(err).Msg("Session load failed")
		respondSessionError(c, err)
		return
	}

	span.SetAttributes(attribute.Bool("session.key_present", ok))
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value, "present": ok})
}

// SetValue stores a value in the session.
// PUT /api/v1/session/value {"key": "foo", "value": "bar"}
func (h *Handler) SetValue(c *gin.Context) {
	ctx, span := middleware.StartSpan(c.Request.Context(), "http.request", trace.WithAttributes(
		attribute.String("layer", "web"),
		attribute.String("method", c.Request.Method),
		attribute.String("path", c.Request.URL.Path),
	))
	defer span.End()

	var req setValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetAttributes(attribute.Bool("request.valid", false))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := SessionFrom(c).Set(req.Key, req.Value); err != nil {
		span.RecordError(err)
		logger.FromContext(ctx).Error().Err(err).Msg("Session load failed")
		respondSessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"key": req.Key, "value": req.Value})
}

// DeleteValue removes ?key= from the session.
// DELETE /api/v1/session/value?key=foo
func (h *Handler) DeleteValue(c *gin.Context) {
	if err := SessionFrom(c).Delete(c.Query("key")); err != nil {
		respondSessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Reset ends the session. The client's cookie is cleared.
// POST /api/v1/session/reset
func (h *Handler) Reset(c *gin.Context) {
	ctx, span := middleware.StartSpan(c.Request.Context(), "http.request", trace.WithAttributes(
		attribute.String("layer", "web"),
		attribute.String("path", c.Request.URL.Path),
	))
	defer span.End()

	if err := SessionFrom(c).Reset(); err != nil {
		span.RecordError(err)
		logger.FromContext(ctx).Error().Err(err).Msg("Session reset failed")
		respondSessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Renew keeps the session contents under a new id.
// POST /api/v1/session/renew
func (h *Handler) Renew(c *gin.Context) {
	ctx, span := middleware.StartSpan(c.Request.Context(), "http.request", trace.WithAttributes(
		attribute.String("layer", "web"),
		attribute.String("path", c.Request.URL.Path),
	))
	defer span.End()

	sess := SessionFrom(c)
	if err := sess.Renew(); err != nil {
		span.RecordError(err)
		logger.FromContext(ctx).Error().Err(err).Msg("Session renew failed")
		respondSessionError(c, err)
		return
	}

	logger.FromContext(ctx).Info().Msg("Session renewed")
	c.JSON(http.StatusOK, gin.H{"id": sess.ID()})
}

// GetID returns the session id without loading the payload.
// GET /api/v1/session/id
func (h *Handler) GetID(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"id": SessionFrom(c).ID()})
}

func respondSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, logicv1.ErrSessionOverflow):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Session data too large"})
	case errors.Is(err, logicv1.ErrSessionCorrupt):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Session data unreadable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

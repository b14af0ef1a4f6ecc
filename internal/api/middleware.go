package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"print-workflow/internal/auth"
	"print-workflow/internal/errs"
	"print-workflow/internal/redisclient"
	"print-workflow/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	identityKey       = "identity"
	idempotencyHeader = "Idempotency-Key"
	replayHeader      = "Idempotent-Replayed"
	userIDHeader      = "X-User-ID"
	lockTTL           = 30 * time.Second
)

// authenticate resolves the caller's identity. Browsers cannot set headers on
// websocket upgrades, so the token (or user id) is also read from the query.
func (h *Handler) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := h.userID(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"details": err.Error(),
			})
			return
		}

		id, err := h.svc.Resolver.Resolve(c.Request.Context(), userID)
		if err != nil {
			h.respondError(c, err)
			c.Abort()
			return
		}

		c.Set(identityKey, id)
		c.Next()
	}
}

func (h *Handler) userID(c *gin.Context) (uuid.UUID, error) {
	if h.svc.Verifier != nil {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			return uuid.Nil, errors.New("missing bearer token")
		}
		return h.svc.Verifier.Verify(token)
	}

	raw := c.GetHeader(userIDHeader)
	if raw == "" {
		raw = c.Query("user_id")
	}
	if raw == "" {
		return uuid.Nil, errors.New("missing " + userIDHeader + " header")
	}
	return uuid.Parse(strings.TrimSpace(raw))
}

func identity(c *gin.Context) auth.Identity {
	if v, ok := c.Get(identityKey); ok {
		if id, ok := v.(auth.Identity); ok {
			return id
		}
	}
	return auth.Identity{}
}

type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// idempotent replays the stored response when a POST is repeated with the same
// Idempotency-Key. Redis failures degrade to running the request.
func (h *Handler) idempotent() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(idempotencyHeader))
		if h.opts.Idempotency == nil || key == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		// a client that hangs up must not leave the lock held or the response unstored
		bg := context.WithoutCancel(ctx)
		cache := h.opts.Idempotency
		scope := identity(c).UserID.String() + ":" + c.Request.URL.Path

		replayed, err := h.replay(c, scope, key)
		if err != nil {
			h.logger.Warn("Idempotency cache unavailable", zap.Error(err))
			c.Next()
			return
		}
		if replayed {
			return
		}

		lock := "idempotency:" + scope + ":" + key
		acquired, err := cache.AcquireLock(ctx, lock, lockTTL)
		if err != nil {
			h.logger.Warn("Idempotency lock unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !acquired {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "A request with this Idempotency-Key is in progress"})
			return
		}
		defer func() {
			if err := cache.ReleaseLock(bg, lock); err != nil {
				h.logger.Warn("Failed to release idempotency lock", zap.Error(err))
			}
		}()

		// the previous holder may have stored its response between the first
		// lookup and the lock
		replayed, err = h.replay(c, scope, key)
		if err != nil {
			h.logger.Warn("Idempotency cache unavailable", zap.Error(err))
			c.Next()
			return
		}
		if replayed {
			return
		}

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		status := recorder.Status()
		if status >= http.StatusInternalServerError {
			return
		}
		resp := redisclient.CachedResponse{
			Status:      status,
			ContentType: recorder.Header().Get("Content-Type"),
			Body:        recorder.body.Bytes(),
		}
		if err := cache.RememberResponse(bg, scope, key, resp, h.opts.IdempotencyTTL); err != nil {
			h.logger.Warn("Failed to store idempotent response", zap.Error(err))
		}
	}
}

// replay writes the stored response for key, if any, and aborts the chain
func (h *Handler) replay(c *gin.Context, scope, key string) (bool, error) {
	cached, err := h.opts.Idempotency.RecallResponse(c.Request.Context(), scope, key)
	if err != nil || cached == nil {
		return false, err
	}
	c.Header(replayHeader, "true")
	c.Data(cached.Status, cached.ContentType, cached.Body)
	c.Abort()
	return true, nil
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

// statusFor maps a workflow error to its HTTP status
func statusFor(err error) int {
	var e *errs.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}

	switch e.Kind.Category() {
	case errs.CategoryInput:
		return http.StatusBadRequest
	case errs.CategoryNotFound:
		return http.StatusNotFound
	case errs.CategoryForbidden:
		return http.StatusForbidden
	case errs.CategoryConflict:
		return http.StatusConflict
	case errs.CategoryBusiness:
		return http.StatusUnprocessableEntity
	case errs.CategoryDependency:
		return http.StatusBadGateway
	case errs.CategoryInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := statusFor(err)

	var e *errs.Error
	if status == http.StatusInternalServerError || !errors.As(err, &e) {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal server error", "kind": errs.KindOf(err).String()})
		return
	}

	c.JSON(status, gin.H{
		"error":    e.Message,
		"kind":     e.Kind.String(),
		"category": string(e.Kind.Category()),
	})
}

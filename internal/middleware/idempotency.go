package middleware

import (
	"bytes"
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	shopredis "shop/internal/redis"
	"shop/pkg/log"
	"shop/pkg/utils"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 128
)

type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency replays the first response for a repeated Idempotency-Key.
// Keys are scoped to the caller and route. Requests without the header pass
// through. Server errors release the key so the client can retry.
func Idempotency(store *shopredis.IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyKeyHeader)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			utils.ErrorResponse(c, utils.CodeInvalidParam, "Idempotency-Key is too long")
			c.Abort()
			return
		}

		caller, _ := GetUserID(c)
		if caller == "" {
			caller = c.ClientIP()
		}
		scoped := caller + ":" + c.Request.Method + ":" + c.FullPath() + ":" + key

		ctx := c.Request.Context()
		logger := log.WithContext(ctx).WithField("idempotency_key", key)

		reservation, stored, err := store.Begin(ctx, scoped)
		switch {
		case errors.Is(err, shopredis.ErrInFlight):
			utils.Error(c, utils.ErrDuplicateRequest)
			c.Abort()
			return
		case err != nil:
			logger.WithError(err).Warn("Idempotency store unavailable, processing without replay protection")
			c.Next()
			return
		case stored != nil:
			logger.Info("Replaying stored response")
			c.Header(ReplayedHeader, "true")
			c.Data(stored.Status, "application/json; charset=utf-8", stored.Body)
			c.Abort()
			return
		}

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		// the request context may already be past its deadline
		bg := context.WithoutCancel(ctx)
		status := w.Status()
		if status >= 500 {
			if err := reservation.Release(bg); err != nil {
				logger.WithError(err).Warn("Failed to release idempotency key")
			}
			return
		}
		if err := reservation.Complete(bg, shopredis.StoredResponse{Status: status, Body: w.body.Bytes()}); err != nil {
			logger.WithError(err).Warn("Failed to store idempotent response")
		}
	}
}

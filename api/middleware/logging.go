// Package middleware holds the gin middleware chain: correlation ids,
// request logging, panic recovery, authentication, and rate limiting.
package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// CorrelationHeader is echoed back on every response. Clients that send
	// one get it back; everyone else gets a fresh id.
	CorrelationHeader = "X-Correlation-ID"

	correlationKey = "correlation_id"
)

// CorrelationID assigns every request a correlation id and echoes it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationKey, id)
		c.Writer.Header().Set(CorrelationHeader, id)
		c.Next()
	}
}

// CorrelationFrom returns the request's correlation id, if assigned.
func CorrelationFrom(c *gin.Context) string {
	return c.GetString(correlationKey)
}

// RequestLogger logs one structured line per request.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = logger.Error()
		case status >= http.StatusBadRequest:
			event = logger.Warn()
		default:
			event = logger.Info()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("correlation_id", CorrelationFrom(c))

		if len(c.Errors) > 0 {
			event.Str("errors", c.Errors.String())
		}
		event.Msg("request")
	}
}

// Recovery converts panics into a 500 envelope instead of tearing down the
// connection.
func Recovery(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Interface("panic", r).
					Str("path", c.Request.URL.Path).
					Str("correlation_id", CorrelationFrom(c)).
					Msg("panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":       "internal",
					"message":     "internal error",
					"status_code": http.StatusInternalServerError,
				})
			}
		}()
		c.Next()
	}
}

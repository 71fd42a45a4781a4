package api

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// requestLogger logs one line per request through logrus.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		requestID := c.Request.Header.Get("X-Request-Id")
		if strings.TrimSpace(requestID) == "" {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-Id", requestID)

		c.Next()

		latency := time.Since(start).Truncate(time.Millisecond)
		status := c.Writer.Status()
		line := fmt.Sprintf("[GIN] %3d | %10v | %-6s %q", status, latency, c.Request.Method, path)

		entry := log.WithFields(log.Fields{
			"status":     status,
			"latency_ms": latency.Milliseconds(),
			"method":     c.Request.Method,
			"path":       path,
			"request_id": requestID,
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(line)
		case status >= http.StatusBadRequest:
			entry.Warn(line)
		default:
			entry.Debug(line)
		}
	}
}

func recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("recovered from panic")
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

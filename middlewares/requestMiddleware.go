package middlewares

import (
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/soporte-collab/informes-sub003/utils"
)

const CorrelationHeader = "x-correlation-id"

// CorrelationMiddleware puts the caller's correlation id (or a new one) on
// the request context and echoes it back.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(CorrelationHeader))
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Header(CorrelationHeader, cid)
		c.Next()
	}
}

// ReadinessMiddleware answers 503 until ready is set, except for /healthz.
// The server listens before its dependencies are connected.
func ReadinessMiddleware(ready *atomic.Bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}

func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		entry := logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        time.Since(start).String(),
			"correlation_id": cid,
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Info("request")
	}
}

// CORS allows every origin outside production; in production only
// CORS_ALLOWED_ORIGINS.
func CORS() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = utils.SplitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS"))
		if len(corsConfig.AllowOrigins) == 0 {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", CorrelationHeader)
	corsConfig.AddExposeHeaders("Content-Length", CorrelationHeader)
	return cors.New(corsConfig)
}

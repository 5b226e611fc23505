package http_api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/x402wrap/paygate/pkg/logger"
	"github.com/x402wrap/paygate/pkg/x402"
)

// headerAPIKey is accepted in place of "Authorization: ApiKey <key>"
const headerAPIKey = "X-API-Key"

// requestLogger logs every request once it is served
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		log.Infow("API request",
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
		)
	}
}

// recovery turns a panic into a 500 and logs it
func recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorw("Panic recovered", "error", fmt.Sprint(err), "path", c.Request.URL.Path)
				respondWithError(c, http.StatusInternalServerError, errCodeInternalError, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// setupCORS lets browser clients read challenges and send payment headers.
func setupCORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization", headerAPIKey,
			x402.HeaderPayment, x402.HeaderPaymentSignature, x402.HeaderIdempotencyKey,
		},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           time.Hour,
	})
}

// apiKeyAuth requires one of keys. With no keys configured every request passes.
func apiKeyAuth(keys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}

		key := c.GetHeader(headerAPIKey)
		if key == "" {
			parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
			if len(parts) == 2 && strings.ToLower(parts[0]) == "apikey" {
				key = strings.TrimSpace(parts[1])
			}
		}
		if key == "" {
			respondUnauthorized(c, "Missing API key")
			c.Abort()
			return
		}

		for _, k := range keys {
			if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
				c.Next()
				return
			}
		}
		respondUnauthorized(c, "Invalid API key")
		c.Abort()
	}
}

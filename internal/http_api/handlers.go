package http_api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/x402wrap/paygate/internal/models"
)

// gateway is the handler for every wrapped API request. The gate decides;
// this only writes its result.
func (s *HTTPServer) gateway(c *gin.Context) {
	result := s.gate.Handle(c.Request.Context(), &models.GateRequest{
		WrapperID: c.Param("wrapperID"),
		Path:      c.Param("path"),
		ClientIP:  c.ClientIP(),
		Request:   c.Request,
	})

	for key, values := range result.Header {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}

	if result.Upstream != nil {
		s.stream(c, result)
		return
	}
	c.JSON(result.Status, result.Body)
}

// stream copies an upstream response to the client and closes it.
func (s *HTTPServer) stream(c *gin.Context, result *models.GateResult) {
	resp := result.Upstream
	defer resp.Body.Close()

	for key, values := range resp.Header {
		c.Writer.Header()[key] = values
	}
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()

	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// the payment is already recorded, only the copy failed
		s.logger.Warnw("Failed to stream upstream response", "tx", result.Entry.TxReference, "error", err)
	}
}

func (s *HTTPServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// wrapperStats is a handler for GET /api/v1/analytics/wrappers/:id
func (s *HTTPServer) wrapperStats(c *gin.Context) {
	stats, err := s.analytics.WrapperStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondAnalyticsError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// wrapperEntries is a handler for GET /api/v1/analytics/wrappers/:id/entries.
// since accepts RFC 3339 or unix seconds.
func (s *HTTPServer) wrapperEntries(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := parseSince(raw)
		if err != nil {
			respondBadRequest(c, "Invalid since parameter", err.Error())
			return
		}
		since = parsed
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondBadRequest(c, "Invalid limit parameter", "limit must be a non negative integer")
			return
		}
		limit = n
	}

	entries, err := s.analytics.Entries(c.Request.Context(), c.Param("id"), since, limit)
	if err != nil {
		s.respondAnalyticsError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// userStats is a handler for GET /api/v1/analytics/users/:userID
func (s *HTTPServer) userStats(c *gin.Context) {
	stats, err := s.analytics.UserStats(c.Request.Context(), c.Param("userID"))
	if err != nil {
		s.respondAnalyticsError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *HTTPServer) respondAnalyticsError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrConfigUnavailable):
		s.logger.Warnw("Management API unavailable", "path", c.Request.URL.Path, "error", err)
		respondUnavailable(c, "Wrapper configuration unavailable")
	case errors.Is(err, models.ErrLedgerUnavailable):
		s.logger.Errorw("Ledger unavailable", "path", c.Request.URL.Path, "error", err)
		respondUnavailable(c, "Usage ledger unavailable")
	default:
		s.logger.Errorw("Analytics request failed", "path", c.Request.URL.Path, "error", err)
		respondInternalError(c, "Failed to load analytics")
	}
}

func parseSince(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

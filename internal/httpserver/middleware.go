package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"imobilerepair/internal/logging"
	"imobilerepair/internal/service/admin"
)

const (
	requestIDHeader = "X-Request-Id"
	reqBodyLimit    = 8 * 1024 // 8KB
	adminCtxKey     = "admin"
)

var redactedKeys = map[string]struct{}{
	"password":      {},
	"authorization": {},
	"token":         {},
	"secret":        {},
	"email":         {},
	"phone":         {},
	"address":       {},
}

func redactJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return raw
	}
	var m any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	var scrub func(any) any
	scrub = func(x any) any {
		switch v := x.(type) {
		case map[string]any:
			for k, val := range v {
				if _, ok := redactedKeys[strings.ToLower(k)]; ok {
					v[k] = "***redacted***"
					continue
				}
				v[k] = scrub(val)
			}
			return v
		case []any:
			for i := range v {
				v[i] = scrub(v[i])
			}
			return v
		default:
			return v
		}
	}
	b, err := json.Marshal(scrub(m))
	if err != nil {
		return raw
	}
	return b
}

// requestLogger attaches a request-scoped logger and logs one line per request. JSON bodies are
// logged redacted; handlers always see the original bytes. Webhook bodies are never touched.
func requestLogger(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)

		l := base.With(
			"req_id", reqID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"remote", c.ClientIP(),
		)
		logging.With(c, l)

		var reqBody string
		if c.FullPath() != "/webhook" && strings.Contains(c.GetHeader("Content-Type"), "application/json") && c.Request.Body != nil {
			body, err := io.ReadAll(io.LimitReader(c.Request.Body, reqBodyLimit+1))
			if err == nil {
				rest := c.Request.Body
				c.Request.Body = struct {
					io.Reader
					io.Closer
				}{io.MultiReader(bytes.NewReader(body), rest), rest}
				if len(body) > reqBodyLimit {
					reqBody = "...truncated..."
				} else {
					reqBody = string(redactJSON(body))
				}
			}
		}

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"status", status,
			"dur_ms", time.Since(start).Milliseconds(),
			"resp_bytes", c.Writer.Size(),
		}
		if reqBody != "" {
			attrs = append(attrs, "req_body", reqBody)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		switch {
		case status >= http.StatusInternalServerError:
			l.Error("http_request", attrs...)
		case status >= http.StatusBadRequest:
			l.Warn("http_request", attrs...)
		default:
			l.Info("http_request", attrs...)
		}
	}
}

// requireAdmin checks the operator bearer token.
func requireAdmin(auth AdminService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			unauth(c, "invalid_request", "missing bearer token")
			return
		}
		subject, err := auth.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			if errors.Is(err, admin.ErrNotConfigured) {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "admin access is not configured"})
				return
			}
			unauth(c, "invalid_token", "invalid or expired token")
			return
		}
		c.Set(adminCtxKey, subject)
		c.Next()
	}
}

func unauth(c *gin.Context, code, desc string) {
	c.Header("WWW-Authenticate", `Bearer error="`+code+`", error_description="`+desc+`"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": code, "error_description": desc})
}

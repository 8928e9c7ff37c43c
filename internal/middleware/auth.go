package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/permissions"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/rbac"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/session"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/tokens"
)

// Context keys set by RequireAuth
const (
	KeyUserID    = "user_id"
	KeyTenantID  = "tenant_id"
	KeySessionID = "session_id"
	KeyClaims    = "claims"
	KeyToken     = "access_token"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>" header
func BearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// ClaimsFrom returns the claims stored by RequireAuth
func ClaimsFrom(c *gin.Context) (*tokens.Claims, bool) {
	v, ok := c.Get(KeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*tokens.Claims)
	return claims, ok
}

// RequireAuth validates the bearer access token and, when sessions is set,
// the live session it belongs to.
func RequireAuth(tokenService *tokens.Service, sessions *session.Manager, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		ctx := c.Request.Context()
		claims, err := tokenService.ValidateToken(ctx, token, tokens.TypeAccess)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  "Invalid or expired token",
				"reason": tokens.KindOf(err),
			})
			return
		}

		if sessions != nil && claims.SessionID != "" {
			s, err := sessions.GetSession(ctx, claims.SessionID)
			if err != nil {
				logger.Error("Failed to load session", zap.String("session_id", claims.SessionID), zap.Error(err))
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session unavailable"})
				return
			}
			if s == nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session expired or terminated"})
				return
			}
			if !sessions.ValidateSessionSecurity(ctx, claims.SessionID, c.ClientIP(), c.Request.UserAgent()) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Session terminated for security reasons"})
				return
			}
			if _, err := sessions.UpdateSessionActivity(ctx, claims.SessionID); err != nil {
				logger.Warn("Failed to update session activity", zap.String("session_id", claims.SessionID), zap.Error(err))
			}
		}

		c.Set(KeyUserID, claims.UserID())
		c.Set(KeyTenantID, claims.TenantID)
		c.Set(KeySessionID, claims.SessionID)
		c.Set(KeyClaims, claims)
		c.Set(KeyToken, token)
		c.Next()
	}
}

// RequirePermission checks perm against the engine for the authenticated user
func RequirePermission(engine *rbac.Engine, perm permissions.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(KeyUserID)
		tenantID := c.GetString(KeyTenantID)
		if userID == "" || tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		res := engine.CheckUserAccess(c.Request.Context(), userID, tenantID, perm.Resource(), perm.Action(), &rbac.AccessContext{
			TenantID:   tenantID,
			ResourceID: c.Param("id"),
			IPAddress:  c.ClientIP(),
		})
		if !res.Allowed() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":      "Insufficient permissions",
				"permission": string(perm),
				"reason":     res.Reason,
			})
			return
		}
		c.Next()
	}
}

// Logger middleware for structured logging
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		logger.Info("HTTP Request",
			zap.String("method", param.Method),
			zap.String("path", param.Path),
			zap.Int("status", param.StatusCode),
			zap.Duration("latency", param.Latency),
			zap.String("client_ip", param.ClientIP),
			zap.String("user_agent", param.Request.UserAgent()),
		)
		return ""
	})
}

// CORS allows the configured origins; "*" allows any
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Device-Fingerprint")
		c.Header("Access-Control-Expose-Headers", "Retry-After")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Security middleware for security headers
func Security() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("Content-Security-Policy", "default-src 'self'")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// AuditLog records failed and state-changing requests on the audit trail
func AuditLog(trail *audit.Trail) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		status := c.Writer.Status()
		if status < http.StatusBadRequest && c.Request.Method == http.MethodGet {
			return
		}

		risk := audit.RiskLow
		result := "success"
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			risk, result = audit.RiskMedium, "denied"
		case status == http.StatusTooManyRequests:
			risk, result = audit.RiskMedium, "throttled"
		case status >= http.StatusBadRequest:
			result = "failure"
		}

		trail.Record(c.Request.Context(), audit.Event{
			TenantID:    c.GetString(KeyTenantID),
			UserID:      c.GetString(KeyUserID),
			SessionID:   c.GetString(KeySessionID),
			EventType:   audit.EventHTTPRequest,
			Description: c.Request.Method + " " + c.FullPath(),
			Resource:    c.Request.URL.Path,
			Action:      c.Request.Method,
			Result:      result,
			RiskLevel:   risk,
			IPAddress:   c.ClientIP(),
			UserAgent:   c.Request.UserAgent(),
			Details:     map[string]interface{}{"status": status},
		})
	}
}

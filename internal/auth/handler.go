package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/database"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/metrics"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/mfa"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/middleware"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/models"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/portal"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/rbac"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/session"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/tenant"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/tokens"
)

// Dependencies are the security components behind the HTTP surface
type Dependencies struct {
	Users        UserStore
	Engine       *rbac.Engine
	Orchestrator *portal.Orchestrator
	Tokens       *tokens.Service
	Sessions     *session.Manager
	MFA          *mfa.Manager
	Tenants      *tenant.Service
	Trail        *audit.Trail
	Metrics      *metrics.Metrics
}

// Handler serves authentication, session and MFA endpoints
type Handler struct {
	Dependencies
	logger *zap.Logger
	now    func() time.Time
}

// NewHandler creates a new authentication handler
func NewHandler(deps Dependencies, logger *zap.Logger) *Handler {
	return &Handler{Dependencies: deps, logger: logger, now: time.Now}
}

// PortalLogin verifies credentials and MFA, then admits the user into the portal named by :portal
func (h *Handler) PortalLogin(c *gin.Context) {
	var req models.PortalLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	portalType := portal.Type(c.Param("portal"))
	cfg, ok := h.Orchestrator.Config(portalType)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown portal"})
		return
	}

	var requireMFA bool
	if h.Tenants != nil {
		t, err := h.Tenants.GetTenant(ctx, req.TenantID)
		if err != nil && !errors.Is(err, tenant.ErrTenantNotFound) {
			h.logger.Error("Failed to load tenant", zap.String("tenant_id", req.TenantID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
			return
		}
		if t == nil || !t.Status.Operational() {
			h.loginFailed(c, req, portalType, "", "tenant_not_operational")
			c.JSON(http.StatusForbidden, gin.H{"error": "Tenant is not active"})
			return
		}
		requireMFA = t.Policy.Session.RequireMFA
	}

	user, err := h.Users.GetUserByUsername(ctx, req.TenantID, req.Username)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) && !errors.Is(err, database.ErrNotFound) {
			h.logger.Error("Failed to look up user", zap.String("username", req.Username), zap.Error(err))
		}
		h.loginFailed(c, req, portalType, "", "user_not_found")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		h.loginFailed(c, req, portalType, user.ID, "invalid_password")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	if user.Status != models.UserStatusActive {
		h.loginFailed(c, req, portalType, user.ID, "account_"+user.Status)
		c.JSON(http.StatusForbidden, gin.H{"error": "Account is not active"})
		return
	}

	up, err := h.Engine.GetUserPermissions(ctx, user.ID, req.TenantID)
	if err != nil {
		if errors.Is(err, rbac.ErrUserNotFound) {
			h.loginFailed(c, req, portalType, user.ID, "no_tenant_access")
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied to tenant"})
			return
		}
		h.logger.Error("Failed to load user permissions", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}

	methods, err := h.verifiedMethods(ctx, req.TenantID, user.ID)
	if err != nil {
		h.logger.Error("Failed to load MFA enrollments", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}
	requireMFA = requireMFA || cfg.RequireMFA || len(methods) > 0

	mfaVerified := false
	if requireMFA && len(methods) == 0 && !cfg.RequireMFA {
		c.JSON(http.StatusForbidden, gin.H{"error": "MFA enrollment required"})
		return
	}
	if requireMFA && len(methods) > 0 {
		if !h.challengeOrVerify(c, req, user.ID, methods) {
			return
		}
		mfaVerified = true
	}

	result, err := h.Orchestrator.AuthenticatePortalUser(ctx, portal.AuthRequest{
		User:              up,
		Portal:            portalType,
		AuthMethod:        portal.AuthPassword,
		MFAVerified:       mfaVerified,
		IPAddress:         c.ClientIP(),
		UserAgent:         c.Request.UserAgent(),
		DeviceFingerprint: req.DeviceFingerprint,
	})
	if err != nil {
		var denied *portal.AccessDeniedError
		if errors.As(err, &denied) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Portal access denied", "reason": denied.Reason})
			return
		}
		h.logger.Error("Portal login failed", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}

	loginAt := h.now()
	if err := h.Users.UpdateUserLastLogin(ctx, user.ID, loginAt); err != nil {
		h.logger.Warn("Failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	}
	user.LastLoginAt = &loginAt

	c.JSON(http.StatusOK, models.LoginResponse{
		AccessToken:      result.Tokens.AccessToken,
		RefreshToken:     result.Tokens.RefreshToken,
		TokenType:        result.Tokens.TokenType,
		ExpiresIn:        result.Tokens.ExpiresIn,
		RefreshExpiresIn: result.Tokens.RefreshExpiresIn,
		SessionID:        result.Session.SessionID,
		SessionExpiresAt: result.Session.ExpiresAt,
		Portal:           string(result.Portal),
		Permissions:      result.Permissions,
		User:             *user,
	})
}

// challengeOrVerify validates the submitted MFA code, or sends a code and answers with a
// challenge when none was submitted. It returns true only when the code was accepted.
func (h *Handler) challengeOrVerify(c *gin.Context, req models.PortalLoginRequest, userID string, methods []string) bool {
	ctx := c.Request.Context()
	method := mfa.Method(req.MFAMethod)
	if method == "" {
		method = mfa.Method(methods[0])
	}

	if h.MFA.IsLockedOut(req.TenantID, userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "MFA temporarily locked"})
		return false
	}

	if req.MFACode == "" {
		sent := false
		if method == mfa.MethodSMS || method == mfa.MethodEmail {
			switch err := h.MFA.SendCode(ctx, req.TenantID, userID, method); {
			case err == nil:
				sent = true
			case errors.Is(err, mfa.ErrSendThrottled):
			default:
				h.logger.Error("Failed to send MFA code", zap.String("user_id", userID), zap.Error(err))
			}
		}
		c.JSON(http.StatusUnauthorized, models.MFAChallengeResponse{
			Error:       "MFA required",
			MFARequired: true,
			Methods:     methods,
			CodeSent:    sent,
		})
		return false
	}

	if !h.MFA.ValidateMFA(ctx, req.TenantID, userID, method, req.MFACode) {
		h.loginFailed(c, req, portal.Type(c.Param("portal")), userID, "invalid_mfa_code")
		if h.MFA.IsLockedOut(req.TenantID, userID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "MFA temporarily locked"})
			return false
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid MFA code", "mfa_required": true})
		return false
	}
	return true
}

func (h *Handler) verifiedMethods(ctx context.Context, tenantID, userID string) ([]string, error) {
	if h.MFA == nil {
		return nil, nil
	}
	enrollments, err := h.MFA.Enrollments(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	var methods []string
	for _, e := range enrollments {
		if e.State == mfa.StateVerified {
			methods = append(methods, string(e.Method))
		}
	}
	if len(methods) == 0 {
		return nil, nil
	}
	if n, err := h.MFA.RemainingBackupCodes(ctx, tenantID, userID); err == nil && n > 0 {
		methods = append(methods, string(mfa.MethodBackupCode))
	}
	return methods, nil
}

func (h *Handler) loginFailed(c *gin.Context, req models.PortalLoginRequest, portalType portal.Type, userID, reason string) {
	h.Metrics.RecordAuthAttempt(string(portalType), "failure")
	h.logger.Warn("Login failed",
		zap.String("tenant_id", req.TenantID),
		zap.String("username", req.Username),
		zap.String("portal", string(portalType)),
		zap.String("reason", reason),
	)
	h.Trail.Record(c.Request.Context(), audit.Event{
		TenantID:    req.TenantID,
		UserID:      userID,
		EventType:   audit.EventLoginFailed,
		Description: "Login failed",
		Resource:    "user",
		Action:      "authenticate",
		Result:      "failure",
		RiskLevel:   audit.RiskMedium,
		IPAddress:   c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		Details:     map[string]interface{}{"username": req.Username, "portal": portalType, "reason": reason},
	})
}

// RefreshToken rotates a refresh token whose session is still live
func (h *Handler) RefreshToken(c *gin.Context) {
	var req models.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	claims, err := h.Tokens.ValidateToken(ctx, req.RefreshToken, tokens.TypeRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid refresh token", "reason": tokens.KindOf(err)})
		return
	}
	if claims.SessionID != "" {
		s, err := h.Sessions.GetSession(ctx, claims.SessionID)
		if err != nil {
			h.logger.Error("Failed to load session", zap.String("session_id", claims.SessionID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to refresh token"})
			return
		}
		if s == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Session expired"})
			return
		}
	}
	if h.Tenants != nil {
		ok, err := h.Tenants.IsOperational(ctx, claims.TenantID)
		if err != nil {
			h.logger.Error("Failed to load tenant", zap.String("tenant_id", claims.TenantID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to refresh token"})
			return
		}
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "Tenant is not active"})
			return
		}
	}

	pair, claims, err := h.Tokens.RefreshAccessToken(ctx, req.RefreshToken)
	if err != nil {
		if !isInternal(err) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid refresh token", "reason": tokens.KindOf(err)})
			return
		}
		h.logger.Error("Failed to refresh token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to refresh token"})
		return
	}
	if claims.SessionID != "" {
		if _, err := h.Sessions.UpdateSessionActivity(ctx, claims.SessionID); err != nil {
			h.logger.Warn("Failed to update session activity", zap.String("session_id", claims.SessionID), zap.Error(err))
		}
	}

	h.Trail.Record(ctx, audit.Event{
		TenantID:    claims.TenantID,
		UserID:      claims.UserID(),
		SessionID:   claims.SessionID,
		EventType:   audit.EventTokenRefreshed,
		Description: "Token pair refreshed",
		Result:      "success",
		RiskLevel:   audit.RiskLow,
		IPAddress:   c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		Details:     map[string]interface{}{"revoked_jti": claims.ID},
	})

	c.JSON(http.StatusOK, models.TokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		TokenType:        pair.TokenType,
		ExpiresIn:        pair.ExpiresIn,
		RefreshExpiresIn: pair.RefreshExpiresIn,
	})
}

// isInternal reports errors that are not token validation outcomes
func isInternal(err error) bool {
	return !errors.Is(err, tokens.ErrTokenExpired) &&
		!errors.Is(err, tokens.ErrTokenInvalid) &&
		!errors.Is(err, tokens.ErrTokenRevoked)
}

// Logout terminates the caller's session and revokes the presented tokens
func (h *Handler) Logout(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	var req models.LogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.Orchestrator.Logout(c.Request.Context(), claims, c.GetString(middleware.KeyToken), req.RefreshToken); err != nil {
		if errors.Is(err, tokens.ErrTokenInvalid) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid refresh token"})
			return
		}
		h.logger.Error("Failed to logout", zap.String("user_id", claims.UserID()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to logout"})
		return
	}

	h.logger.Info("User logged out", zap.String("user_id", claims.UserID()), zap.String("session_id", claims.SessionID))
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

// GetActiveSessions lists the caller's live sessions
func (h *Handler) GetActiveSessions(c *gin.Context) {
	userID := c.GetString(middleware.KeyUserID)
	tenantID := c.GetString(middleware.KeyTenantID)

	sessions, err := h.Sessions.GetUserSessions(c.Request.Context(), userID, tenantID)
	if err != nil {
		h.logger.Error("Failed to get sessions", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"current":  c.GetString(middleware.KeySessionID),
		"count":    len(sessions),
	})
}

// RevokeSession terminates one of the caller's sessions
func (h *Handler) RevokeSession(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session ID required"})
		return
	}
	userID := c.GetString(middleware.KeyUserID)
	tenantID := c.GetString(middleware.KeyTenantID)

	err := h.Sessions.TerminateUserSession(c.Request.Context(), userID, tenantID, sessionID, session.ReasonLogout)
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to revoke session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke session"})
		return
	}

	h.logger.Info("Session revoked", zap.String("session_id", sessionID), zap.String("revoked_by", userID))
	c.JSON(http.StatusOK, gin.H{"message": "Session revoked successfully"})
}

// EnrollTOTP starts TOTP enrollment for the caller
func (h *Handler) EnrollTOTP(c *gin.Context) {
	userID := c.GetString(middleware.KeyUserID)
	tenantID := c.GetString(middleware.KeyTenantID)

	enrollment, err := h.MFA.EnrollTOTP(c.Request.Context(), tenantID, userID, userID)
	if err != nil {
		h.mfaFail(c, "Failed to enroll TOTP", err)
		return
	}
	c.JSON(http.StatusOK, models.TOTPEnrollResponse{Secret: enrollment.Secret, URL: enrollment.URL})
}

// SendCode sends an SMS or email code, enrolling the destination when one is given
func (h *Handler) SendCode(c *gin.Context) {
	var req models.MFASendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := c.GetString(middleware.KeyUserID)
	tenantID := c.GetString(middleware.KeyTenantID)
	method := mfa.Method(req.Method)

	var err error
	if req.Destination != "" {
		err = h.MFA.EnrollCodeMethod(c.Request.Context(), tenantID, userID, method, req.Destination)
	} else {
		err = h.MFA.SendCode(c.Request.Context(), tenantID, userID, method)
	}
	if err != nil {
		h.mfaFail(c, "Failed to send verification code", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Verification code sent", "method": method})
}

// VerifyMFA checks a code for the caller, completing enrollment on first success
func (h *Handler) VerifyMFA(c *gin.Context) {
	var req models.MFAVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := c.GetString(middleware.KeyUserID)
	tenantID := c.GetString(middleware.KeyTenantID)
	method := mfa.Method(req.Method)
	if !method.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": mfa.ErrUnsupportedMethod.Error()})
		return
	}
	if h.MFA.IsLockedOut(tenantID, userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "MFA temporarily locked"})
		return
	}

	if !h.MFA.ValidateMFA(c.Request.Context(), tenantID, userID, method, req.Code) {
		if h.MFA.IsLockedOut(tenantID, userID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "MFA temporarily locked"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":           "Invalid verification code",
			"failed_attempts": h.MFA.FailedAttempts(tenantID, userID),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true, "method": method})
}

// GenerateBackupCodes replaces the caller's backup codes
func (h *Handler) GenerateBackupCodes(c *gin.Context) {
	userID := c.GetString(middleware.KeyUserID)
	tenantID := c.GetString(middleware.KeyTenantID)

	codes, err := h.MFA.GenerateBackupCodes(c.Request.Context(), tenantID, userID)
	if err != nil {
		h.mfaFail(c, "Failed to generate backup codes", err)
		return
	}
	c.JSON(http.StatusCreated, models.BackupCodesResponse{Codes: codes})
}

func (h *Handler) mfaFail(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, mfa.ErrAlreadyEnrolled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, mfa.ErrNotEnrolled):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, mfa.ErrUnsupportedMethod), errors.Is(err, mfa.ErrNoDestination):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, mfa.ErrSendThrottled):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		h.logger.Error(msg, zap.String("user_id", c.GetString(middleware.KeyUserID)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// JWKS publishes every trusted signing key
func (h *Handler) JWKS(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, h.Tokens.Keys().JWKS())
}

// GetAuditEvents queries the caller's tenant audit trail
func (h *Handler) GetAuditEvents(c *gin.Context) {
	tenantID := c.GetString(middleware.KeyTenantID)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Tenant ID required"})
		return
	}

	filter := audit.Filter{
		TenantID:  tenantID,
		UserID:    c.Query("user_id"),
		EventType: c.Query("event_type"),
		RiskLevel: audit.RiskLevel(c.Query("risk_level")),
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}
	filter.Limit = limit
	for param, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		if v := c.Query(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": param + " must be RFC3339"})
				return
			}
			*dst = t
		}
	}

	events, err := h.Trail.Query(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to get audit events", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get audit events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events), "limit": limit})
}

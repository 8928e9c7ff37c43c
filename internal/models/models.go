package models

import (
	"time"
)

// User statuses
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
	UserStatusLocked   = "locked"
)

// User is a credential record for a tenant user
type User struct {
	ID           string     `json:"id" db:"id"`
	TenantID     string     `json:"tenant_id" db:"tenant_id"`
	Username     string     `json:"username" db:"username"`
	Email        string     `json:"email" db:"email"`
	Phone        string     `json:"phone,omitempty" db:"phone"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Status       string     `json:"status" db:"status"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// PortalLoginRequest represents a portal login request
type PortalLoginRequest struct {
	Username          string `json:"username" binding:"required"`
	Password          string `json:"password" binding:"required"`
	TenantID          string `json:"tenant_id" binding:"required"`
	MFAMethod         string `json:"mfa_method"`
	MFACode           string `json:"mfa_code"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

// LoginResponse represents a successful portal login
type LoginResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int       `json:"expires_in"`
	RefreshExpiresIn int       `json:"refresh_expires_in"`
	SessionID        string    `json:"session_id"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
	Portal           string    `json:"portal"`
	Permissions      []string  `json:"permissions"`
	User             User      `json:"user"`
}

// MFAChallengeResponse tells the client a second factor is required
type MFAChallengeResponse struct {
	Error       string   `json:"error"`
	MFARequired bool     `json:"mfa_required"`
	Methods     []string `json:"methods"`
	CodeSent    bool     `json:"code_sent,omitempty"`
}

// RefreshRequest represents a token refresh request
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// TokenResponse represents a rotated token pair
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
}

// LogoutRequest optionally carries the refresh token to revoke
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TOTPEnrollResponse carries the provisioning data for an authenticator app
type TOTPEnrollResponse struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// MFASendRequest asks for a one-time code over sms or email
type MFASendRequest struct {
	Method      string `json:"method" binding:"required"`
	Destination string `json:"destination"`
}

// MFAVerifyRequest submits a second-factor code
type MFAVerifyRequest struct {
	Method string `json:"method" binding:"required"`
	Code   string `json:"code" binding:"required"`
}

// BackupCodesResponse returns freshly issued backup codes
type BackupCodesResponse struct {
	Codes []string `json:"codes"`
}

// ListResponse represents a generic list response
type ListResponse struct {
	Data  interface{} `json:"data"`
	Total int         `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

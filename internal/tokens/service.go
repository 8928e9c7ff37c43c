package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/metrics"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenType distinguishes access from refresh tokens
type TokenType string

// Token types
const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

// Claims represents JWT claims
type Claims struct {
	TenantID    string    `json:"tenant_id"`
	Type        TokenType `json:"type"`
	KeyID       string    `json:"key_id"`
	Roles       []string  `json:"roles,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	PortalType  string    `json:"portal_type,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject claim
func (c *Claims) UserID() string {
	return c.Subject
}

// Subject is the identity a token pair is issued for
type Subject struct {
	UserID      string
	TenantID    string
	Roles       []string
	Permissions []string
	SessionID   string
	PortalType  string
}

// TokenPair is an access token plus its rotating refresh token
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int       `json:"expires_in"`
	RefreshExpiresIn int       `json:"refresh_expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// ServiceOption configures Service behavior
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = issuer
		return nil
	}
}

// WithAudience sets the audience claim issued and required on validation
func WithAudience(audience string) ServiceOption {
	return func(s *Service) error {
		s.audience = audience
		return nil
	}
}

// WithAccessTTL configures access token lifetime
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithMetrics records validation outcomes in m
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// Service issues, validates, rotates and revokes RS256 tokens
type Service struct {
	keys       *KeyManager
	blacklist  Blacklist
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewService creates a new token service
func NewService(keys *KeyManager, blacklist Blacklist, logger *zap.Logger, opts ...ServiceOption) (*Service, error) {
	if keys == nil {
		return nil, errors.New("key manager is required")
	}
	if blacklist == nil {
		return nil, errors.New("token blacklist is required")
	}
	s := &Service{
		keys:       keys,
		blacklist:  blacklist,
		logger:     logger,
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.refreshTTL <= s.accessTTL {
		return nil, fmt.Errorf("refresh ttl %s must exceed access ttl %s", s.refreshTTL, s.accessTTL)
	}
	return s, nil
}

// Keys returns the key manager
func (s *Service) Keys() *KeyManager {
	return s.keys
}

// AccessTTL returns the access token lifetime
func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

// GenerateAccessToken issues a short-lived access token
func (s *Service) GenerateAccessToken(sub Subject) (string, time.Time, error) {
	return s.sign(sub, TypeAccess, s.accessTTL)
}

// GenerateRefreshToken issues a long-lived single-use refresh token
func (s *Service) GenerateRefreshToken(sub Subject) (string, time.Time, error) {
	return s.sign(sub, TypeRefresh, s.refreshTTL)
}

// GenerateTokenPair issues an access and refresh token for sub
func (s *Service) GenerateTokenPair(sub Subject) (*TokenPair, error) {
	access, accessExp, err := s.GenerateAccessToken(sub)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.GenerateRefreshToken(sub)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int(s.accessTTL.Seconds()),
		RefreshExpiresIn: int(s.refreshTTL.Seconds()),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *Service) sign(sub Subject, typ TokenType, ttl time.Duration) (string, time.Time, error) {
	if sub.UserID == "" || sub.TenantID == "" {
		return "", time.Time{}, errors.New("user id and tenant id are required")
	}
	key := s.keys.Active()
	now := s.now()
	exp := now.Add(ttl)

	claims := Claims{
		TenantID:    sub.TenantID,
		Type:        typ,
		KeyID:       key.ID,
		Roles:       sub.Roles,
		Permissions: sub.Permissions,
		SessionID:   sub.SessionID,
		PortalType:  sub.PortalType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sub.UserID,
			ExpiresAt: jwt.NewNumericDate(exp),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign %s token: %w", typ, err)
	}
	return signed, exp, nil
}

// ValidateToken verifies signature, trusted key, required claims, expiry and revocation.
// An empty expected type accepts either token type.
func (s *Service) ValidateToken(ctx context.Context, tokenString string, expected TokenType) (*Claims, error) {
	claims, err := s.validate(ctx, tokenString, expected)
	s.metrics.RecordTokenValidation(resultLabel(err))
	return claims, err
}

func (s *Service) validate(ctx context.Context, tokenString string, expected TokenType) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuedAt(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	var headerKid string
	token, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing key id")
		}
		pub, ok := s.keys.PublicKey(kid)
		if !ok {
			return nil, fmt.Errorf("untrusted key id %s", kid)
		}
		headerKid = kid
		return pub, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: unexpected claims", ErrTokenInvalid)
	}
	if err := checkRequiredClaims(claims, headerKid); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if expected != "" && claims.Type != expected {
		return nil, fmt.Errorf("%w: expected %s token, got %s", ErrTokenInvalid, expected, claims.Type)
	}

	revoked, err := s.blacklist.Exists(ctx, claims.ID)
	if err != nil {
		s.logger.Error("Failed to check token blacklist",
			zap.String("jti", claims.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: revocation status unavailable", ErrTokenInvalid)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

func checkRequiredClaims(c *Claims, headerKid string) error {
	switch {
	case c.ExpiresAt == nil:
		return errors.New("missing exp")
	case c.IssuedAt == nil:
		return errors.New("missing iat")
	case c.NotBefore == nil:
		return errors.New("missing nbf")
	case c.ID == "":
		return errors.New("missing jti")
	case c.Subject == "":
		return errors.New("missing sub")
	case c.TenantID == "":
		return errors.New("missing tenant_id")
	case c.Type != TypeAccess && c.Type != TypeRefresh:
		return fmt.Errorf("invalid type %q", c.Type)
	case c.KeyID == "" || c.KeyID != headerKid:
		return errors.New("key_id does not match signing key")
	case !c.ExpiresAt.After(c.NotBefore.Time) || c.NotBefore.Before(c.IssuedAt.Time):
		return errors.New("inconsistent token lifetime")
	}
	return nil
}

// RefreshAccessToken validates a refresh token, revokes it and issues a new pair
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenPair, *Claims, error) {
	claims, err := s.ValidateToken(ctx, refreshToken, TypeRefresh)
	if err != nil {
		return nil, nil, err
	}

	if err := s.blacklist.Add(ctx, claims.ID, s.remaining(claims)); err != nil {
		return nil, nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	pair, err := s.GenerateTokenPair(Subject{
		UserID:      claims.Subject,
		TenantID:    claims.TenantID,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		SessionID:   claims.SessionID,
		PortalType:  claims.PortalType,
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("Refresh token rotated",
		zap.String("user_id", claims.Subject),
		zap.String("tenant_id", claims.TenantID),
		zap.String("revoked_jti", claims.ID),
	)
	return pair, claims, nil
}

// RevokeToken blacklists a token until its natural expiry without verifying its signature
func (s *Service) RevokeToken(ctx context.Context, tokenString string) error {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.ID == "" {
		return fmt.Errorf("%w: missing jti", ErrTokenInvalid)
	}

	ttl := s.remaining(claims)
	if ttl <= 0 {
		return nil
	}
	if err := s.blacklist.Add(ctx, claims.ID, ttl); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.logger.Info("Token revoked",
		zap.String("jti", claims.ID),
		zap.String("user_id", claims.Subject),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// remaining is the time left until natural expiry, or the refresh lifetime when exp is absent
func (s *Service) remaining(c *Claims) time.Duration {
	if c.ExpiresAt == nil {
		return s.refreshTTL
	}
	return c.ExpiresAt.Sub(s.now())
}

func resultLabel(err error) string {
	if err == nil {
		return "valid"
	}
	return string(KindOf(err))
}

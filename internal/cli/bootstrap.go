package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/auth"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/mfa"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/models"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/permissions"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/tenant"
)

const bootstrapActor = "bootstrap"

// bootstrapOptions describes the first platform operator
type bootstrapOptions struct {
	Username string
	Password string
	Domain   string
}

// bootstrapResult is what the operator needs to sign in for the first time
type bootstrapResult struct {
	TenantID    string
	UserID      string
	OTPAuthURL  string
	BackupCodes []string
}

// bootstrapAdmin seeds an active platform tenant with a super admin. The
// admin portal requires MFA, so the account gets a confirmed TOTP factor
// and a set of backup codes.
func (a *app) bootstrapAdmin(ctx context.Context, opts bootstrapOptions) (*bootstrapResult, error) {
	if a.memUsers == nil || a.provider == nil {
		return nil, errors.New("bootstrap admin is only supported without a database")
	}
	if strings.TrimSpace(opts.Username) == "" || opts.Password == "" {
		return nil, errors.New("bootstrap admin needs a username and password")
	}

	t, err := a.tenants.RegisterTenant(ctx, tenant.RegisterRequest{Name: "Platform", Domain: opts.Domain}, bootstrapActor)
	if err != nil {
		return nil, fmt.Errorf("failed to register platform tenant: %w", err)
	}
	if _, err := a.tenants.ActivateTenant(ctx, t.ID, bootstrapActor); err != nil {
		return nil, fmt.Errorf("failed to activate platform tenant: %w", err)
	}

	hash, err := auth.HashPassword(opts.Password)
	if err != nil {
		return nil, err
	}
	userID := uuid.NewString()
	now := time.Now()
	a.memUsers.AddUser(&models.User{
		ID:           userID,
		TenantID:     t.ID,
		Username:     opts.Username,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	a.provider.SetUser(&permissions.UserPermissions{
		UserID:              userID,
		TenantID:            t.ID,
		Roles:               []permissions.Role{permissions.RoleSuperAdmin},
		ExplicitPermissions: permissions.NewSet(),
		DeniedPermissions:   permissions.NewSet(),
	})

	enrollment, err := a.mfa.EnrollTOTP(ctx, t.ID, userID, opts.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to enroll bootstrap TOTP: %w", err)
	}
	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to confirm bootstrap TOTP: %w", err)
	}
	if !a.mfa.ValidateMFA(ctx, t.ID, userID, mfa.MethodTOTP, code) {
		return nil, errors.New("failed to confirm bootstrap TOTP")
	}
	codes, err := a.mfa.GenerateBackupCodes(ctx, t.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate bootstrap backup codes: %w", err)
	}

	a.logger.Info("Bootstrap admin created",
		zap.String("tenant_id", t.ID),
		zap.String("user_id", userID),
		zap.String("username", opts.Username),
	)
	return &bootstrapResult{
		TenantID:    t.ID,
		UserID:      userID,
		OTPAuthURL:  enrollment.URL,
		BackupCodes: codes,
	}, nil
}

func (r *bootstrapResult) print(w io.Writer) {
	fmt.Fprintf(w, "Bootstrap tenant: %s\n", r.TenantID)
	fmt.Fprintf(w, "Bootstrap user:   %s\n", r.UserID)
	fmt.Fprintf(w, "TOTP: %s\n", r.OTPAuthURL)
	fmt.Fprintln(w, "Backup codes (single use):")
	for _, code := range r.BackupCodes {
		fmt.Fprintf(w, "  %s\n", code)
	}
}

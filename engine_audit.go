package authgate

import (
	"context"
	"errors"

	"github.com/kervale/authgate/internal/audit"
)

// Audit event types emitted by the engine.
const (
	auditEventLogin                 = "login"
	auditEventLoginLocked           = "login_locked"
	auditEventPasswordBreachBlocked = "password_breach_blocked"
	auditEventBreachCheckDegraded   = "breach_check_degraded"
	auditEventMFAChallengeCreated   = "mfa_challenge_created"
	auditEventMFAChallengeResent    = "mfa_challenge_resent"
	auditEventMFAConfirm            = "mfa_confirm"
	auditEventMFAReplay             = "mfa_challenge_replay"
	auditEventTrustedDeviceBypass   = "trusted_device_bypass"
	auditEventTrustedDeviceRejected = "trusted_device_rejected"
	auditEventTrustedDeviceAdded    = "trusted_device_registered"
	auditEventTrustedDeviceRevoked  = "trusted_device_revoked"
	auditEventRefreshRotated        = "refresh_rotated"
	auditEventRefreshReuseDetected  = "refresh_reuse_detected"
	auditEventSessionCeiling        = "session_ceiling_reached"
	auditEventSessionEvicted        = "session_evicted"
	auditEventLogout                = "logout"
	auditEventLogoutAll             = "logout_all"
	auditEventBackupCodeUsed        = "backup_code_used"
	auditEventBackupCodesReplaced   = "backup_codes_replaced"
	auditEventOAuthLogin            = "oauth_login"
	auditEventExchangeCodeIssued    = "exchange_code_issued"
	auditEventExchangeCodeRedeemed  = "exchange_code_redeemed"
	auditEventRegistration          = "registration"
	auditEventEmailVerification     = "email_verification"
	auditEventPasswordChanged       = "password_changed"
	auditEventPasswordHashUpgraded  = "password_hash_upgraded"
	auditEventTOTPEnrolled          = "totp_enrolled"
	auditEventTOTPDisabled          = "totp_disabled"
)

// CodeForError maps any engine error to a stable machine-readable code
// for audit records and API surfaces. Unrecognized errors map to
// "internal_error".
func CodeForError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, ErrAccountDisabled):
		return "account_disabled"
	case errors.Is(err, ErrAccountDeleted):
		return "account_deleted"
	case errors.Is(err, ErrAccountPending):
		return "account_pending"
	case errors.Is(err, ErrAccountExists):
		return "account_exists"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrPasswordBreached):
		return "password_breached"
	case errors.Is(err, ErrPasswordPolicy):
		return "password_policy"
	case errors.Is(err, ErrPasswordReuse):
		return "password_reuse"
	case errors.Is(err, ErrChallengeInvalid):
		return "challenge_invalid"
	case errors.Is(err, ErrChallengeUsed):
		return "challenge_used"
	case errors.Is(err, ErrChallengeExpired):
		return "challenge_expired"
	case errors.Is(err, ErrTooManyAttempts):
		return "challenge_attempts_exceeded"
	case errors.Is(err, ErrCodeInvalid):
		return "code_invalid"
	case errors.Is(err, ErrMFARateLimited):
		return "mfa_rate_limited"
	case errors.Is(err, ErrResendCooldown):
		return "resend_cooldown"
	case errors.Is(err, ErrMFAUnavailable):
		return "mfa_unavailable"
	case errors.Is(err, ErrTOTPNotEnrolled):
		return "totp_not_enrolled"
	case errors.Is(err, ErrTOTPFeatureDisabled):
		return "totp_disabled"
	case errors.Is(err, ErrBackupCodeInvalid):
		return "backup_code_invalid"
	case errors.Is(err, ErrRefreshInvalid):
		return "refresh_invalid"
	case errors.Is(err, ErrRefreshReuse):
		return "refresh_reuse"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrTrustedDeviceInvalid):
		return "trusted_device_invalid"
	case errors.Is(err, ErrTrustedDeviceDisabled):
		return "trusted_device_disabled"
	case errors.Is(err, ErrExchangeCodeInvalid):
		return "exchange_code_invalid"
	case errors.Is(err, ErrOAuthDisabled):
		return "oauth_disabled"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrEngineNotReady):
		return "engine_not_ready"
	default:
		return "internal_error"
	}
}

// emitAudit records one outcome. Metadata is built lazily by the caller;
// the dispatcher never blocks the calling operation when DropIfFull is
// configured.
func (e *Engine) emitAudit(ctx context.Context, eventType, accountID, clientIP, userAgent string, err error, metadata map[string]string) {
	if e.auditDispatcher == nil {
		return
	}
	if clientIP == "" {
		clientIP = clientIPFromContext(ctx)
	}
	if userAgent == "" {
		userAgent = userAgentFromContext(ctx)
	}

	e.auditDispatcher.Emit(ctx, audit.Event{
		Timestamp: e.clock(),
		EventType: eventType,
		AccountID: accountID,
		ClientIP:  clientIP,
		UserAgent: userAgent,
		Success:   err == nil,
		ErrorCode: CodeForError(err),
		Metadata:  metadata,
	})
}

// AuditDropped reports how many audit events were discarded under
// backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.auditDispatcher.Dropped()
}

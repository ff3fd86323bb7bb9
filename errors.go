package authgate

import "errors"

var (
	// ErrInvalidCredentials covers both unknown identifier and wrong
	// password; callers cannot tell the two apart.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountNotFound is returned by account stores for missing rows.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists signals a username or email uniqueness violation.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountLocked is returned while the lockout window is active.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountDisabled is returned for administratively disabled accounts.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrAccountDeleted is returned for soft-deleted accounts.
	ErrAccountDeleted = errors.New("account deleted")
	// ErrAccountPending is returned before email verification completes.
	ErrAccountPending = errors.New("account pending verification")

	// ErrPasswordBreached is returned when the breach corpus knows the
	// password and policy blocks breached credentials.
	ErrPasswordBreached = errors.New("password found in breach corpus")
	// ErrPasswordPolicy covers local password requirements.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse rejects changing a password to itself.
	ErrPasswordReuse = errors.New("new password must differ from current password")

	// ErrChallengeInvalid is returned for unknown challenge tokens.
	ErrChallengeInvalid = errors.New("challenge invalid")
	// ErrChallengeUsed is returned when a consumed challenge is replayed.
	ErrChallengeUsed = errors.New("challenge already used")
	// ErrChallengeExpired is returned past the challenge expiry.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrTooManyAttempts is returned once the per-challenge budget is
	// spent; it wins over code correctness.
	ErrTooManyAttempts = errors.New("challenge attempts exceeded")
	// ErrCodeInvalid is returned for a wrong code on a live challenge.
	ErrCodeInvalid = errors.New("invalid verification code")
	// ErrMFARateLimited is returned by the cross-challenge verification
	// tracker.
	ErrMFARateLimited = errors.New("mfa verification rate limited")
	// ErrResendCooldown is returned when a resend arrives before the
	// cooldown measured from challenge creation has elapsed.
	ErrResendCooldown = errors.New("challenge resend cooldown active")
	// ErrMFAUnavailable wraps challenge store failures.
	ErrMFAUnavailable = errors.New("mfa backend unavailable")

	// ErrTOTPNotEnrolled is returned when a TOTP operation targets an
	// account without a confirmed secret.
	ErrTOTPNotEnrolled = errors.New("totp not enrolled")
	// ErrTOTPFeatureDisabled is returned when TOTP is switched off.
	ErrTOTPFeatureDisabled = errors.New("totp feature disabled")
	// ErrBackupCodeInvalid is returned for unknown or spent backup codes.
	ErrBackupCodeInvalid = errors.New("invalid backup code")

	// ErrRefreshInvalid covers malformed, unknown and expired refresh
	// tokens.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrRefreshReuse is returned when a revoked token is presented; the
	// whole family is revoked before it surfaces.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrSessionExpired is returned when rotation would extend a session
	// past its absolute ceiling.
	ErrSessionExpired = errors.New("session lifetime ceiling reached")

	// ErrTrustedDeviceInvalid is returned for unknown, expired, or
	// fingerprint-mismatched device tokens.
	ErrTrustedDeviceInvalid = errors.New("trusted device token invalid")
	// ErrTrustedDeviceDisabled is returned when the registry is off.
	ErrTrustedDeviceDisabled = errors.New("trusted device feature disabled")

	// ErrVerificationDisabled is returned when email verification is off.
	ErrVerificationDisabled = errors.New("email verification disabled")

	// ErrExchangeCodeInvalid is returned for unknown, expired, or
	// already-redeemed exchange codes; the cases are indistinguishable.
	ErrExchangeCodeInvalid = errors.New("exchange code invalid")
	// ErrOAuthDisabled is returned when no provider registry is configured.
	ErrOAuthDisabled = errors.New("oauth linking disabled")

	// ErrTokenInvalid is returned for unverifiable access tokens.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrStoreUnavailable wraps repository and tracker infrastructure
	// failures that are not the caller's fault.
	ErrStoreUnavailable = errors.New("backing store unavailable")

	// ErrEngineNotReady is returned when Build prerequisites are missing.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// Package internaldefs holds the shared metric name and help tables used
// by every exporter, so Prometheus and OpenTelemetry surfaces stay in
// lockstep.
package internaldefs

import (
	authgate "github.com/kervale/authgate"
)

type CounterDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   authgate.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: authgate.MetricLoginSuccess, Name: "authgate_login_success_total", Help: "Successful credential logins."},
	{ID: authgate.MetricLoginFailure, Name: "authgate_login_failure_total", Help: "Failed credential logins."},
	{ID: authgate.MetricAccountLocked, Name: "authgate_account_locked_total", Help: "Logins rejected by the lockout window."},
	{ID: authgate.MetricPasswordBreachBlocked, Name: "authgate_password_breach_blocked_total", Help: "Passwords rejected for appearing in the breach corpus."},
	{ID: authgate.MetricBreachCheckHit, Name: "authgate_breach_check_hit_total", Help: "Breach lookups that found the password."},
	{ID: authgate.MetricBreachCheckUnavailable, Name: "authgate_breach_check_unavailable_total", Help: "Breach lookups that failed upstream."},
	{ID: authgate.MetricMFAChallengeCreated, Name: "authgate_mfa_challenge_created_total", Help: "Issued MFA challenges."},
	{ID: authgate.MetricMFAChallengeResent, Name: "authgate_mfa_challenge_resent_total", Help: "Resent MFA challenge codes."},
	{ID: authgate.MetricMFASuccess, Name: "authgate_mfa_success_total", Help: "Successful MFA confirmations."},
	{ID: authgate.MetricMFAFailure, Name: "authgate_mfa_failure_total", Help: "Failed MFA confirmations."},
	{ID: authgate.MetricMFAAttemptsExceeded, Name: "authgate_mfa_attempts_exceeded_total", Help: "Challenges that ran out of attempt budget."},
	{ID: authgate.MetricMFARateLimited, Name: "authgate_mfa_rate_limited_total", Help: "MFA verifications rejected by the cross-challenge limiter."},
	{ID: authgate.MetricChallengeReplay, Name: "authgate_challenge_replay_total", Help: "Replays of consumed challenges or TOTP steps."},
	{ID: authgate.MetricTrustedDeviceBypass, Name: "authgate_trusted_device_bypass_total", Help: "Logins that skipped MFA via a trusted device."},
	{ID: authgate.MetricTrustedDeviceRejected, Name: "authgate_trusted_device_rejected_total", Help: "Trusted device tokens rejected."},
	{ID: authgate.MetricTrustedDeviceRegistered, Name: "authgate_trusted_device_registered_total", Help: "Trusted device registrations."},
	{ID: authgate.MetricRefreshSuccess, Name: "authgate_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authgate.MetricRefreshFailure, Name: "authgate_refresh_failure_total", Help: "Failed refresh rotations."},
	{ID: authgate.MetricRefreshReuseDetected, Name: "authgate_refresh_reuse_detected_total", Help: "Refresh reuse detections that revoked a family."},
	{ID: authgate.MetricSessionCeilingExpired, Name: "authgate_session_ceiling_expired_total", Help: "Rotations rejected at the absolute session ceiling."},
	{ID: authgate.MetricSessionEvicted, Name: "authgate_session_evicted_total", Help: "Oldest sessions evicted by the per-account cap."},
	{ID: authgate.MetricLogout, Name: "authgate_logout_total", Help: "Single-session logouts."},
	{ID: authgate.MetricLogoutAll, Name: "authgate_logout_all_total", Help: "Logout-all operations."},
	{ID: authgate.MetricBackupCodeUsed, Name: "authgate_backup_code_used_total", Help: "Backup codes consumed successfully."},
	{ID: authgate.MetricBackupCodeFailed, Name: "authgate_backup_code_failed_total", Help: "Backup code attempts that failed."},
	{ID: authgate.MetricBackupCodeRegenerated, Name: "authgate_backup_code_regenerated_total", Help: "Backup code batch regenerations."},
	{ID: authgate.MetricOAuthLoginSuccess, Name: "authgate_oauth_login_success_total", Help: "Completed OAuth logins."},
	{ID: authgate.MetricOAuthLoginFailure, Name: "authgate_oauth_login_failure_total", Help: "Failed OAuth logins."},
	{ID: authgate.MetricExchangeCodeIssued, Name: "authgate_exchange_code_issued_total", Help: "One-time exchange codes issued."},
	{ID: authgate.MetricExchangeCodeRedeemed, Name: "authgate_exchange_code_redeemed_total", Help: "Exchange codes redeemed."},
	{ID: authgate.MetricExchangeCodeMiss, Name: "authgate_exchange_code_miss_total", Help: "Exchange code redemptions that missed."},
	{ID: authgate.MetricQuotaExhausted, Name: "authgate_quota_exhausted_total", Help: "Outbound API calls denied by the daily quota."},
	{ID: authgate.MetricRegistrationSuccess, Name: "authgate_registration_success_total", Help: "Successful account registrations."},
	{ID: authgate.MetricRegistrationDuplicate, Name: "authgate_registration_duplicate_total", Help: "Registrations rejected as duplicate."},
	{ID: authgate.MetricEmailVerificationRequest, Name: "authgate_email_verification_request_total", Help: "Email verification requests."},
	{ID: authgate.MetricEmailVerificationSuccess, Name: "authgate_email_verification_success_total", Help: "Successful email verifications."},
	{ID: authgate.MetricEmailVerificationFailure, Name: "authgate_email_verification_failure_total", Help: "Failed email verifications."},
	{ID: authgate.MetricPasswordChangeSuccess, Name: "authgate_password_change_success_total", Help: "Successful password changes."},
	{ID: authgate.MetricPasswordChangeFailure, Name: "authgate_password_change_failure_total", Help: "Failed password changes."},
	{ID: authgate.MetricPasswordHashUpgraded, Name: "authgate_password_hash_upgraded_total", Help: "Password hashes transparently upgraded on login."},
}

var HistogramDefs = []HistogramDef{
	{ID: authgate.MetricValidateLatency, Name: "authgate_validate_latency_seconds", Help: "Access token validation latency histogram."},
}

var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}

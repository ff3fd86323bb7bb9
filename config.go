package authgate

import (
	"errors"
	"time"

	"github.com/kervale/authgate/jwt"
	"github.com/kervale/authgate/password"
	"github.com/kervale/authgate/quota"
)

// Config is the full engine configuration. Zero values are filled from
// DefaultConfig by the Builder; validation is fail-fast at Build time.
type Config struct {
	Lockout       LockoutConfig
	MFA           MFAConfig
	Refresh       RefreshConfig
	TrustedDevice TrustedDeviceConfig
	Verification  VerificationConfig
	Breach        BreachConfig
	OAuth         OAuthConfig
	JWT           jwt.Config
	Password      password.Config
	Quota         quota.Config
	Audit         AuditConfig
	Metrics       MetricsConfig
}

// LockoutConfig bounds failed logins per account. At or beyond
// MaxFailures within Window, logins fail with ErrAccountLocked even when
// the password is correct.
type LockoutConfig struct {
	MaxFailures int
	Window      time.Duration
}

// MFAConfig tunes the challenge engine.
type MFAConfig struct {
	EnforceForAll    bool
	TOTPEnabled      bool
	TOTPIssuer       string
	TOTPSkew         uint
	CodeDigits       int
	ChallengeTTL     time.Duration
	ResendCooldown   time.Duration
	MaxAttempts      int
	VerifyRateMax    int
	VerifyRateWindow time.Duration
	BackupCodeCount  int
	BackupCodeLength int
}

// RefreshConfig tunes refresh-token issuance. SessionCeiling is the
// absolute lifetime measured from the first login of a family; rotation
// never extends it.
type RefreshConfig struct {
	TTL            time.Duration
	RememberMeTTL  time.Duration
	SessionCeiling time.Duration
	MaxPerAccount  int
}

// TrustedDeviceConfig tunes the MFA bypass registry.
type TrustedDeviceConfig struct {
	Enabled       bool
	TTL           time.Duration
	MaxPerAccount int
}

// VerificationConfig tunes email verification for new accounts.
type VerificationConfig struct {
	Enabled        bool
	CodeDigits     int
	TTL            time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration
}

// BreachConfig tunes the k-anonymity breach gate. FailClosed turns lookup
// outages into hard errors; the default tolerates them.
type BreachConfig struct {
	Enabled                bool
	BlockBreachedPasswords bool
	BaseURL                string
	Timeout                time.Duration
	FailClosed             bool
	UserAgent              string
}

// OAuthConfig tunes provider linking. Providers are registered on the
// Builder; ExchangeTTL bounds how long a minted one-time code stays
// redeemable.
type OAuthConfig struct {
	Enabled       bool
	ExchangeTTL   time.Duration
	ClientTimeout time.Duration
	DefaultRole   string
}

// AuditConfig tunes the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig tunes the in-process counter set.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns a conservative working configuration. JWT keys
// must still be supplied by the caller.
func DefaultConfig() Config {
	return Config{
		Lockout: LockoutConfig{
			MaxFailures: 5,
			Window:      15 * time.Minute,
		},
		MFA: MFAConfig{
			TOTPEnabled:      true,
			TOTPIssuer:       "authgate",
			TOTPSkew:         1,
			CodeDigits:       6,
			ChallengeTTL:     5 * time.Minute,
			ResendCooldown:   time.Minute,
			MaxAttempts:      5,
			VerifyRateMax:    10,
			VerifyRateWindow: 15 * time.Minute,
			BackupCodeCount:  10,
			BackupCodeLength: 10,
		},
		Refresh: RefreshConfig{
			TTL:            7 * 24 * time.Hour,
			RememberMeTTL:  30 * 24 * time.Hour,
			SessionCeiling: 90 * 24 * time.Hour,
			MaxPerAccount:  10,
		},
		TrustedDevice: TrustedDeviceConfig{
			Enabled:       true,
			TTL:           30 * 24 * time.Hour,
			MaxPerAccount: 5,
		},
		Verification: VerificationConfig{
			Enabled:        true,
			CodeDigits:     6,
			TTL:            15 * time.Minute,
			MaxAttempts:    5,
			ResendCooldown: time.Minute,
		},
		Breach: BreachConfig{
			Timeout: 3 * time.Second,
		},
		OAuth: OAuthConfig{
			ExchangeTTL:   time.Minute,
			ClientTimeout: 10 * time.Second,
			DefaultRole:   "user",
		},
		JWT: jwt.Config{
			AccessTTL:     15 * time.Minute,
			SigningMethod: jwt.MethodEd25519,
		},
		Password: password.Config{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Quota: quota.Config{
			DefaultDailyLimit: 10000,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func (c *Config) validate() error {
	if c.Lockout.MaxFailures <= 0 {
		return errors.New("lockout max failures must be positive")
	}
	if c.Lockout.Window <= 0 {
		return errors.New("lockout window must be positive")
	}
	if c.MFA.CodeDigits < 4 || c.MFA.CodeDigits > 10 {
		return errors.New("mfa code digits must be between 4 and 10")
	}
	if c.MFA.ChallengeTTL <= 0 {
		return errors.New("mfa challenge TTL must be positive")
	}
	if c.MFA.ResendCooldown < 0 || c.MFA.ResendCooldown >= c.MFA.ChallengeTTL {
		return errors.New("mfa resend cooldown must be shorter than the challenge TTL")
	}
	if c.MFA.MaxAttempts <= 0 {
		return errors.New("mfa max attempts must be positive")
	}
	if c.MFA.VerifyRateMax > 0 && c.MFA.VerifyRateWindow <= 0 {
		return errors.New("mfa verify rate window must be positive")
	}
	if c.MFA.BackupCodeCount < 0 || c.MFA.BackupCodeLength < 0 {
		return errors.New("backup code settings must not be negative")
	}
	if c.Refresh.TTL <= 0 {
		return errors.New("refresh TTL must be positive")
	}
	if c.Refresh.RememberMeTTL < c.Refresh.TTL {
		return errors.New("remember-me TTL must not be shorter than the refresh TTL")
	}
	if c.Refresh.SessionCeiling <= 0 {
		return errors.New("session ceiling must be positive")
	}
	if c.Refresh.MaxPerAccount <= 0 {
		return errors.New("refresh per-account cap must be positive")
	}
	if c.TrustedDevice.Enabled {
		if c.TrustedDevice.TTL <= 0 {
			return errors.New("trusted device TTL must be positive")
		}
		if c.TrustedDevice.MaxPerAccount <= 0 {
			return errors.New("trusted device per-account cap must be positive")
		}
	}
	if c.Verification.Enabled {
		if c.Verification.CodeDigits < 4 || c.Verification.CodeDigits > 10 {
			return errors.New("verification code digits must be between 4 and 10")
		}
		if c.Verification.TTL <= 0 {
			return errors.New("verification TTL must be positive")
		}
		if c.Verification.MaxAttempts <= 0 {
			return errors.New("verification max attempts must be positive")
		}
	}
	if c.Breach.Enabled && c.Breach.BaseURL == "" {
		return errors.New("breach base URL required when breach checking is enabled")
	}
	if c.OAuth.Enabled {
		if c.OAuth.ExchangeTTL <= 0 {
			return errors.New("oauth exchange TTL must be positive")
		}
		if c.OAuth.DefaultRole == "" {
			return errors.New("oauth default role required")
		}
	}
	return nil
}

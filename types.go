package authgate

import (
	"context"
	"time"

	"github.com/kervale/authgate/internal/audit"
)

// Clock supplies the current time. Every expiry, cooldown, lockout window
// and quota day boundary in the engine derives from it.
type Clock func() time.Time

// AccountStatus is the lifecycle state gate checked on every login.
type AccountStatus string

const (
	StatusActive   AccountStatus = "active"
	StatusPending  AccountStatus = "pending"
	StatusDisabled AccountStatus = "disabled"
	StatusDeleted  AccountStatus = "deleted"
)

// Account is the stored identity record. PasswordHash is a PHC-formatted
// Argon2id string; TOTPSecret is base32 and only honored once
// TOTPConfirmed is set.
type Account struct {
	ID                 string
	Username           string
	Email              string
	PasswordHash       string
	Roles              []string
	Status             AccountStatus
	MFAEnabled         bool
	TOTPSecret         string
	TOTPConfirmed      bool
	TOTPLastStep       int64
	MustChangePassword bool
	OAuthProvider      string
	OAuthSubject       string
	CreatedAt          time.Time
	LastLoginAt        time.Time
	LastLoginIP        string
}

// AccountStore is the identity repository contract. Identifier lookups
// match username or email case-insensitively. Create returns
// ErrAccountExists on a uniqueness violation; lookups return
// ErrAccountNotFound for missing rows.
type AccountStore interface {
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, id string) (*Account, error)
	GetByIdentifier(ctx context.Context, identifier string) (*Account, error)
	GetByOAuth(ctx context.Context, provider, subject string) (*Account, error)
	Update(ctx context.Context, account *Account) error
}

// RefreshToken is the stored half of an opaque refresh token. The client
// holds base64url(ID ‖ secret); only SecretHash survives here.
// SessionStartedAt is inherited unchanged across every rotation in the
// family and anchors the absolute session ceiling. RememberMe carries the
// login-time choice across rotations, so a token whose expiry was clipped
// by the ceiling still mints successors with the extended TTL.
type RefreshToken struct {
	ID               string
	AccountID        string
	FamilyID         string
	SecretHash       [32]byte
	CreatedAt        time.Time
	ExpiresAt        time.Time
	SessionStartedAt time.Time
	CreatedIP        string
	RememberMe       bool
	Revoked          bool
}

// RefreshTokenStore persists refresh tokens. Get returns
// ErrRefreshInvalid for unknown ids. MarkRevokedIfActive is the
// rotation serialization point: it must atomically flip Revoked and
// report whether this call did the flipping, so exactly one of any number
// of concurrent rotations wins.
type RefreshTokenStore interface {
	Create(ctx context.Context, token *RefreshToken) error
	Get(ctx context.Context, id string) (*RefreshToken, error)
	MarkRevokedIfActive(ctx context.Context, id string) (bool, error)
	RevokeFamily(ctx context.Context, accountID, familyID string) (int, error)
	RevokeAllForAccount(ctx context.Context, accountID string) (int, error)
	ActiveForAccount(ctx context.Context, accountID string) ([]*RefreshToken, error)
}

// Challenge is one pending verification: an emailed login code, a TOTP
// prompt, or an email-verification code. Consumed challenges keep their
// row (Used=true) until expiry so replays are classified correctly.
type Challenge struct {
	Token     string
	AccountID string
	Method    string
	Purpose   string
	CodeHash  [32]byte
	CreatedAt time.Time
	ExpiresAt time.Time
	Attempts  int
	Used      bool
}

// Challenge methods and purposes.
const (
	MethodEmail  = "email"
	MethodTOTP   = "totp"
	MethodBackup = "backup"

	PurposeLogin       = "login"
	PurposeEmailVerify = "email_verify"
)

// ChallengeStore persists challenges. Get returns ErrChallengeInvalid for
// unknown tokens and may return ErrChallengeExpired for rows it has
// already aged out; the engine re-checks expiry against its own clock
// either way. RecordFailure atomically bumps Attempts and returns the new
// count without deleting the row.
type ChallengeStore interface {
	Save(ctx context.Context, challenge *Challenge, ttl time.Duration) error
	Get(ctx context.Context, token string) (*Challenge, error)
	RecordFailure(ctx context.Context, token string) (int, error)
	MarkUsed(ctx context.Context, token string) error
	Refresh(ctx context.Context, token string, codeHash [32]byte, expiresAt time.Time) error
	Delete(ctx context.Context, token string) error
}

// TrustedDevice is an MFA bypass registration. TokenHash stores
// sha256(secret half of the bypass token); Fingerprint binds the token to
// the user agent and truncated network the registration came from.
type TrustedDevice struct {
	ID          string
	AccountID   string
	TokenHash   [32]byte
	Fingerprint [32]byte
	Label       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	LastUsedAt  time.Time
}

// TrustedDeviceStore persists trusted devices. Get returns
// ErrTrustedDeviceInvalid for unknown ids.
type TrustedDeviceStore interface {
	Create(ctx context.Context, device *TrustedDevice) error
	Get(ctx context.Context, id string) (*TrustedDevice, error)
	Update(ctx context.Context, device *TrustedDevice) error
	ListForAccount(ctx context.Context, accountID string) ([]*TrustedDevice, error)
	Delete(ctx context.Context, id string) error
}

// BackupCodeStore persists hashed single-use recovery codes. Replace
// swaps the whole batch; MarkUsed must be atomic and return false when
// the code was already spent or never existed.
type BackupCodeStore interface {
	Replace(ctx context.Context, accountID string, hashes [][32]byte) error
	Unused(ctx context.Context, accountID string) ([][32]byte, error)
	MarkUsed(ctx context.Context, accountID string, hash [32]byte) (bool, error)
}

// Notification is an outbound message carrying a one-time code. Delivery
// transport is the application's concern.
type Notification struct {
	AccountID string
	Email     string
	Purpose   string
	Code      string
	ExpiresAt time.Time
}

// Notifier delivers notifications. Implementations should enqueue and
// return quickly; a slow notifier stalls logins.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// LoginRequest carries one credential login attempt.
type LoginRequest struct {
	Identifier         string
	Password           string
	ClientIP           string
	UserAgent          string
	TrustedDeviceToken string
	RememberDevice     bool
	RememberMe         bool
}

// ConfirmLoginRequest completes an MFA challenge.
type ConfirmLoginRequest struct {
	ChallengeToken string
	Code           string
	Method         string
	ClientIP       string
	UserAgent      string
	RememberDevice bool
	RememberMe     bool
}

// LoginResult is returned by Login and ConfirmLogin. When MFARequired is
// set only the challenge fields are populated; no tokens exist yet.
type LoginResult struct {
	AccountID          string
	MFARequired        bool
	ChallengeToken     string
	MFAMethods         []string
	AccessToken        string
	RefreshToken       string
	AccessExpiresAt    time.Time
	TrustedDeviceToken string
	MustChangePassword bool
}

// RefreshResult is returned by RotateRefreshToken.
type RefreshResult struct {
	AccountID          string
	AccessToken        string
	RefreshToken       string
	AccessExpiresAt    time.Time
	MustChangePassword bool
}

// Audit types are re-exported so applications wiring sinks never import
// the internal package.
type (
	AuditEvent       = audit.Event
	AuditSink        = audit.Sink
	AuditNoOpSink    = audit.NoOpSink
	AuditChannelSink = audit.ChannelSink
)

// NewAuditChannelSink returns a channel-backed sink with the given buffer.
func NewAuditChannelSink(buffer int) *AuditChannelSink {
	return audit.NewChannelSink(buffer)
}

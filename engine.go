package authgate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kervale/authgate/internal"
	"github.com/kervale/authgate/internal/audit"
	"github.com/kervale/authgate/internal/trackers"
	"github.com/kervale/authgate/jwt"
	"github.com/kervale/authgate/oauth"
	"github.com/kervale/authgate/password"
	"github.com/kervale/authgate/quota"
)

// Engine is the authentication core. Construct it with a Builder; the
// zero value is not usable. All methods are safe for concurrent use.
type Engine struct {
	config Config

	accounts      AccountStore
	refreshTokens RefreshTokenStore
	challenges    ChallengeStore
	devices       TrustedDeviceStore
	backupCodes   BackupCodeStore
	notifier      Notifier

	clock  Clock
	hasher *password.Argon2
	breach *password.BreachChecker
	tokens *jwt.Manager

	loginTracker trackers.Tracker
	mfaTracker   trackers.Tracker

	quota         *quota.Limiter
	oauthRegistry *oauth.Registry
	oauthClient   *oauth.Client
	exchangeCache oauth.ExchangeCache

	auditDispatcher *audit.Dispatcher
	metrics         *Metrics
}

func lockoutKey(accountID string) string { return "lock:" + accountID }

func mfaRateKey(accountID, method string) string {
	return "mfa:" + accountID + ":" + method
}

// Login runs one credential attempt. When MFA applies, the result carries
// a challenge token instead of session tokens; complete the flow with
// ConfirmLogin.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	account, err := e.accounts.GetByIdentifier(ctx, req.Identifier)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			e.metrics.Inc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLogin, "", req.ClientIP, req.UserAgent, ErrInvalidCredentials, map[string]string{"identifier": req.Identifier})
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	passwordOK, err := e.hasher.Verify(req.Password, account.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// The lockout gate beats password correctness: a locked account stays
	// locked even when this attempt would have succeeded.
	failures, err := e.loginTracker.Count(ctx, lockoutKey(account.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if failures >= int64(e.config.Lockout.MaxFailures) {
		e.metrics.Inc(MetricAccountLocked)
		e.emitAudit(ctx, auditEventLoginLocked, account.ID, req.ClientIP, req.UserAgent, ErrAccountLocked, nil)
		return nil, ErrAccountLocked
	}

	if !passwordOK {
		if _, err := e.loginTracker.Hit(ctx, lockoutKey(account.ID), e.config.Lockout.Window); err != nil {
			log.Printf("authgate: lockout tracker unavailable: %v", err)
		}
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLogin, account.ID, req.ClientIP, req.UserAgent, ErrInvalidCredentials, nil)
		return nil, ErrInvalidCredentials
	}

	if err := statusGate(account.Status); err != nil {
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLogin, account.ID, req.ClientIP, req.UserAgent, err, nil)
		return nil, err
	}

	if err := e.breachGate(ctx, account, req.Password, req.ClientIP, req.UserAgent); err != nil {
		return nil, err
	}

	e.maybeUpgradeHash(ctx, account, req.Password)

	mfaRequired := e.config.MFA.EnforceForAll || account.MFAEnabled
	if mfaRequired && req.TrustedDeviceToken != "" && e.config.TrustedDevice.Enabled {
		if err := e.verifyTrustedDevice(ctx, account.ID, req.TrustedDeviceToken, req.ClientIP, req.UserAgent); err == nil {
			e.metrics.Inc(MetricTrustedDeviceBypass)
			e.emitAudit(ctx, auditEventTrustedDeviceBypass, account.ID, req.ClientIP, req.UserAgent, nil, nil)
			mfaRequired = false
		} else {
			e.metrics.Inc(MetricTrustedDeviceRejected)
			e.emitAudit(ctx, auditEventTrustedDeviceRejected, account.ID, req.ClientIP, req.UserAgent, err, nil)
		}
	}

	if mfaRequired {
		return e.createLoginChallenge(ctx, account, req)
	}

	return e.completeLogin(ctx, account, req.ClientIP, req.UserAgent, req.RememberMe, false)
}

func statusGate(status AccountStatus) error {
	switch status {
	case StatusActive:
		return nil
	case StatusPending:
		return ErrAccountPending
	case StatusDisabled:
		return ErrAccountDisabled
	case StatusDeleted:
		return ErrAccountDeleted
	default:
		return ErrAccountDisabled
	}
}

// breachGate consults the k-anonymity checker after the password has been
// verified, so only credentials that would otherwise succeed are checked.
func (e *Engine) breachGate(ctx context.Context, account *Account, plaintext, clientIP, userAgent string) error {
	if e.breach == nil || !e.config.Breach.Enabled {
		return nil
	}

	count, err := e.breach.IsBreached(ctx, plaintext)
	if err != nil {
		// Only surfaces under FailClosed.
		e.metrics.Inc(MetricBreachCheckUnavailable)
		e.emitAudit(ctx, auditEventBreachCheckDegraded, account.ID, clientIP, userAgent, err, nil)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if count == 0 {
		return nil
	}

	e.metrics.Inc(MetricBreachCheckHit)
	if e.config.Breach.BlockBreachedPasswords {
		e.metrics.Inc(MetricPasswordBreachBlocked)
		e.emitAudit(ctx, auditEventPasswordBreachBlocked, account.ID, clientIP, userAgent, ErrPasswordBreached, nil)
		return ErrPasswordBreached
	}

	// Non-blocking policy: let the login through but force a rotation.
	if !account.MustChangePassword {
		account.MustChangePassword = true
		if err := e.accounts.Update(ctx, account); err != nil {
			log.Printf("authgate: failed to flag breached password for rotation: %v", err)
		}
	}
	e.emitAudit(ctx, auditEventBreachCheckDegraded, account.ID, clientIP, userAgent, nil, map[string]string{"breach_hits": fmt.Sprint(count)})
	return nil
}

// maybeUpgradeHash re-hashes the verified password when stored parameters
// are weaker than the current config. Best effort; login proceeds either
// way.
func (e *Engine) maybeUpgradeHash(ctx context.Context, account *Account, plaintext string) {
	needs, err := e.hasher.NeedsUpgrade(account.PasswordHash)
	if err != nil || !needs {
		return
	}
	newHash, err := e.hasher.Hash(plaintext)
	if err != nil {
		return
	}
	account.PasswordHash = newHash
	if err := e.accounts.Update(ctx, account); err != nil {
		log.Printf("authgate: password hash upgrade failed: %v", err)
		return
	}
	e.metrics.Inc(MetricPasswordHashUpgraded)
	e.emitAudit(ctx, auditEventPasswordHashUpgraded, account.ID, "", "", nil, nil)
}

// completeLogin issues the session after every gate has passed. viaMFA
// only affects the audit metadata.
func (e *Engine) completeLogin(ctx context.Context, account *Account, clientIP, userAgent string, rememberMe, viaMFA bool) (*LoginResult, error) {
	now := e.clock()
	familyID := uuid.NewString()

	access, refresh, accessExpiry, err := e.issueTokens(ctx, account, clientIP, rememberMe, familyID, now)
	if err != nil {
		return nil, err
	}

	if err := e.loginTracker.Reset(ctx, lockoutKey(account.ID)); err != nil {
		log.Printf("authgate: lockout tracker reset failed: %v", err)
	}

	account.LastLoginAt = now
	account.LastLoginIP = clientIP
	if err := e.accounts.Update(ctx, account); err != nil {
		log.Printf("authgate: last-login update failed: %v", err)
	}

	e.metrics.Inc(MetricLoginSuccess)
	metadata := map[string]string{"family_id": familyID}
	if viaMFA {
		metadata["mfa"] = "true"
	}
	e.emitAudit(ctx, auditEventLogin, account.ID, clientIP, userAgent, nil, metadata)

	return &LoginResult{
		AccountID:          account.ID,
		AccessToken:        access,
		RefreshToken:       refresh,
		AccessExpiresAt:    accessExpiry,
		MustChangePassword: account.MustChangePassword,
	}, nil
}

// issueTokens mints the access JWT and a refresh token in the given
// family, enforcing the per-account cap by evicting the oldest active
// token first.
func (e *Engine) issueTokens(ctx context.Context, account *Account, clientIP string, rememberMe bool, familyID string, sessionStartedAt time.Time) (access, refresh string, accessExpiry time.Time, err error) {
	now := e.clock()

	active, err := e.refreshTokens.ActiveForAccount(ctx, account.ID)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(active) >= e.config.Refresh.MaxPerAccount {
		sort.Slice(active, func(i, j int) bool {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		})
		evict := len(active) - e.config.Refresh.MaxPerAccount + 1
		for _, old := range active[:evict] {
			if _, err := e.refreshTokens.MarkRevokedIfActive(ctx, old.ID); err != nil {
				return "", "", time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			e.metrics.Inc(MetricSessionEvicted)
			e.emitAudit(ctx, auditEventSessionEvicted, account.ID, clientIP, "", nil, map[string]string{"token_id": old.ID})
		}
	}

	tokenID, err := internal.NewTokenID()
	if err != nil {
		return "", "", time.Time{}, err
	}
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return "", "", time.Time{}, err
	}

	ttl := e.config.Refresh.TTL
	if rememberMe {
		ttl = e.config.Refresh.RememberMeTTL
	}
	expiresAt := now.Add(ttl)
	// The family ceiling caps every token's expiry regardless of TTL.
	if ceiling := sessionStartedAt.Add(e.config.Refresh.SessionCeiling); expiresAt.After(ceiling) {
		expiresAt = ceiling
	}

	record := &RefreshToken{
		ID:               tokenID.String(),
		AccountID:        account.ID,
		FamilyID:         familyID,
		SecretHash:       internal.HashRefreshSecret(secret),
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
		SessionStartedAt: sessionStartedAt,
		CreatedIP:        clientIP,
		RememberMe:       rememberMe,
	}
	if err := e.refreshTokens.Create(ctx, record); err != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	refresh, err = internal.EncodeRefreshToken(record.ID, secret)
	if err != nil {
		return "", "", time.Time{}, err
	}

	access, err = e.tokens.CreateAccess(account.ID, account.Username, account.Roles, account.MustChangePassword)
	if err != nil {
		return "", "", time.Time{}, err
	}

	return access, refresh, now.Add(e.tokens.AccessTTL()), nil
}

// Validate parses and verifies an access token.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*jwt.AccessClaims, error) {
	start := e.clock()

	claims, err := e.tokens.ParseAccess(accessToken)
	e.metrics.Observe(MetricValidateLatency, e.clock().Sub(start))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return claims, nil
}

// Logout revokes the presented refresh token. Idempotent: revoking an
// already-revoked token succeeds.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	tokenID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		return ErrRefreshInvalid
	}

	record, err := e.refreshTokens.Get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrRefreshInvalid) {
			return ErrRefreshInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !secretHashMatches(record.SecretHash, secret) {
		return ErrRefreshInvalid
	}

	if _, err := e.refreshTokens.MarkRevokedIfActive(ctx, tokenID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, record.AccountID, "", "", nil, nil)
	return nil
}

// LogoutAll revokes every active refresh token for the account.
func (e *Engine) LogoutAll(ctx context.Context, accountID string) (int, error) {
	n, err := e.refreshTokens.RevokeAllForAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, accountID, "", "", nil, map[string]string{"revoked": fmt.Sprint(n)})
	return n, nil
}

// MetricsSnapshot exposes the counter set for exporters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.auditDispatcher.Close()
}

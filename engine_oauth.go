package authgate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/kervale/authgate/internal"
	"github.com/kervale/authgate/oauth"
)

// OAuthBegin is everything the application needs to start one provider
// login: redirect the browser to AuthorizationURL and hold State and
// Verifier server-side until the callback returns.
type OAuthBegin struct {
	Provider         string
	State            string
	Verifier         string
	AuthorizationURL string
}

// BeginOAuthLogin starts the PKCE flow for a registered provider. A
// malformed or host-mismatched endpoint yields an error and no URL.
func (e *Engine) BeginOAuthLogin(ctx context.Context, providerName string) (*OAuthBegin, error) {
	if !e.config.OAuth.Enabled || e.oauthRegistry == nil {
		return nil, ErrOAuthDisabled
	}

	provider, err := e.oauthRegistry.Get(providerName)
	if err != nil {
		return nil, err
	}

	state, err := oauth.NewState()
	if err != nil {
		return nil, err
	}
	pkce, err := oauth.NewPKCE()
	if err != nil {
		return nil, err
	}

	authURL, err := provider.AuthorizationURL(state, pkce.Challenge)
	if err != nil {
		e.metrics.Inc(MetricOAuthLoginFailure)
		e.emitAudit(ctx, auditEventOAuthLogin, "", "", "", err, map[string]string{"provider": providerName})
		return nil, err
	}

	return &OAuthBegin{
		Provider:         providerName,
		State:            state,
		Verifier:         pkce.Verifier,
		AuthorizationURL: authURL,
	}, nil
}

// CompleteOAuthLogin redeems the provider callback: exchanges the code,
// fetches the identity, finds or creates the linked account, mints a
// session and parks it behind a one-time exchange code. The tokens
// themselves never ride the browser redirect.
func (e *Engine) CompleteOAuthLogin(ctx context.Context, providerName, code, verifier, clientIP, userAgent string) (string, error) {
	if !e.config.OAuth.Enabled || e.oauthRegistry == nil {
		return "", ErrOAuthDisabled
	}

	provider, err := e.oauthRegistry.Get(providerName)
	if err != nil {
		return "", err
	}

	token, err := e.oauthClient.Exchange(ctx, provider, code, verifier)
	if err != nil {
		e.metrics.Inc(MetricOAuthLoginFailure)
		e.emitAudit(ctx, auditEventOAuthLogin, "", clientIP, userAgent, err, map[string]string{"provider": providerName})
		return "", err
	}
	info, err := e.oauthClient.FetchUserInfo(ctx, provider, token)
	if err != nil {
		e.metrics.Inc(MetricOAuthLoginFailure)
		e.emitAudit(ctx, auditEventOAuthLogin, "", clientIP, userAgent, err, map[string]string{"provider": providerName})
		return "", err
	}

	account, err := e.findOrCreateLinkedAccount(ctx, provider.Name, info)
	if err != nil {
		return "", err
	}
	if err := statusGate(account.Status); err != nil {
		e.metrics.Inc(MetricOAuthLoginFailure)
		e.emitAudit(ctx, auditEventOAuthLogin, account.ID, clientIP, userAgent, err, nil)
		return "", err
	}

	now := e.clock()
	familyID := uuid.NewString()
	access, refresh, accessExpiry, err := e.issueTokens(ctx, account, clientIP, false, familyID, now)
	if err != nil {
		return "", err
	}

	account.LastLoginAt = now
	account.LastLoginIP = clientIP
	if err := e.accounts.Update(ctx, account); err != nil {
		log.Printf("authgate: last-login update failed: %v", err)
	}

	exchangeCode, err := internal.NewExchangeCode()
	if err != nil {
		return "", err
	}
	bundle := oauth.TokenBundle{
		AccessToken:        access,
		RefreshToken:       refresh,
		ExpiresAt:          accessExpiry,
		Email:              account.Email,
		Name:               info.Name,
		MustChangePassword: account.MustChangePassword,
	}
	if err := e.exchangeCache.Store(ctx, exchangeCode, bundle, e.config.OAuth.ExchangeTTL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricOAuthLoginSuccess)
	e.metrics.Inc(MetricExchangeCodeIssued)
	e.emitAudit(ctx, auditEventOAuthLogin, account.ID, clientIP, userAgent, nil, map[string]string{"provider": providerName})
	e.emitAudit(ctx, auditEventExchangeCodeIssued, account.ID, clientIP, userAgent, nil, nil)
	return exchangeCode, nil
}

// RedeemExchangeCode trades a one-time code for the token bundle. Codes
// redeem exactly once; expired, unknown and replayed codes are
// indistinguishable.
func (e *Engine) RedeemExchangeCode(ctx context.Context, code string) (*oauth.TokenBundle, error) {
	if !e.config.OAuth.Enabled || e.exchangeCache == nil {
		return nil, ErrOAuthDisabled
	}

	bundle, err := e.exchangeCache.Take(ctx, code)
	if err != nil {
		if errors.Is(err, oauth.ErrCodeNotFound) {
			e.metrics.Inc(MetricExchangeCodeMiss)
			e.emitAudit(ctx, auditEventExchangeCodeRedeemed, "", "", "", ErrExchangeCodeInvalid, nil)
			return nil, ErrExchangeCodeInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricExchangeCodeRedeemed)
	e.emitAudit(ctx, auditEventExchangeCodeRedeemed, "", "", "", nil, nil)
	return &bundle, nil
}

// findOrCreateLinkedAccount resolves (provider, subject) to an account,
// provisioning one with deterministic placeholder identity fields when
// the provider omits them.
func (e *Engine) findOrCreateLinkedAccount(ctx context.Context, providerName string, info oauth.UserInfo) (*Account, error) {
	account, err := e.accounts.GetByOAuth(ctx, providerName, info.Subject)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	username := sanitizeIdentifier(providerName + "_" + info.Subject)
	email := strings.TrimSpace(info.Email)
	if email == "" {
		email = username + "@" + providerName + ".invalid"
	}

	account = &Account{
		ID:            uuid.NewString(),
		Username:      username,
		Email:         email,
		Roles:         []string{e.config.OAuth.DefaultRole},
		Status:        StatusActive,
		OAuthProvider: providerName,
		OAuthSubject:  info.Subject,
		CreatedAt:     e.clock(),
	}
	if err := e.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrAccountExists) {
			// Concurrent first login for the same subject; the other
			// writer won, use its row.
			return e.accounts.GetByOAuth(ctx, providerName, info.Subject)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricRegistrationSuccess)
	e.emitAudit(ctx, auditEventRegistration, account.ID, "", "", nil, map[string]string{"provider": providerName})
	return account, nil
}

func sanitizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

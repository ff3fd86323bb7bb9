package authgate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"

	"github.com/kervale/authgate/internal"
)

func decodeRefreshToken(token string) (string, [32]byte, error) {
	return internal.DecodeRefreshToken(token)
}

func secretHashMatches(stored [32]byte, secret [32]byte) bool {
	computed := internal.HashRefreshSecret(secret)
	return subtle.ConstantTimeCompare(computed[:], stored[:]) == 1
}

// RotateRefreshToken exchanges a live refresh token for a successor in
// the same family. Presenting a revoked token, or losing the revoke race
// to a concurrent rotation, is treated as theft: the entire family is
// revoked and ErrRefreshReuse is returned.
func (e *Engine) RotateRefreshToken(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	tokenID, secret, err := decodeRefreshToken(refreshToken)
	if err != nil {
		e.metrics.Inc(MetricRefreshFailure)
		return nil, ErrRefreshInvalid
	}

	record, err := e.refreshTokens.Get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrRefreshInvalid) {
			e.metrics.Inc(MetricRefreshFailure)
			return nil, ErrRefreshInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if !secretHashMatches(record.SecretHash, secret) {
		e.metrics.Inc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshRotated, record.AccountID, "", "", ErrRefreshInvalid, nil)
		return nil, ErrRefreshInvalid
	}

	if record.Revoked {
		return nil, e.handleRefreshReuse(ctx, record)
	}

	now := e.clock()
	if now.After(record.ExpiresAt) {
		e.metrics.Inc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshRotated, record.AccountID, "", "", ErrRefreshInvalid, nil)
		return nil, ErrRefreshInvalid
	}

	// Absolute ceiling: a family ends when its first login is old enough,
	// no matter how diligently it rotates.
	if !now.Before(record.SessionStartedAt.Add(e.config.Refresh.SessionCeiling)) {
		e.metrics.Inc(MetricSessionCeilingExpired)
		if _, err := e.refreshTokens.RevokeFamily(ctx, record.AccountID, record.FamilyID); err != nil {
			log.Printf("authgate: family revocation failed: %v", err)
		}
		e.emitAudit(ctx, auditEventSessionCeiling, record.AccountID, "", "", ErrSessionExpired, map[string]string{"family_id": record.FamilyID})
		return nil, ErrSessionExpired
	}

	won, err := e.refreshTokens.MarkRevokedIfActive(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !won {
		// Someone else revoked it between our read and our CAS; from this
		// caller's perspective the token was already spent.
		return nil, e.handleRefreshReuse(ctx, record)
	}

	// Past the serialization point the presented token is burned. Finish
	// minting the successor even if the caller goes away, otherwise a
	// cancelled request would strand the session without a live token.
	issueCtx := context.WithoutCancel(ctx)

	account, err := e.accounts.GetByID(issueCtx, record.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrRefreshInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := statusGate(account.Status); err != nil {
		e.metrics.Inc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshRotated, account.ID, "", "", err, nil)
		return nil, err
	}

	access, refresh, accessExpiry, err := e.issueTokens(issueCtx, account, clientIPFromContext(ctx), record.RememberMe, record.FamilyID, record.SessionStartedAt)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshRotated, account.ID, "", "", nil, map[string]string{"family_id": record.FamilyID})

	return &RefreshResult{
		AccountID:          account.ID,
		AccessToken:        access,
		RefreshToken:       refresh,
		AccessExpiresAt:    accessExpiry,
		MustChangePassword: account.MustChangePassword,
	}, nil
}

// handleRefreshReuse revokes the whole family, successor tokens included,
// and reports the reuse.
func (e *Engine) handleRefreshReuse(ctx context.Context, record *RefreshToken) error {
	revokeCtx := context.WithoutCancel(ctx)

	n, err := e.refreshTokens.RevokeFamily(revokeCtx, record.AccountID, record.FamilyID)
	if err != nil {
		log.Printf("authgate: family revocation on reuse failed: %v", err)
	}

	e.metrics.Inc(MetricRefreshReuseDetected)
	e.emitAudit(ctx, auditEventRefreshReuseDetected, record.AccountID, "", "", ErrRefreshReuse, map[string]string{
		"family_id": record.FamilyID,
		"revoked":   fmt.Sprint(n),
	})
	return ErrRefreshReuse
}

package authgate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/kervale/authgate/internal"
)

// RegisterRequest creates a new credential account.
type RegisterRequest struct {
	Username string
	Email    string
	Password string
	Roles    []string
	ClientIP string
}

// Register creates an account. With email verification enabled the
// account starts pending and a verification code is sent; otherwise it is
// active immediately.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(req.Email)
	if username == "" || email == "" {
		return nil, fmt.Errorf("%w: username and email required", ErrPasswordPolicy)
	}

	if err := e.checkNewPassword(ctx, "", req.Password); err != nil {
		return nil, err
	}

	hash, err := e.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
	}

	status := StatusActive
	if e.config.Verification.Enabled {
		status = StatusPending
	}

	account := &Account{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Roles:        req.Roles,
		Status:       status,
		CreatedAt:    e.clock(),
	}

	if err := e.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrAccountExists) {
			e.metrics.Inc(MetricRegistrationDuplicate)
			e.emitAudit(ctx, auditEventRegistration, "", req.ClientIP, "", ErrAccountExists, map[string]string{"username": username})
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricRegistrationSuccess)
	e.emitAudit(ctx, auditEventRegistration, account.ID, req.ClientIP, "", nil, nil)

	if e.config.Verification.Enabled {
		if _, err := e.RequestEmailVerification(ctx, account.ID); err != nil {
			log.Printf("authgate: initial verification send failed: %v", err)
		}
	}

	return account, nil
}

// RequestEmailVerification issues (or reissues) the verification code for
// a pending account and returns the challenge token to confirm against.
func (e *Engine) RequestEmailVerification(ctx context.Context, accountID string) (string, error) {
	if !e.config.Verification.Enabled {
		return "", ErrVerificationDisabled
	}

	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return "", ErrAccountNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if account.Status == StatusDisabled || account.Status == StatusDeleted {
		return "", statusGate(account.Status)
	}

	if e.config.Verification.ResendCooldown > 0 {
		hits, err := e.mfaTracker.Hit(ctx, "verify_send:"+accountID, e.config.Verification.ResendCooldown)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if hits > 1 {
			return "", ErrResendCooldown
		}
	}

	now := e.clock()
	token, err := internal.NewChallengeToken()
	if err != nil {
		return "", err
	}
	code, err := internal.NewOTP(e.config.Verification.CodeDigits)
	if err != nil {
		return "", err
	}

	challenge := &Challenge{
		Token:     token,
		AccountID: account.ID,
		Method:    MethodEmail,
		Purpose:   PurposeEmailVerify,
		CodeHash:  hashCode(code),
		CreatedAt: now,
		ExpiresAt: now.Add(e.config.Verification.TTL),
	}
	if err := e.challenges.Save(ctx, challenge, 2*e.config.Verification.TTL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}

	if e.notifier == nil {
		return "", fmt.Errorf("%w: no notifier configured", ErrMFAUnavailable)
	}
	if err := e.notifier.Send(ctx, Notification{
		AccountID: account.ID,
		Email:     account.Email,
		Purpose:   PurposeEmailVerify,
		Code:      code,
		ExpiresAt: challenge.ExpiresAt,
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}

	e.metrics.Inc(MetricEmailVerificationRequest)
	e.emitAudit(ctx, auditEventEmailVerification, account.ID, "", "", nil, map[string]string{"stage": "requested"})
	return token, nil
}

// ConfirmEmailVerification flips a pending account to active on a correct
// code.
func (e *Engine) ConfirmEmailVerification(ctx context.Context, challengeToken, code string) error {
	if !e.config.Verification.Enabled {
		return ErrVerificationDisabled
	}

	challenge, err := e.getChallenge(ctx, challengeToken, PurposeEmailVerify)
	if err != nil {
		e.metrics.Inc(MetricEmailVerificationFailure)
		return err
	}
	if challenge.Used {
		e.metrics.Inc(MetricChallengeReplay)
		return ErrChallengeUsed
	}
	if challenge.Attempts >= e.config.Verification.MaxAttempts {
		e.metrics.Inc(MetricEmailVerificationFailure)
		return ErrTooManyAttempts
	}

	if !codeHashMatches(challenge.CodeHash, code) {
		if _, err := e.challenges.RecordFailure(ctx, challenge.Token); err != nil {
			log.Printf("authgate: verification failure record failed: %v", err)
		}
		e.metrics.Inc(MetricEmailVerificationFailure)
		e.emitAudit(ctx, auditEventEmailVerification, challenge.AccountID, "", "", ErrCodeInvalid, nil)
		return ErrCodeInvalid
	}

	if err := e.challenges.MarkUsed(ctx, challenge.Token); err != nil {
		return fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}

	account, err := e.accounts.GetByID(ctx, challenge.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrChallengeInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if account.Status == StatusPending {
		account.Status = StatusActive
		if err := e.accounts.Update(ctx, account); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	e.metrics.Inc(MetricEmailVerificationSuccess)
	e.emitAudit(ctx, auditEventEmailVerification, account.ID, "", "", nil, map[string]string{"stage": "confirmed"})
	return nil
}

// ChangePassword rotates the credential after re-proving the old one.
// Every refresh token for the account is revoked; open access tokens age
// out on their own.
func (e *Engine) ChangePassword(ctx context.Context, accountID, oldPassword, newPassword string) error {
	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	ok, err := e.hasher.Verify(oldPassword, account.PasswordHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		e.metrics.Inc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChanged, accountID, "", "", ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}

	if newPassword == oldPassword {
		e.metrics.Inc(MetricPasswordChangeFailure)
		return ErrPasswordReuse
	}
	if err := e.checkNewPassword(ctx, accountID, newPassword); err != nil {
		e.metrics.Inc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChanged, accountID, "", "", err, nil)
		return err
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		e.metrics.Inc(MetricPasswordChangeFailure)
		return fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
	}

	account.PasswordHash = hash
	account.MustChangePassword = false
	if err := e.accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if _, err := e.refreshTokens.RevokeAllForAccount(ctx, accountID); err != nil {
		log.Printf("authgate: session revocation after password change failed: %v", err)
	}

	e.metrics.Inc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChanged, accountID, "", "", nil, nil)
	return nil
}

// checkNewPassword applies the breach gate to a candidate password before
// it is accepted at registration or change.
func (e *Engine) checkNewPassword(ctx context.Context, accountID, candidate string) error {
	if e.breach == nil || !e.config.Breach.Enabled {
		return nil
	}

	count, err := e.breach.IsBreached(ctx, candidate)
	if err != nil {
		e.metrics.Inc(MetricBreachCheckUnavailable)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if count > 0 {
		e.metrics.Inc(MetricBreachCheckHit)
		if e.config.Breach.BlockBreachedPasswords {
			e.metrics.Inc(MetricPasswordBreachBlocked)
			e.emitAudit(ctx, auditEventPasswordBreachBlocked, accountID, "", "", ErrPasswordBreached, nil)
			return ErrPasswordBreached
		}
	}
	return nil
}

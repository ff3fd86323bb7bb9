package authgate

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"

	"github.com/kervale/authgate/internal"
)

func hashCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}

func codeHashMatches(stored [32]byte, code string) bool {
	computed := hashCode(code)
	return subtle.ConstantTimeCompare(computed[:], stored[:]) == 1
}

// createLoginChallenge opens the MFA step for an account that has cleared
// every credential gate. TOTP is preferred when enrolled and enabled;
// otherwise a one-time code is emailed.
func (e *Engine) createLoginChallenge(ctx context.Context, account *Account, req LoginRequest) (*LoginResult, error) {
	now := e.clock()

	method := MethodEmail
	if e.config.MFA.TOTPEnabled && account.TOTPConfirmed && account.TOTPSecret != "" {
		method = MethodTOTP
	}

	token, err := internal.NewChallengeToken()
	if err != nil {
		return nil, err
	}

	challenge := &Challenge{
		Token:     token,
		AccountID: account.ID,
		Method:    method,
		Purpose:   PurposeLogin,
		CreatedAt: now,
		ExpiresAt: now.Add(e.config.MFA.ChallengeTTL),
	}

	var code string
	if method == MethodEmail {
		code, err = internal.NewOTP(e.config.MFA.CodeDigits)
		if err != nil {
			return nil, err
		}
		challenge.CodeHash = hashCode(code)
	}

	if err := e.challenges.Save(ctx, challenge, 2*e.config.MFA.ChallengeTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}

	if method == MethodEmail {
		if e.notifier == nil {
			return nil, fmt.Errorf("%w: no notifier configured", ErrMFAUnavailable)
		}
		if err := e.notifier.Send(ctx, Notification{
			AccountID: account.ID,
			Email:     account.Email,
			Purpose:   PurposeLogin,
			Code:      code,
			ExpiresAt: challenge.ExpiresAt,
		}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
		}
	}

	methods := []string{method}
	if e.backupCodes != nil {
		if unused, err := e.backupCodes.Unused(ctx, account.ID); err == nil && len(unused) > 0 {
			methods = append(methods, MethodBackup)
		}
	}

	e.metrics.Inc(MetricMFAChallengeCreated)
	e.emitAudit(ctx, auditEventMFAChallengeCreated, account.ID, req.ClientIP, req.UserAgent, nil, map[string]string{"method": method})

	return &LoginResult{
		AccountID:      account.ID,
		MFARequired:    true,
		ChallengeToken: token,
		MFAMethods:     methods,
	}, nil
}

// ConfirmLogin verifies an MFA challenge and completes the login. The
// attempt budget is charged before the code is inspected, so the attempt
// after the last allowed one fails even with the right code.
func (e *Engine) ConfirmLogin(ctx context.Context, req ConfirmLoginRequest) (*LoginResult, error) {
	challenge, err := e.getChallenge(ctx, req.ChallengeToken, PurposeLogin)
	if err != nil {
		e.metrics.Inc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAConfirm, "", req.ClientIP, req.UserAgent, err, nil)
		return nil, err
	}

	account, err := e.accounts.GetByID(ctx, challenge.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrChallengeInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if challenge.Used {
		e.metrics.Inc(MetricChallengeReplay)
		e.emitAudit(ctx, auditEventMFAReplay, account.ID, req.ClientIP, req.UserAgent, ErrChallengeUsed, nil)
		return nil, ErrChallengeUsed
	}

	method := req.Method
	if method == "" {
		method = challenge.Method
	}
	if method != challenge.Method && method != MethodBackup {
		return nil, ErrChallengeInvalid
	}

	if e.config.MFA.VerifyRateMax > 0 {
		count, err := e.mfaTracker.Count(ctx, mfaRateKey(account.ID, method))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if count >= int64(e.config.MFA.VerifyRateMax) {
			e.metrics.Inc(MetricMFARateLimited)
			e.emitAudit(ctx, auditEventMFAConfirm, account.ID, req.ClientIP, req.UserAgent, ErrMFARateLimited, nil)
			return nil, ErrMFARateLimited
		}
	}

	if challenge.Attempts >= e.config.MFA.MaxAttempts {
		e.metrics.Inc(MetricMFAAttemptsExceeded)
		e.emitAudit(ctx, auditEventMFAConfirm, account.ID, req.ClientIP, req.UserAgent, ErrTooManyAttempts, nil)
		return nil, ErrTooManyAttempts
	}

	verifyErr := e.verifyChallengeCode(ctx, account, challenge, method, req.Code)
	if verifyErr != nil {
		if errors.Is(verifyErr, ErrCodeInvalid) || errors.Is(verifyErr, ErrBackupCodeInvalid) {
			if _, err := e.challenges.RecordFailure(ctx, challenge.Token); err != nil {
				log.Printf("authgate: challenge failure record failed: %v", err)
			}
			if e.config.MFA.VerifyRateMax > 0 {
				if _, err := e.mfaTracker.Hit(ctx, mfaRateKey(account.ID, method), e.config.MFA.VerifyRateWindow); err != nil {
					log.Printf("authgate: mfa tracker unavailable: %v", err)
				}
			}
		}
		e.metrics.Inc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAConfirm, account.ID, req.ClientIP, req.UserAgent, verifyErr, map[string]string{"method": method})
		return nil, verifyErr
	}

	if err := e.challenges.MarkUsed(ctx, challenge.Token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
	if e.config.MFA.VerifyRateMax > 0 {
		if err := e.mfaTracker.Reset(ctx, mfaRateKey(account.ID, method)); err != nil {
			log.Printf("authgate: mfa tracker reset failed: %v", err)
		}
	}

	var deviceToken string
	if req.RememberDevice && e.config.TrustedDevice.Enabled {
		deviceToken, err = e.registerTrustedDevice(ctx, account.ID, req.ClientIP, req.UserAgent)
		if err != nil {
			log.Printf("authgate: trusted device registration failed: %v", err)
			deviceToken = ""
		}
	}

	result, err := e.completeLogin(ctx, account, req.ClientIP, req.UserAgent, req.RememberMe, true)
	if err != nil {
		return nil, err
	}
	result.TrustedDeviceToken = deviceToken

	e.metrics.Inc(MetricMFASuccess)
	e.emitAudit(ctx, auditEventMFAConfirm, account.ID, req.ClientIP, req.UserAgent, nil, map[string]string{"method": method})
	return result, nil
}

// verifyChallengeCode dispatches on method. Email codes compare against
// the stored hash; TOTP goes to the account secret with replay
// protection; backup codes burn one entry from the stored batch.
func (e *Engine) verifyChallengeCode(ctx context.Context, account *Account, challenge *Challenge, method, code string) error {
	switch method {
	case MethodEmail:
		if !codeHashMatches(challenge.CodeHash, code) {
			return ErrCodeInvalid
		}
		return nil
	case MethodTOTP:
		return e.verifyTOTP(ctx, account, code)
	case MethodBackup:
		return e.consumeBackupCode(ctx, account.ID, code)
	default:
		return ErrChallengeInvalid
	}
}

// ResendLoginChallenge regenerates the emailed code for a live challenge
// in place: fresh code and expiry, attempt counter reset, same token and
// CreatedAt. The cooldown is anchored at CreatedAt so the first resend
// cannot happen immediately after issuance.
func (e *Engine) ResendLoginChallenge(ctx context.Context, challengeToken string) error {
	challenge, err := e.getChallenge(ctx, challengeToken, PurposeLogin)
	if err != nil {
		return err
	}
	if challenge.Used {
		return ErrChallengeUsed
	}
	if challenge.Method != MethodEmail {
		return ErrChallengeInvalid
	}

	now := e.clock()
	if now.Sub(challenge.CreatedAt) < e.config.MFA.ResendCooldown {
		return ErrResendCooldown
	}

	account, err := e.accounts.GetByID(ctx, challenge.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrChallengeInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	code, err := internal.NewOTP(e.config.MFA.CodeDigits)
	if err != nil {
		return err
	}
	expiresAt := now.Add(e.config.MFA.ChallengeTTL)

	if err := e.challenges.Refresh(ctx, challengeToken, hashCode(code), expiresAt); err != nil {
		return e.mapChallengeError(err)
	}

	if e.notifier == nil {
		return fmt.Errorf("%w: no notifier configured", ErrMFAUnavailable)
	}
	if err := e.notifier.Send(ctx, Notification{
		AccountID: account.ID,
		Email:     account.Email,
		Purpose:   PurposeLogin,
		Code:      code,
		ExpiresAt: expiresAt,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}

	e.metrics.Inc(MetricMFAChallengeResent)
	e.emitAudit(ctx, auditEventMFAChallengeResent, account.ID, "", "", nil, nil)
	return nil
}

// getChallenge fetches and classifies a challenge row: wrong purpose and
// unknown tokens look identical to the caller.
func (e *Engine) getChallenge(ctx context.Context, token, purpose string) (*Challenge, error) {
	if token == "" {
		return nil, ErrChallengeInvalid
	}

	challenge, err := e.challenges.Get(ctx, token)
	if err != nil {
		return nil, e.mapChallengeError(err)
	}
	if challenge.Purpose != purpose {
		return nil, ErrChallengeInvalid
	}
	// Consumed rows bypass the expiry check; callers classify them as
	// replays, which outranks an expired code.
	if !challenge.Used && e.clock().After(challenge.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	return challenge, nil
}

func (e *Engine) mapChallengeError(err error) error {
	switch {
	case errors.Is(err, ErrChallengeInvalid), errors.Is(err, ErrChallengeExpired), errors.Is(err, ErrChallengeUsed):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrMFAUnavailable, err)
	}
}

package authgate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpPeriod = 30

// TOTPSetup is returned from GenerateTOTPSetup. The secret is shown to
// the user once for authenticator enrollment; it is not honored for login
// until ConfirmTOTPSetup succeeds.
type TOTPSetup struct {
	SecretBase32    string
	ProvisioningURL string
}

// GenerateTOTPSetup provisions a fresh secret for the account, replacing
// any unconfirmed one.
func (e *Engine) GenerateTOTPSetup(ctx context.Context, accountID string) (*TOTPSetup, error) {
	if !e.config.MFA.TOTPEnabled {
		return nil, ErrTOTPFeatureDisabled
	}

	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	accountName := account.Email
	if accountName == "" {
		accountName = account.Username
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.config.MFA.TOTPIssuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      otp.Digits(e.config.MFA.CodeDigits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	account.TOTPSecret = key.Secret()
	account.TOTPConfirmed = false
	account.TOTPLastStep = 0
	if err := e.accounts.Update(ctx, account); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &TOTPSetup{
		SecretBase32:    key.Secret(),
		ProvisioningURL: key.URL(),
	}, nil
}

// ConfirmTOTPSetup proves the user enrolled the secret and turns TOTP on
// for the account.
func (e *Engine) ConfirmTOTPSetup(ctx context.Context, accountID, code string) error {
	if !e.config.MFA.TOTPEnabled {
		return ErrTOTPFeatureDisabled
	}

	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if account.TOTPSecret == "" {
		return ErrTOTPNotEnrolled
	}

	step, ok := e.matchTOTPStep(account.TOTPSecret, code)
	if !ok {
		return ErrCodeInvalid
	}

	account.TOTPConfirmed = true
	account.MFAEnabled = true
	account.TOTPLastStep = step
	if err := e.accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emitAudit(ctx, auditEventTOTPEnrolled, accountID, "", "", nil, nil)
	return nil
}

// DisableTOTP removes the secret. MFAEnabled stays as-is, so accounts
// with enforced MFA fall back to email challenges.
func (e *Engine) DisableTOTP(ctx context.Context, accountID string) error {
	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	account.TOTPSecret = ""
	account.TOTPConfirmed = false
	account.TOTPLastStep = 0
	if err := e.accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emitAudit(ctx, auditEventTOTPDisabled, accountID, "", "", nil, nil)
	return nil
}

// verifyTOTP checks a code against the account secret with replay
// protection: each time step authenticates at most once, so an observed
// code cannot be replayed inside its validity window.
func (e *Engine) verifyTOTP(ctx context.Context, account *Account, code string) error {
	if !e.config.MFA.TOTPEnabled {
		return ErrTOTPFeatureDisabled
	}
	if !account.TOTPConfirmed || account.TOTPSecret == "" {
		return ErrTOTPNotEnrolled
	}

	step, ok := e.matchTOTPStep(account.TOTPSecret, code)
	if !ok {
		return ErrCodeInvalid
	}
	if step <= account.TOTPLastStep {
		e.metrics.Inc(MetricChallengeReplay)
		return ErrCodeInvalid
	}

	account.TOTPLastStep = step
	if err := e.accounts.Update(ctx, account); err != nil {
		// Refusing here keeps the replay guard sound: a success that is
		// not recorded could be replayed.
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// matchTOTPStep scans the configured skew window and returns the matched
// time step. Comparison per candidate is constant-time; the scan always
// walks the full window.
func (e *Engine) matchTOTPStep(secret, code string) (int64, bool) {
	now := e.clock()
	skew := int(e.config.MFA.TOTPSkew)

	opts := totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.Digits(e.config.MFA.CodeDigits),
		Algorithm: otp.AlgorithmSHA1,
	}

	var (
		matched     bool
		matchedStep int64
	)
	for offset := -skew; offset <= skew; offset++ {
		t := now.Add(time.Duration(offset) * totpPeriod * time.Second)
		expected, err := totp.GenerateCodeCustom(secret, t, opts)
		if err != nil {
			log.Printf("authgate: totp code generation failed: %v", err)
			continue
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && !matched {
			matched = true
			matchedStep = t.Unix() / totpPeriod
		}
	}

	return matchedStep, matched
}

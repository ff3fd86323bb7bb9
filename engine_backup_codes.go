package authgate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/kervale/authgate/internal"
)

// RegenerateBackupCodes replaces the account's recovery batch and returns
// the plaintext codes. This is the only time they are visible; only
// hashes persist.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	if e.backupCodes == nil || e.config.MFA.BackupCodeCount == 0 {
		return nil, fmt.Errorf("%w: backup codes not configured", ErrEngineNotReady)
	}

	if _, err := e.accounts.GetByID(ctx, accountID); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	codes := make([]string, 0, e.config.MFA.BackupCodeCount)
	hashes := make([][32]byte, 0, e.config.MFA.BackupCodeCount)
	for i := 0; i < e.config.MFA.BackupCodeCount; i++ {
		code, err := internal.NewAlphaCode(e.config.MFA.BackupCodeLength)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hashCode(code))
	}

	if err := e.backupCodes.Replace(ctx, accountID, hashes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricBackupCodeRegenerated)
	e.emitAudit(ctx, auditEventBackupCodesReplaced, accountID, "", "", nil, map[string]string{"count": fmt.Sprint(len(codes))})
	return codes, nil
}

// consumeBackupCode burns one recovery code. The scan always walks the
// full unused set so a miss costs the same as a hit.
func (e *Engine) consumeBackupCode(ctx context.Context, accountID, code string) error {
	if e.backupCodes == nil {
		return ErrBackupCodeInvalid
	}

	normalized := strings.ToUpper(strings.NewReplacer(" ", "", "-", "").Replace(code))
	candidate := hashCode(normalized)

	unused, err := e.backupCodes.Unused(ctx, accountID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var (
		matched   bool
		matchHash [32]byte
	)
	for _, stored := range unused {
		if subtle.ConstantTimeCompare(candidate[:], stored[:]) == 1 && !matched {
			matched = true
			matchHash = stored
		}
	}
	if !matched {
		e.metrics.Inc(MetricBackupCodeFailed)
		return ErrBackupCodeInvalid
	}

	ok, err := e.backupCodes.MarkUsed(ctx, accountID, matchHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		// Lost a race with a concurrent consumption of the same code.
		e.metrics.Inc(MetricBackupCodeFailed)
		return ErrBackupCodeInvalid
	}

	e.metrics.Inc(MetricBackupCodeUsed)
	e.emitAudit(ctx, auditEventBackupCodeUsed, accountID, "", "", nil, nil)
	return nil
}

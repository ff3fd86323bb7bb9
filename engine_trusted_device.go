package authgate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/kervale/authgate/internal"
)

// verifyTrustedDevice checks a bypass token against the registry. The
// stored token hash and the recomputed request fingerprint must both
// match; the comparisons are combined so neither one short-circuits.
func (e *Engine) verifyTrustedDevice(ctx context.Context, accountID, token, clientIP, userAgent string) error {
	deviceID, secret, err := internal.DecodeDeviceToken(token)
	if err != nil {
		return ErrTrustedDeviceInvalid
	}

	device, err := e.devices.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrTrustedDeviceInvalid) {
			return ErrTrustedDeviceInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if device.AccountID != accountID {
		return ErrTrustedDeviceInvalid
	}
	if e.clock().After(device.ExpiresAt) {
		return ErrTrustedDeviceInvalid
	}

	tokenHash := internal.HashDeviceSecret(secret)
	fingerprint := internal.DeviceFingerprint(userAgent, clientIP)

	hashOK := subtle.ConstantTimeCompare(tokenHash[:], device.TokenHash[:])
	fpOK := subtle.ConstantTimeCompare(fingerprint[:], device.Fingerprint[:])
	if hashOK&fpOK != 1 {
		return ErrTrustedDeviceInvalid
	}

	device.LastUsedAt = e.clock()
	if err := e.devices.Update(ctx, device); err != nil {
		log.Printf("authgate: trusted device last-used update failed: %v", err)
	}
	return nil
}

// registerTrustedDevice mints a bypass token after a full MFA success.
// The plaintext token is returned exactly once; only its hash persists.
func (e *Engine) registerTrustedDevice(ctx context.Context, accountID, clientIP, userAgent string) (string, error) {
	now := e.clock()

	existing, err := e.devices.ListForAccount(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(existing) >= e.config.TrustedDevice.MaxPerAccount {
		sort.Slice(existing, func(i, j int) bool {
			return existing[i].CreatedAt.Before(existing[j].CreatedAt)
		})
		evict := len(existing) - e.config.TrustedDevice.MaxPerAccount + 1
		for _, old := range existing[:evict] {
			if err := e.devices.Delete(ctx, old.ID); err != nil {
				return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
		}
	}

	deviceID, err := internal.NewTokenID()
	if err != nil {
		return "", err
	}
	secret, err := internal.NewDeviceSecret()
	if err != nil {
		return "", err
	}

	label := userAgent
	if len(label) > 120 {
		label = label[:120]
	}

	device := &TrustedDevice{
		ID:          deviceID.String(),
		AccountID:   accountID,
		TokenHash:   internal.HashDeviceSecret(secret),
		Fingerprint: internal.DeviceFingerprint(userAgent, clientIP),
		Label:       label,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.config.TrustedDevice.TTL),
		LastUsedAt:  now,
	}
	if err := e.devices.Create(ctx, device); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	token, err := internal.EncodeDeviceToken(device.ID, secret)
	if err != nil {
		return "", err
	}

	e.metrics.Inc(MetricTrustedDeviceRegistered)
	e.emitAudit(ctx, auditEventTrustedDeviceAdded, accountID, clientIP, userAgent, nil, map[string]string{"device_id": device.ID})
	return token, nil
}

// ListTrustedDevices returns the account's registered devices.
func (e *Engine) ListTrustedDevices(ctx context.Context, accountID string) ([]*TrustedDevice, error) {
	if !e.config.TrustedDevice.Enabled {
		return nil, ErrTrustedDeviceDisabled
	}
	devices, err := e.devices.ListForAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return devices, nil
}

// RevokeTrustedDevice removes one registration. The device must belong to
// the account.
func (e *Engine) RevokeTrustedDevice(ctx context.Context, accountID, deviceID string) error {
	if !e.config.TrustedDevice.Enabled {
		return ErrTrustedDeviceDisabled
	}

	device, err := e.devices.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrTrustedDeviceInvalid) {
			return ErrTrustedDeviceInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if device.AccountID != accountID {
		return ErrTrustedDeviceInvalid
	}

	if err := e.devices.Delete(ctx, deviceID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emitAudit(ctx, auditEventTrustedDeviceRevoked, accountID, "", "", nil, map[string]string{"device_id": deviceID})
	return nil
}

package authgate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// SessionInfo describes one active refresh-token session.
type SessionInfo struct {
	FamilyID         string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	SessionStartedAt time.Time
	CreatedIP        string
}

// DeviceInfo describes one trusted device registration without exposing
// any secret material.
type DeviceInfo struct {
	ID         string
	Label      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastUsedAt time.Time
}

// SecurityOverview is a per-account snapshot for "review your account
// activity" surfaces.
type SecurityOverview struct {
	AccountID      string
	Sessions       []SessionInfo
	TrustedDevices []DeviceInfo
	MFAEnabled     bool
	TOTPEnrolled   bool
	LastLoginAt    time.Time
	LastLoginIP    string
}

// SecurityReport assembles the account's active sessions, trusted
// devices and MFA posture. Sessions are newest first.
func (e *Engine) SecurityReport(ctx context.Context, accountID string) (*SecurityOverview, error) {
	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := e.clock()

	active, err := e.refreshTokens.ActiveForAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sessions := make([]SessionInfo, 0, len(active))
	for _, token := range active {
		if !token.ExpiresAt.After(now) {
			continue
		}
		sessions = append(sessions, SessionInfo{
			FamilyID:         token.FamilyID,
			CreatedAt:        token.CreatedAt,
			ExpiresAt:        token.ExpiresAt,
			SessionStartedAt: token.SessionStartedAt,
			CreatedIP:        token.CreatedIP,
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	var devices []DeviceInfo
	if e.devices != nil {
		registered, err := e.devices.ListForAccount(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		for _, device := range registered {
			if !device.ExpiresAt.After(now) {
				continue
			}
			devices = append(devices, DeviceInfo{
				ID:         device.ID,
				Label:      device.Label,
				CreatedAt:  device.CreatedAt,
				ExpiresAt:  device.ExpiresAt,
				LastUsedAt: device.LastUsedAt,
			})
		}
		sort.Slice(devices, func(i, j int) bool {
			return devices[i].CreatedAt.After(devices[j].CreatedAt)
		})
	}

	return &SecurityOverview{
		AccountID:      account.ID,
		Sessions:       sessions,
		TrustedDevices: devices,
		MFAEnabled:     account.MFAEnabled,
		TOTPEnrolled:   account.TOTPConfirmed,
		LastLoginAt:    account.LastLoginAt,
		LastLoginIP:    account.LastLoginIP,
	}, nil
}

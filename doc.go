// Package authgate is an embeddable authentication and session lifecycle
// core. It owns the decision logic of login: credential verification with
// adaptive lockout, multi-factor challenges (email codes, TOTP, backup
// codes) with trusted-device bypass, refresh token rotation with
// family-wide reuse detection and an absolute session ceiling, PKCE-based
// OAuth account linking behind one-time exchange codes, and k-anonymity
// breach screening of new passwords.
//
// The engine is transport-agnostic: applications bring their own HTTP or
// RPC layer plus persistence (AccountStore, RefreshTokenStore, and
// friends) and wire everything through the Builder:
//
//	engine, err := authgate.New().
//		WithConfig(cfg).
//		WithAccountStore(accounts).
//		WithRefreshTokenStore(tokens).
//		WithChallengeStore(challenges).
//		WithTrustedDeviceStore(devices).
//		WithNotifier(mailer).
//		Build()
//
// Shared state that must be visible across instances (challenges, attempt
// counters, exchange codes, quota rows) moves to Redis automatically when
// WithRedis is supplied. Every externally triggered failure maps to a
// package-level sentinel error, so callers switch on errors.Is rather
// than string matching.
package authgate

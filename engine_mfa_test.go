package authgate_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/kervale/authgate"
)

func enforceMFA(cfg *authgate.Config) {
	cfg.MFA.EnforceForAll = true
}

func hasMethod(methods []string, want string) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}

// beginLogin runs the credential step and returns the pending challenge.
func beginLogin(t *testing.T, env *testEnv, identifier string) *authgate.LoginResult {
	t.Helper()

	result, err := env.engine.Login(context.Background(), authgate.LoginRequest{
		Identifier: identifier,
		Password:   testPassword,
	})
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if !result.MFARequired {
		t.Fatal("expected an MFA challenge")
	}
	if result.AccessToken != "" || result.RefreshToken != "" {
		t.Fatal("no tokens may exist before the challenge completes")
	}
	return result
}

func TestEmailChallengeFlow(t *testing.T) {
	env := newTestEnv(t, enforceMFA)
	account := env.register(t, "alice")
	ctx := context.Background()

	pending := beginLogin(t, env, "alice")
	if !hasMethod(pending.MFAMethods, authgate.MethodEmail) {
		t.Fatalf("methods %v missing email", pending.MFAMethods)
	}

	delivered := env.notifier.last(t)
	if delivered.AccountID != account.ID || delivered.Purpose != authgate.PurposeLogin {
		t.Fatalf("unexpected notification: %+v", delivered)
	}

	result, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           delivered.Code,
	})
	if err != nil {
		t.Fatalf("ConfirmLogin error: %v", err)
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Fatal("expected tokens after MFA")
	}

	claims, err := env.engine.Validate(ctx, result.AccessToken)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if claims.Subject != account.ID {
		t.Fatalf("claims subject = %q", claims.Subject)
	}
}

func TestConfirmWrongCodeThenRecover(t *testing.T) {
	env := newTestEnv(t, enforceMFA)
	env.register(t, "alice")
	ctx := context.Background()

	pending := beginLogin(t, env, "alice")
	code := env.notifier.last(t).Code

	_, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           wrongCode(code),
	})
	if !errors.Is(err, authgate.ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid, got %v", err)
	}

	if _, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           code,
	}); err != nil {
		t.Fatalf("ConfirmLogin after one failure: %v", err)
	}
}

func TestChallengeAttemptBudget(t *testing.T) {
	env := newTestEnv(t, func(cfg *authgate.Config) {
		enforceMFA(cfg)
		cfg.MFA.MaxAttempts = 2
	})
	env.register(t, "alice")
	ctx := context.Background()

	pending := beginLogin(t, env, "alice")
	code := env.notifier.last(t).Code

	for i := 0; i < 2; i++ {
		_, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
			ChallengeToken: pending.ChallengeToken,
			Code:           wrongCode(code),
		})
		if !errors.Is(err, authgate.ErrCodeInvalid) {
			t.Fatalf("attempt %d: expected ErrCodeInvalid, got %v", i+1, err)
		}
	}

	// The budget is spent before the code is looked at, so even the right
	// code fails now.
	_, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           code,
	})
	if !errors.Is(err, authgate.ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
}

func TestChallengeReplay(t *testing.T) {
	env := newTestEnv(t, enforceMFA)
	env.register(t, "alice")
	ctx := context.Background()

	pending := beginLogin(t, env, "alice")
	code := env.notifier.last(t).Code

	if _, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           code,
	}); err != nil {
		t.Fatalf("ConfirmLogin error: %v", err)
	}

	_, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           code,
	})
	if !errors.Is(err, authgate.ErrChallengeUsed) {
		t.Fatalf("expected ErrChallengeUsed, got %v", err)
	}
}

func TestChallengeExpiry(t *testing.T) {
	env := newTestEnv(t, enforceMFA)
	env.register(t, "alice")
	ctx := context.Background()

	pending := beginLogin(t, env, "alice")
	code := env.notifier.last(t).Code

	env.advance(6 * time.Minute)

	_, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           code,
	})
	if !errors.Is(err, authgate.ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
}

func TestResendCooldown(t *testing.T) {
	env := newTestEnv(t, enforceMFA)
	env.register(t, "alice")
	ctx := context.Background()

	pending := beginLogin(t, env, "alice")

	if err := env.engine.ResendLoginChallenge(ctx, pending.ChallengeToken); !errors.Is(err, authgate.ErrResendCooldown) {
		t.Fatalf("expected ErrResendCooldown, got %v", err)
	}

	env.advance(61 * time.Second)

	if err := env.engine.ResendLoginChallenge(ctx, pending.ChallengeToken); err != nil {
		t.Fatalf("ResendLoginChallenge error: %v", err)
	}
	if env.notifier.count() != 2 {
		t.Fatalf("notification count = %d, want 2", env.notifier.count())
	}
	newCode := env.notifier.last(t).Code

	if _, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           newCode,
	}); err != nil {
		t.Fatalf("ConfirmLogin with resent code: %v", err)
	}
}

func TestChallengeReplayAfterExpiry(t *testing.T) {
	env := newTestEnv(t, enforceMFA)
	env.register(t, "alice")
	ctx := context.Background()

	pending := beginLogin(t, env, "alice")
	code := env.notifier.last(t).Code

	if _, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           code,
	}); err != nil {
		t.Fatalf("ConfirmLogin error: %v", err)
	}

	// Past the code's expiry but inside the retention window a consumed
	// challenge still reads as a replay, not an expired code.
	env.advance(7 * time.Minute)

	_, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           code,
	})
	if !errors.Is(err, authgate.ErrChallengeUsed) {
		t.Fatalf("expected ErrChallengeUsed, got %v", err)
	}
}

func TestResendKeepsChallengeAlive(t *testing.T) {
	env := newTestEnv(t, enforceMFA)
	env.register(t, "alice")
	ctx := context.Background()

	pending := beginLogin(t, env, "alice")

	// Two resends push the code expiry well past the retention window the
	// challenge was saved with; the row has to follow the expiry.
	env.advance(4 * time.Minute)
	if err := env.engine.ResendLoginChallenge(ctx, pending.ChallengeToken); err != nil {
		t.Fatalf("first resend: %v", err)
	}
	env.advance(5 * time.Minute)
	if err := env.engine.ResendLoginChallenge(ctx, pending.ChallengeToken); err != nil {
		t.Fatalf("second resend: %v", err)
	}
	env.advance(2 * time.Minute)

	code := env.notifier.last(t).Code
	if _, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           code,
	}); err != nil {
		t.Fatalf("confirm inside the resent code's lifetime: %v", err)
	}
}

func TestVerifyRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *authgate.Config) {
		enforceMFA(cfg)
		cfg.MFA.VerifyRateMax = 2
		cfg.MFA.VerifyRateWindow = 15 * time.Minute
		cfg.MFA.MaxAttempts = 10
	})
	env.register(t, "alice")
	ctx := context.Background()

	pending := beginLogin(t, env, "alice")
	code := env.notifier.last(t).Code

	for i := 0; i < 2; i++ {
		_, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
			ChallengeToken: pending.ChallengeToken,
			Code:           wrongCode(code),
		})
		if !errors.Is(err, authgate.ErrCodeInvalid) {
			t.Fatalf("attempt %d: expected ErrCodeInvalid, got %v", i+1, err)
		}
	}

	_, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           code,
	})
	if !errors.Is(err, authgate.ErrMFARateLimited) {
		t.Fatalf("expected ErrMFARateLimited, got %v", err)
	}
}

func TestTrustedDeviceBypass(t *testing.T) {
	env := newTestEnv(t, enforceMFA)
	env.register(t, "alice")
	ctx := context.Background()

	pending := beginLogin(t, env, "alice")
	code := env.notifier.last(t).Code

	confirmed, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           code,
		RememberDevice: true,
		ClientIP:       "203.0.113.10",
		UserAgent:      "browser-1",
	})
	if err != nil {
		t.Fatalf("ConfirmLogin error: %v", err)
	}
	if confirmed.TrustedDeviceToken == "" {
		t.Fatal("expected a trusted device token")
	}

	// Same device: the challenge step is skipped.
	result, err := env.engine.Login(ctx, authgate.LoginRequest{
		Identifier:         "alice",
		Password:           testPassword,
		TrustedDeviceToken: confirmed.TrustedDeviceToken,
		ClientIP:           "203.0.113.10",
		UserAgent:          "browser-1",
	})
	if err != nil {
		t.Fatalf("Login with device token: %v", err)
	}
	if result.MFARequired {
		t.Fatal("trusted device should bypass MFA")
	}
	if result.AccessToken == "" {
		t.Fatal("expected tokens from bypassed login")
	}

	// Fingerprint drift: same token from another browser falls back to MFA.
	result, err = env.engine.Login(ctx, authgate.LoginRequest{
		Identifier:         "alice",
		Password:           testPassword,
		TrustedDeviceToken: confirmed.TrustedDeviceToken,
		ClientIP:           "203.0.113.10",
		UserAgent:          "browser-2",
	})
	if err != nil {
		t.Fatalf("Login with drifted fingerprint: %v", err)
	}
	if !result.MFARequired {
		t.Fatal("drifted fingerprint must not bypass MFA")
	}
}

func TestTrustedDeviceExpiry(t *testing.T) {
	env := newTestEnv(t, func(cfg *authgate.Config) {
		enforceMFA(cfg)
		cfg.TrustedDevice.TTL = 24 * time.Hour
	})
	env.register(t, "alice")
	ctx := context.Background()

	pending := beginLogin(t, env, "alice")
	confirmed, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           env.notifier.last(t).Code,
		RememberDevice: true,
		ClientIP:       "203.0.113.10",
		UserAgent:      "browser-1",
	})
	if err != nil {
		t.Fatalf("ConfirmLogin error: %v", err)
	}

	env.advance(25 * time.Hour)

	result, err := env.engine.Login(ctx, authgate.LoginRequest{
		Identifier:         "alice",
		Password:           testPassword,
		TrustedDeviceToken: confirmed.TrustedDeviceToken,
		ClientIP:           "203.0.113.10",
		UserAgent:          "browser-1",
	})
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if !result.MFARequired {
		t.Fatal("expired device must not bypass MFA")
	}
}

func totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()

	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("generate totp code: %v", err)
	}
	return code
}

func TestTOTPEnrollAndLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	account := env.register(t, "alice")
	ctx := context.Background()

	setup, err := env.engine.GenerateTOTPSetup(ctx, account.ID)
	if err != nil {
		t.Fatalf("GenerateTOTPSetup error: %v", err)
	}
	if setup.SecretBase32 == "" || !strings.Contains(setup.ProvisioningURL, "otpauth://") {
		t.Fatalf("unexpected setup: %+v", setup)
	}

	// The secret is not honored until confirmed.
	result, err := env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: testPassword})
	if err != nil {
		t.Fatalf("Login before confirmation: %v", err)
	}
	if result.MFARequired {
		t.Fatal("unconfirmed TOTP must not require MFA")
	}

	if err := env.engine.ConfirmTOTPSetup(ctx, account.ID, totpCode(t, setup.SecretBase32, *env.now)); err != nil {
		t.Fatalf("ConfirmTOTPSetup error: %v", err)
	}

	env.advance(30 * time.Second)

	pending := beginLogin(t, env, "alice")
	if !hasMethod(pending.MFAMethods, authgate.MethodTOTP) {
		t.Fatalf("methods %v missing totp", pending.MFAMethods)
	}

	code := totpCode(t, setup.SecretBase32, *env.now)
	confirmed, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Code:           code,
	})
	if err != nil {
		t.Fatalf("ConfirmLogin error: %v", err)
	}
	if confirmed.AccessToken == "" {
		t.Fatal("expected tokens")
	}

	// A code observed in one window cannot authenticate a second time.
	replay := beginLogin(t, env, "alice")
	_, err = env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: replay.ChallengeToken,
		Code:           code,
	})
	if !errors.Is(err, authgate.ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid on step replay, got %v", err)
	}

	env.advance(30 * time.Second)
	if _, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: replay.ChallengeToken,
		Code:           totpCode(t, setup.SecretBase32, *env.now),
	}); err != nil {
		t.Fatalf("ConfirmLogin with fresh step: %v", err)
	}
}

func TestDisableTOTPFallsBackToEmail(t *testing.T) {
	env := newTestEnv(t, enforceMFA)
	account := env.register(t, "alice")
	ctx := context.Background()

	setup, err := env.engine.GenerateTOTPSetup(ctx, account.ID)
	if err != nil {
		t.Fatalf("GenerateTOTPSetup error: %v", err)
	}
	if err := env.engine.ConfirmTOTPSetup(ctx, account.ID, totpCode(t, setup.SecretBase32, *env.now)); err != nil {
		t.Fatalf("ConfirmTOTPSetup error: %v", err)
	}

	if err := env.engine.DisableTOTP(ctx, account.ID); err != nil {
		t.Fatalf("DisableTOTP error: %v", err)
	}

	pending := beginLogin(t, env, "alice")
	if !hasMethod(pending.MFAMethods, authgate.MethodEmail) {
		t.Fatalf("methods %v: expected fallback to email", pending.MFAMethods)
	}
}

func TestBackupCodeLogin(t *testing.T) {
	env := newTestEnv(t, enforceMFA)
	account := env.register(t, "alice")
	ctx := context.Background()

	codes, err := env.engine.RegenerateBackupCodes(ctx, account.ID)
	if err != nil {
		t.Fatalf("RegenerateBackupCodes error: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("got %d backup codes, want 10", len(codes))
	}

	pending := beginLogin(t, env, "alice")
	if !hasMethod(pending.MFAMethods, authgate.MethodBackup) {
		t.Fatalf("methods %v missing backup", pending.MFAMethods)
	}

	// Codes are accepted in any formatting the user pastes.
	formatted := strings.ToLower(codes[0][:5] + "-" + codes[0][5:])
	if _, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: pending.ChallengeToken,
		Method:         authgate.MethodBackup,
		Code:           formatted,
	}); err != nil {
		t.Fatalf("ConfirmLogin with backup code: %v", err)
	}

	// The code burned above is gone.
	second := beginLogin(t, env, "alice")
	_, err = env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: second.ChallengeToken,
		Method:         authgate.MethodBackup,
		Code:           codes[0],
	})
	if !errors.Is(err, authgate.ErrBackupCodeInvalid) {
		t.Fatalf("expected ErrBackupCodeInvalid, got %v", err)
	}

	if _, err := env.engine.ConfirmLogin(ctx, authgate.ConfirmLoginRequest{
		ChallengeToken: second.ChallengeToken,
		Method:         authgate.MethodBackup,
		Code:           codes[1],
	}); err != nil {
		t.Fatalf("ConfirmLogin with the next code: %v", err)
	}
}

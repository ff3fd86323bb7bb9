package authgate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kervale/authgate"
	"github.com/kervale/authgate/jwt"
	"github.com/kervale/authgate/memstore"
	"github.com/kervale/authgate/password"
)

const testPassword = "correct-horse-battery-staple"

type captureNotifier struct {
	mu   sync.Mutex
	sent []authgate.Notification
}

func (n *captureNotifier) Send(_ context.Context, notification authgate.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *captureNotifier) last(t *testing.T) authgate.Notification {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		t.Fatal("no notification delivered")
	}
	return n.sent[len(n.sent)-1]
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type testEnv struct {
	engine   *authgate.Engine
	accounts *memstore.AccountStore
	refresh  *memstore.RefreshTokenStore
	devices  *memstore.TrustedDeviceStore
	backup   *memstore.BackupCodeStore
	notifier *captureNotifier
	now      *time.Time
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

// testConfig trims the Argon2 cost so the suite stays fast; everything
// else starts from the defaults.
func testConfig() authgate.Config {
	cfg := authgate.DefaultConfig()
	cfg.JWT = jwt.Config{
		AccessTTL:     15 * time.Minute,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "authgate-test",
	}
	cfg.Password = password.Config{
		Memory:      32 * 1024,
		Time:        2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
	cfg.Verification.Enabled = false
	cfg.Lockout = authgate.LockoutConfig{MaxFailures: 3, Window: 15 * time.Minute}
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*authgate.Config), opts ...func(*authgate.Builder)) *testEnv {
	t.Helper()

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	env := &testEnv{
		accounts: memstore.NewAccountStore(),
		refresh:  memstore.NewRefreshTokenStore(),
		devices:  memstore.NewTrustedDeviceStore(),
		backup:   memstore.NewBackupCodeStore(),
		notifier: &captureNotifier{},
		now:      &now,
	}
	clock := func() time.Time { return *env.now }

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	builder := authgate.New().
		WithConfig(cfg).
		WithAccountStore(env.accounts).
		WithRefreshTokenStore(env.refresh).
		WithChallengeStore(memstore.NewChallengeStore(clock)).
		WithTrustedDeviceStore(env.devices).
		WithBackupCodeStore(env.backup).
		WithNotifier(env.notifier).
		WithClock(clock)
	for _, opt := range opts {
		opt(builder)
	}

	engine, err := builder.Build()
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	t.Cleanup(engine.Close)

	env.engine = engine
	return env
}

func (env *testEnv) register(t *testing.T, username string) *authgate.Account {
	t.Helper()

	account, err := env.engine.Register(context.Background(), authgate.RegisterRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: testPassword,
		Roles:    []string{"user"},
	})
	if err != nil {
		t.Fatalf("Register(%s) error: %v", username, err)
	}
	return account
}

// wrongCode returns a numeric code guaranteed to differ from the one
// delivered.
func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestLoginSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	account := env.register(t, "alice")
	ctx := context.Background()

	result, err := env.engine.Login(ctx, authgate.LoginRequest{
		Identifier: "alice",
		Password:   testPassword,
		ClientIP:   "203.0.113.10",
	})
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if result.MFARequired {
		t.Fatal("unexpected MFA requirement")
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}

	claims, err := env.engine.Validate(ctx, result.AccessToken)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if claims.Subject != account.ID {
		t.Fatalf("claims subject = %q, want %q", claims.Subject, account.ID)
	}
	if claims.Username != "alice" {
		t.Fatalf("claims username = %q", claims.Username)
	}

	stored, err := env.accounts.GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if !stored.LastLoginAt.Equal(*env.now) || stored.LastLoginIP != "203.0.113.10" {
		t.Fatalf("last-login not recorded: %v %q", stored.LastLoginAt, stored.LastLoginIP)
	}

	if got := env.engine.MetricsSnapshot().Counters[authgate.MetricLoginSuccess]; got != 1 {
		t.Fatalf("login success counter = %d", got)
	}
}

func TestLoginIdentifierMatching(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice")
	ctx := context.Background()

	for _, identifier := range []string{"ALICE", "alice@example.com", "Alice@Example.COM"} {
		if _, err := env.engine.Login(ctx, authgate.LoginRequest{
			Identifier: identifier,
			Password:   testPassword,
		}); err != nil {
			t.Fatalf("Login(%q) error: %v", identifier, err)
		}
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice")
	ctx := context.Background()

	_, err := env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: "wrong-password-here"})
	if !errors.Is(err, authgate.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	_, err = env.engine.Login(ctx, authgate.LoginRequest{Identifier: "nobody", Password: testPassword})
	if !errors.Is(err, authgate.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown identifier, got %v", err)
	}
}

func TestLockoutBeatsCorrectPassword(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: "wrong-password-here"})
		if !errors.Is(err, authgate.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	// The correct password does not open a locked account.
	_, err := env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: testPassword})
	if !errors.Is(err, authgate.ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	env.advance(16 * time.Minute)

	if _, err := env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: testPassword}); err != nil {
		t.Fatalf("login after window: %v", err)
	}
}

func TestLockoutResetsOnSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: "wrong-password-here"})
	}
	if _, err := env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: testPassword}); err != nil {
		t.Fatalf("login under the threshold: %v", err)
	}

	// The counter went back to zero; two more failures do not lock.
	for i := 0; i < 2; i++ {
		_, _ = env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: "wrong-password-here"})
	}
	if _, err := env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: testPassword}); err != nil {
		t.Fatalf("login after reset: %v", err)
	}
}

func TestLoginStatusGates(t *testing.T) {
	env := newTestEnv(t, nil)
	account := env.register(t, "alice")
	ctx := context.Background()

	cases := []struct {
		status authgate.AccountStatus
		want   error
	}{
		{authgate.StatusPending, authgate.ErrAccountPending},
		{authgate.StatusDisabled, authgate.ErrAccountDisabled},
		{authgate.StatusDeleted, authgate.ErrAccountDeleted},
	}
	for _, tc := range cases {
		account.Status = tc.status
		if err := env.accounts.Update(ctx, account); err != nil {
			t.Fatalf("Update error: %v", err)
		}

		_, err := env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: testPassword})
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %s: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice")
	ctx := context.Background()

	result, err := env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: testPassword})
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	tampered := result.AccessToken[:len(result.AccessToken)-2] + "xx"
	if _, err := env.engine.Validate(ctx, tampered); !errors.Is(err, authgate.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice")
	ctx := context.Background()

	result, err := env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: testPassword})
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	if err := env.engine.Logout(ctx, result.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	if err := env.engine.Logout(ctx, result.RefreshToken); err != nil {
		t.Fatalf("second Logout error: %v", err)
	}

	// A logged-out token presented for rotation reads as reuse.
	if _, err := env.engine.RotateRefreshToken(ctx, result.RefreshToken); !errors.Is(err, authgate.ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}
}

func TestLogoutAll(t *testing.T) {
	env := newTestEnv(t, nil)
	account := env.register(t, "alice")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: testPassword}); err != nil {
			t.Fatalf("Login error: %v", err)
		}
	}

	n, err := env.engine.LogoutAll(ctx, account.ID)
	if err != nil {
		t.Fatalf("LogoutAll error: %v", err)
	}
	if n != 2 {
		t.Fatalf("LogoutAll revoked %d tokens, want 2", n)
	}

	active, err := env.refresh.ActiveForAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("ActiveForAccount error: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("%d tokens still active", len(active))
	}
}

func TestSecurityReport(t *testing.T) {
	env := newTestEnv(t, nil)
	account := env.register(t, "alice")
	ctx := context.Background()

	if _, err := env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: testPassword}); err != nil {
		t.Fatalf("Login error: %v", err)
	}
	env.advance(time.Minute)
	if _, err := env.engine.Login(ctx, authgate.LoginRequest{Identifier: "alice", Password: testPassword, RememberMe: true, ClientIP: "203.0.113.4"}); err != nil {
		t.Fatalf("second Login error: %v", err)
	}

	report, err := env.engine.SecurityReport(ctx, account.ID)
	if err != nil {
		t.Fatalf("SecurityReport error: %v", err)
	}
	if len(report.Sessions) != 2 {
		t.Fatalf("report has %d sessions, want 2", len(report.Sessions))
	}
	if report.Sessions[0].CreatedAt.Before(report.Sessions[1].CreatedAt) {
		t.Fatal("sessions not ordered newest first")
	}
	if !report.LastLoginAt.Equal(*env.now) {
		t.Fatalf("last login = %v, want %v", report.LastLoginAt, *env.now)
	}
	if report.LastLoginIP != "203.0.113.4" {
		t.Fatalf("last login ip = %q", report.LastLoginIP)
	}
}

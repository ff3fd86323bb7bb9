package stores

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newChallengeStore(t *testing.T) (*ChallengeStore, *miniredis.Miniredis, *time.Time) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	store := NewChallengeStore(client, "chl", func() time.Time { return now })
	return store, mr, &now
}

func testRecord(now time.Time) *ChallengeRecord {
	hash := sha256.Sum256([]byte("123456"))
	return &ChallengeRecord{
		AccountID: "acct-1",
		Method:    "email",
		Purpose:   "login",
		CodeHash:  hash,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(5 * time.Minute).Unix(),
	}
}

func TestChallengeSaveAndGet(t *testing.T) {
	store, _, now := newChallengeStore(t)
	ctx := context.Background()

	record := testRecord(*now)
	if err := store.Save(ctx, "tok", record, 10*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	got, err := store.Get(ctx, "tok")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.AccountID != "acct-1" || got.Method != "email" || got.Purpose != "login" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.CodeHash != record.CodeHash {
		t.Fatal("code hash mismatch after round trip")
	}
	if got.Attempts != 0 || got.Used {
		t.Fatalf("expected fresh record, got attempts=%d used=%v", got.Attempts, got.Used)
	}
}

func TestChallengeGetUnknown(t *testing.T) {
	store, _, _ := newChallengeStore(t)

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestChallengeLogicalExpiry(t *testing.T) {
	store, _, now := newChallengeStore(t)
	ctx := context.Background()

	// Store TTL outlives the logical expiry; the row is present but gone.
	if err := store.Save(ctx, "tok", testRecord(*now), 10*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	*now = now.Add(6 * time.Minute)

	if _, err := store.Get(ctx, "tok"); !errors.Is(err, ErrChallengeGone) {
		t.Fatalf("expected ErrChallengeGone, got %v", err)
	}
}

func TestChallengeRecordFailureKeepsRow(t *testing.T) {
	store, _, now := newChallengeStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "tok", testRecord(*now), 10*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	for want := uint16(1); want <= 3; want++ {
		attempts, err := store.RecordFailure(ctx, "tok")
		if err != nil {
			t.Fatalf("RecordFailure error: %v", err)
		}
		if attempts != want {
			t.Fatalf("expected attempts %d, got %d", want, attempts)
		}
	}

	got, err := store.Get(ctx, "tok")
	if err != nil {
		t.Fatalf("Get after failures error: %v", err)
	}
	if got.Attempts != 3 {
		t.Fatalf("expected persisted attempts 3, got %d", got.Attempts)
	}
}

func TestChallengeMarkUsedRowSurvives(t *testing.T) {
	store, _, now := newChallengeStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "tok", testRecord(*now), 10*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := store.MarkUsed(ctx, "tok"); err != nil {
		t.Fatalf("MarkUsed error: %v", err)
	}

	got, err := store.Get(ctx, "tok")
	if err != nil {
		t.Fatalf("Get after MarkUsed error: %v", err)
	}
	if !got.Used {
		t.Fatal("expected record to be marked used")
	}
}

func TestChallengeRefreshResetsAttempts(t *testing.T) {
	store, _, now := newChallengeStore(t)
	ctx := context.Background()

	record := testRecord(*now)
	if err := store.Save(ctx, "tok", record, 10*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if _, err := store.RecordFailure(ctx, "tok"); err != nil {
		t.Fatalf("RecordFailure error: %v", err)
	}

	newHash := sha256.Sum256([]byte("654321"))
	newExpiry := now.Add(8 * time.Minute).Unix()
	if err := store.Refresh(ctx, "tok", newHash, newExpiry); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	got, err := store.Get(ctx, "tok")
	if err != nil {
		t.Fatalf("Get after Refresh error: %v", err)
	}
	if got.Attempts != 0 || got.Used {
		t.Fatalf("expected reset record, got attempts=%d used=%v", got.Attempts, got.Used)
	}
	if got.CodeHash != newHash {
		t.Fatal("expected refreshed code hash")
	}
	if got.ExpiresAt != newExpiry {
		t.Fatalf("expected expiry %d, got %d", newExpiry, got.ExpiresAt)
	}
	if got.CreatedAt != record.CreatedAt {
		t.Fatal("expected CreatedAt to be preserved across Refresh")
	}
}

func TestChallengeRefreshExtendsTTL(t *testing.T) {
	store, mr, now := newChallengeStore(t)
	ctx := context.Background()

	// Saved with 5m of code lifetime plus 5m of replay grace.
	if err := store.Save(ctx, "tok", testRecord(*now), 10*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	*now = now.Add(4 * time.Minute)
	mr.FastForward(4 * time.Minute)

	newHash := sha256.Sum256([]byte("654321"))
	if err := store.Refresh(ctx, "tok", newHash, now.Add(5*time.Minute).Unix()); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	// Retention follows the pushed-out expiry and keeps the replay grace,
	// so the refreshed code cannot outlive its row.
	if ttl := mr.TTL("chl:tok"); ttl < 9*time.Minute {
		t.Fatalf("expected Refresh to extend the TTL, got %v", ttl)
	}

	*now = now.Add(4 * time.Minute)
	mr.FastForward(4 * time.Minute)
	got, err := store.Get(ctx, "tok")
	if err != nil {
		t.Fatalf("Get inside the refreshed lifetime: %v", err)
	}
	if got.CodeHash != newHash {
		t.Fatal("expected refreshed code hash")
	}
}

func TestChallengeUsedRowOutlivesLogicalExpiry(t *testing.T) {
	store, _, now := newChallengeStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "tok", testRecord(*now), 10*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := store.MarkUsed(ctx, "tok"); err != nil {
		t.Fatalf("MarkUsed error: %v", err)
	}
	*now = now.Add(6 * time.Minute)

	// A consumed row past its logical expiry still reads back, so replays
	// are classified as replays for as long as the store keeps the row.
	got, err := store.Get(ctx, "tok")
	if err != nil {
		t.Fatalf("Get after logical expiry: %v", err)
	}
	if !got.Used {
		t.Fatal("expected the used flag to survive")
	}
}

func TestChallengeUpdatePreservesTTL(t *testing.T) {
	store, mr, now := newChallengeStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "tok", testRecord(*now), 10*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	mr.FastForward(4 * time.Minute)

	if _, err := store.RecordFailure(ctx, "tok"); err != nil {
		t.Fatalf("RecordFailure error: %v", err)
	}

	if ttl := mr.TTL("chl:tok"); ttl > 6*time.Minute {
		t.Fatalf("expected TTL to be preserved, got %v", ttl)
	}
}

func TestChallengeStoreTTLExpiry(t *testing.T) {
	store, mr, _ := newChallengeStore(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	if err := store.Save(ctx, "tok", testRecord(now), time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := store.Get(ctx, "tok"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound after store TTL, got %v", err)
	}
}

func TestChallengeDelete(t *testing.T) {
	store, _, now := newChallengeStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "tok", testRecord(*now), 10*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	deleted, err := store.Delete(ctx, "tok")
	if err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if !deleted {
		t.Fatal("expected Delete to report a removed row")
	}

	deleted, err = store.Delete(ctx, "tok")
	if err != nil {
		t.Fatalf("second Delete error: %v", err)
	}
	if deleted {
		t.Fatal("expected second Delete to report nothing removed")
	}
}

func TestChallengeDecodeRejectsUnknownVersion(t *testing.T) {
	record := testRecord(time.Now())
	encoded, err := encodeChallenge(record)
	if err != nil {
		t.Fatalf("encodeChallenge error: %v", err)
	}

	encoded[0] = 99
	if _, err := decodeChallenge(encoded); err == nil {
		t.Fatal("expected unknown version to be rejected")
	}
}

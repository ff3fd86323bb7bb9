package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kervale/authgate/internal/stores"
)

// redisChallengeStore adapts the binary Redis challenge record to the
// engine's ChallengeStore contract.
type redisChallengeStore struct {
	inner *stores.ChallengeStore
}

func newRedisChallengeStore(client redis.UniversalClient, prefix string, clock Clock) *redisChallengeStore {
	return &redisChallengeStore{inner: stores.NewChallengeStore(client, prefix, clock)}
}

// NewRedisChallengeStore returns a ChallengeStore backed by Redis. The
// builder wires this automatically when a Redis client is supplied; it is
// exported for applications that mix explicit stores.
func NewRedisChallengeStore(client redis.UniversalClient, prefix string, clock Clock) ChallengeStore {
	if clock == nil {
		clock = time.Now
	}
	return newRedisChallengeStore(client, prefix, clock)
}

func (s *redisChallengeStore) Save(ctx context.Context, challenge *Challenge, ttl time.Duration) error {
	record := &stores.ChallengeRecord{
		AccountID: challenge.AccountID,
		Method:    challenge.Method,
		Purpose:   challenge.Purpose,
		CodeHash:  challenge.CodeHash,
		CreatedAt: challenge.CreatedAt.Unix(),
		ExpiresAt: challenge.ExpiresAt.Unix(),
		Attempts:  uint16(challenge.Attempts),
		Used:      challenge.Used,
	}
	if err := s.inner.Save(ctx, challenge.Token, record, ttl); err != nil {
		return mapChallengeStoreErr(err)
	}
	return nil
}

func (s *redisChallengeStore) Get(ctx context.Context, token string) (*Challenge, error) {
	record, err := s.inner.Get(ctx, token)
	if err != nil {
		return nil, mapChallengeStoreErr(err)
	}
	return &Challenge{
		Token:     token,
		AccountID: record.AccountID,
		Method:    record.Method,
		Purpose:   record.Purpose,
		CodeHash:  record.CodeHash,
		CreatedAt: time.Unix(record.CreatedAt, 0).UTC(),
		ExpiresAt: time.Unix(record.ExpiresAt, 0).UTC(),
		Attempts:  int(record.Attempts),
		Used:      record.Used,
	}, nil
}

func (s *redisChallengeStore) RecordFailure(ctx context.Context, token string) (int, error) {
	attempts, err := s.inner.RecordFailure(ctx, token)
	if err != nil {
		return 0, mapChallengeStoreErr(err)
	}
	return int(attempts), nil
}

func (s *redisChallengeStore) MarkUsed(ctx context.Context, token string) error {
	return mapChallengeStoreErr(s.inner.MarkUsed(ctx, token))
}

func (s *redisChallengeStore) Refresh(ctx context.Context, token string, codeHash [32]byte, expiresAt time.Time) error {
	return mapChallengeStoreErr(s.inner.Refresh(ctx, token, codeHash, expiresAt.Unix()))
}

func (s *redisChallengeStore) Delete(ctx context.Context, token string) error {
	_, err := s.inner.Delete(ctx, token)
	return mapChallengeStoreErr(err)
}

func mapChallengeStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrChallengeNotFound):
		return ErrChallengeInvalid
	case errors.Is(err, stores.ErrChallengeGone):
		return ErrChallengeExpired
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

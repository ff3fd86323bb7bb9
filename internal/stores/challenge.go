// Package stores contains Redis-backed records the engine shares across
// instances. Records use a compact versioned binary codec rather than
// JSON; the version byte makes rolling upgrades safe.
package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	challengeRecordVersion1 = 1

	challengeFlagUsed = 1 << 0
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeGone     = errors.New("challenge expired")
	ErrChallengeBackend  = errors.New("challenge backend unavailable")
)

// ChallengeRecord is one pending verification challenge. A consumed
// challenge keeps its row (Used=true) until the TTL runs out so a replayed
// token can be told apart from a token that never existed.
type ChallengeRecord struct {
	AccountID string
	Method    string
	Purpose   string
	CodeHash  [32]byte
	CreatedAt int64
	ExpiresAt int64
	Attempts  uint16
	Used      bool
}

type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewChallengeStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *ChallengeStore {
	if prefix == "" {
		prefix = "chl"
	}
	if now == nil {
		now = time.Now
	}
	return &ChallengeStore{
		redis:  redisClient,
		prefix: prefix,
		now:    now,
	}
}

func (s *ChallengeStore) key(token string) string {
	return s.prefix + ":" + token
}

func (s *ChallengeStore) Save(ctx context.Context, token string, record *ChallengeRecord, ttl time.Duration) error {
	encoded, err := encodeChallenge(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(token), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

// Get returns the record even when it is already used or over its attempt
// budget; classifying those states is the caller's job. Only unused rows
// past their logical expiry are treated as gone: used rows survive to the
// store TTL so a late replay is still told apart from an expired code.
func (s *ChallengeStore) Get(ctx context.Context, token string) (*ChallengeRecord, error) {
	data, err := s.redis.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	record, err := decodeChallenge(data)
	if err != nil {
		return nil, err
	}
	if !record.Used && s.now().Unix() > record.ExpiresAt {
		return nil, ErrChallengeGone
	}
	return record, nil
}

func (s *ChallengeStore) Delete(ctx context.Context, token string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(token)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure atomically bumps the attempt counter and returns the new
// count. The row always survives, so a caller can keep answering
// over-budget attempts deterministically instead of leaking whether the
// token ever existed.
func (s *ChallengeStore) RecordFailure(ctx context.Context, token string) (uint16, error) {
	var attempts uint16
	err := s.update(ctx, token, func(record *ChallengeRecord, remaining time.Duration) (time.Duration, error) {
		record.Attempts++
		attempts = record.Attempts
		return remaining, nil
	})
	return attempts, err
}

// MarkUsed flags the challenge as consumed while keeping the row alive
// until its TTL.
func (s *ChallengeStore) MarkUsed(ctx context.Context, token string) error {
	return s.update(ctx, token, func(record *ChallengeRecord, remaining time.Duration) (time.Duration, error) {
		record.Used = true
		return remaining, nil
	})
}

// Refresh replaces the code hash, resets the attempt counter and pushes
// the expiry forward, preserving CreatedAt for cooldown accounting. The
// store TTL is extended to cover the new expiry plus the same replay
// grace the row was saved with, so repeated resends never outrun the
// physical retention.
func (s *ChallengeStore) Refresh(ctx context.Context, token string, codeHash [32]byte, expiresAt int64) error {
	return s.update(ctx, token, func(record *ChallengeRecord, remaining time.Duration) (time.Duration, error) {
		now := s.now().Unix()
		grace := now + int64(remaining/time.Second) - record.ExpiresAt
		if grace < 0 {
			grace = 0
		}

		record.CodeHash = codeHash
		record.Attempts = 0
		record.Used = false
		record.ExpiresAt = expiresAt

		ttl := time.Duration(expiresAt-now+grace) * time.Second
		if ttl < remaining {
			ttl = remaining
		}
		return ttl, nil
	})
}

// update runs a read-mutate-write cycle under WATCH. The mutate callback
// receives the row's remaining store TTL and returns the TTL to write
// back, letting Refresh extend retention while everything else keeps it.
func (s *ChallengeStore) update(ctx context.Context, token string, mutate func(*ChallengeRecord, time.Duration) (time.Duration, error)) error {
	const maxRetries = 4
	key := s.key(token)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeChallenge(data)
			if err != nil {
				return err
			}
			if !record.Used && s.now().Unix() > record.ExpiresAt {
				return ErrChallengeGone
			}

			remaining, err := tx.TTL(ctx, key).Result()
			if err != nil {
				return err
			}
			if remaining <= 0 {
				return ErrChallengeGone
			}

			ttl, err := mutate(record, remaining)
			if err != nil {
				return err
			}

			updated, err := encodeChallenge(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrChallengeNotFound
			}
			if errors.Is(err, ErrChallengeGone) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
		return nil
	}

	return ErrChallengeNotFound
}

func encodeChallenge(record *ChallengeRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(challengeRecordVersion1)

	var flags byte
	if record.Used {
		flags |= challengeFlagUsed
	}
	buf.WriteByte(flags)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(record.CodeHash[:])

	for _, field := range []string{record.AccountID, record.Method, record.Purpose} {
		if len(field) > 65535 {
			return nil, errors.New("challenge field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeChallenge(data []byte) (*ChallengeRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersion1 {
		return nil, errors.New("invalid challenge record version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &ChallengeRecord{
		Used: flags&challengeFlagUsed != 0,
	}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}

	for _, target := range []*string{&record.AccountID, &record.Method, &record.Purpose} {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		value := make([]byte, length)
		if _, err := io.ReadFull(reader, value); err != nil {
			return nil, err
		}
		*target = string(value)
	}

	return record, nil
}

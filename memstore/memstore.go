// Package memstore provides in-memory implementations of every engine
// store contract. They are safe for concurrent use and intended for
// tests, examples and single-process deployments; nothing here survives a
// restart.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kervale/authgate"
)

// AccountStore is a mutex-guarded account map with case-insensitive
// username and email lookups.
type AccountStore struct {
	mu       sync.RWMutex
	byID     map[string]*authgate.Account
	byName   map[string]string
	byEmail  map[string]string
	byLinked map[string]string
}

func NewAccountStore() *AccountStore {
	return &AccountStore{
		byID:     make(map[string]*authgate.Account),
		byName:   make(map[string]string),
		byEmail:  make(map[string]string),
		byLinked: make(map[string]string),
	}
}

func linkKey(provider, subject string) string {
	return provider + "\x00" + subject
}

func cloneAccount(a *authgate.Account) *authgate.Account {
	c := *a
	c.Roles = append([]string(nil), a.Roles...)
	return &c
}

func (s *AccountStore) Create(_ context.Context, account *authgate.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := strings.ToLower(account.Username)
	email := strings.ToLower(account.Email)
	if _, ok := s.byID[account.ID]; ok {
		return authgate.ErrAccountExists
	}
	if _, ok := s.byName[name]; ok {
		return authgate.ErrAccountExists
	}
	if _, ok := s.byEmail[email]; ok {
		return authgate.ErrAccountExists
	}
	if account.OAuthProvider != "" {
		if _, ok := s.byLinked[linkKey(account.OAuthProvider, account.OAuthSubject)]; ok {
			return authgate.ErrAccountExists
		}
	}

	s.byID[account.ID] = cloneAccount(account)
	s.byName[name] = account.ID
	s.byEmail[email] = account.ID
	if account.OAuthProvider != "" {
		s.byLinked[linkKey(account.OAuthProvider, account.OAuthSubject)] = account.ID
	}
	return nil
}

func (s *AccountStore) GetByID(_ context.Context, id string) (*authgate.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.byID[id]
	if !ok {
		return nil, authgate.ErrAccountNotFound
	}
	return cloneAccount(account), nil
}

func (s *AccountStore) GetByIdentifier(_ context.Context, identifier string) (*authgate.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := strings.ToLower(strings.TrimSpace(identifier))
	id, ok := s.byName[key]
	if !ok {
		id, ok = s.byEmail[key]
	}
	if !ok {
		return nil, authgate.ErrAccountNotFound
	}
	return cloneAccount(s.byID[id]), nil
}

func (s *AccountStore) GetByOAuth(_ context.Context, provider, subject string) (*authgate.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLinked[linkKey(provider, subject)]
	if !ok {
		return nil, authgate.ErrAccountNotFound
	}
	return cloneAccount(s.byID[id]), nil
}

func (s *AccountStore) Update(_ context.Context, account *authgate.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[account.ID]
	if !ok {
		return authgate.ErrAccountNotFound
	}

	delete(s.byName, strings.ToLower(existing.Username))
	delete(s.byEmail, strings.ToLower(existing.Email))
	if existing.OAuthProvider != "" {
		delete(s.byLinked, linkKey(existing.OAuthProvider, existing.OAuthSubject))
	}

	s.byID[account.ID] = cloneAccount(account)
	s.byName[strings.ToLower(account.Username)] = account.ID
	s.byEmail[strings.ToLower(account.Email)] = account.ID
	if account.OAuthProvider != "" {
		s.byLinked[linkKey(account.OAuthProvider, account.OAuthSubject)] = account.ID
	}
	return nil
}

// RefreshTokenStore keeps refresh tokens in a map. MarkRevokedIfActive
// does its check-and-flip under the write lock, which gives the same
// winner-takes-all semantics a database CAS would.
type RefreshTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*authgate.RefreshToken
}

func NewRefreshTokenStore() *RefreshTokenStore {
	return &RefreshTokenStore{tokens: make(map[string]*authgate.RefreshToken)}
}

func cloneRefreshToken(t *authgate.RefreshToken) *authgate.RefreshToken {
	c := *t
	return &c
}

func (s *RefreshTokenStore) Create(_ context.Context, token *authgate.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.ID] = cloneRefreshToken(token)
	return nil
}

func (s *RefreshTokenStore) Get(_ context.Context, id string) (*authgate.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[id]
	if !ok {
		return nil, authgate.ErrRefreshInvalid
	}
	return cloneRefreshToken(token), nil
}

func (s *RefreshTokenStore) MarkRevokedIfActive(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok || token.Revoked {
		return false, nil
	}
	token.Revoked = true
	return true, nil
}

func (s *RefreshTokenStore) RevokeFamily(_ context.Context, accountID, familyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, token := range s.tokens {
		if token.AccountID == accountID && token.FamilyID == familyID && !token.Revoked {
			token.Revoked = true
			revoked++
		}
	}
	return revoked, nil
}

func (s *RefreshTokenStore) RevokeAllForAccount(_ context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, token := range s.tokens {
		if token.AccountID == accountID && !token.Revoked {
			token.Revoked = true
			revoked++
		}
	}
	return revoked, nil
}

func (s *RefreshTokenStore) ActiveForAccount(_ context.Context, accountID string) ([]*authgate.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*authgate.RefreshToken
	for _, token := range s.tokens {
		if token.AccountID == accountID && !token.Revoked {
			active = append(active, cloneRefreshToken(token))
		}
	}
	return active, nil
}

// ChallengeStore keeps challenges with a store-side retention deadline, so
// consumed rows stay visible as "used" until retention lapses just like
// the Redis-backed store.
type ChallengeStore struct {
	mu         sync.Mutex
	now        func() time.Time
	challenges map[string]*challengeEntry
}

type challengeEntry struct {
	challenge authgate.Challenge
	dropAt    time.Time
}

func NewChallengeStore(now func() time.Time) *ChallengeStore {
	if now == nil {
		now = time.Now
	}
	return &ChallengeStore{
		now:        now,
		challenges: make(map[string]*challengeEntry),
	}
}

func (s *ChallengeStore) Save(_ context.Context, challenge *authgate.Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	s.challenges[challenge.Token] = &challengeEntry{
		challenge: *challenge,
		dropAt:    s.now().Add(ttl),
	}
	return nil
}

func (s *ChallengeStore) get(token string) (*challengeEntry, error) {
	entry, ok := s.challenges[token]
	if !ok {
		return nil, authgate.ErrChallengeInvalid
	}
	if !s.now().Before(entry.dropAt) {
		delete(s.challenges, token)
		return nil, authgate.ErrChallengeInvalid
	}
	// Used rows outlive their logical expiry so a late replay still reads
	// as a replay rather than an expired code.
	if !entry.challenge.Used && s.now().After(entry.challenge.ExpiresAt) {
		return nil, authgate.ErrChallengeExpired
	}
	return entry, nil
}

func (s *ChallengeStore) Get(_ context.Context, token string) (*authgate.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.get(token)
	if err != nil {
		return nil, err
	}
	challenge := entry.challenge
	return &challenge, nil
}

func (s *ChallengeStore) RecordFailure(_ context.Context, token string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.get(token)
	if err != nil {
		return 0, err
	}
	entry.challenge.Attempts++
	return entry.challenge.Attempts, nil
}

func (s *ChallengeStore) MarkUsed(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.get(token)
	if err != nil {
		return err
	}
	entry.challenge.Used = true
	return nil
}

func (s *ChallengeStore) Refresh(_ context.Context, token string, codeHash [32]byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.get(token)
	if err != nil {
		return err
	}
	// Retention has to follow the pushed-out expiry, keeping the same
	// replay grace past it, or the row would vanish while the fresh code
	// is still valid.
	grace := entry.dropAt.Sub(entry.challenge.ExpiresAt)
	if grace < 0 {
		grace = 0
	}
	entry.challenge.CodeHash = codeHash
	entry.challenge.Attempts = 0
	entry.challenge.Used = false
	entry.challenge.ExpiresAt = expiresAt
	if dropAt := expiresAt.Add(grace); dropAt.After(entry.dropAt) {
		entry.dropAt = dropAt
	}
	return nil
}

func (s *ChallengeStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, token)
	return nil
}

func (s *ChallengeStore) sweepLocked() {
	now := s.now()
	for token, entry := range s.challenges {
		if !now.Before(entry.dropAt) {
			delete(s.challenges, token)
		}
	}
}

// TrustedDeviceStore keeps trusted device registrations in a map.
type TrustedDeviceStore struct {
	mu      sync.RWMutex
	devices map[string]*authgate.TrustedDevice
}

func NewTrustedDeviceStore() *TrustedDeviceStore {
	return &TrustedDeviceStore{devices: make(map[string]*authgate.TrustedDevice)}
}

func cloneDevice(d *authgate.TrustedDevice) *authgate.TrustedDevice {
	c := *d
	return &c
}

func (s *TrustedDeviceStore) Create(_ context.Context, device *authgate.TrustedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.ID] = cloneDevice(device)
	return nil
}

func (s *TrustedDeviceStore) Get(_ context.Context, id string) (*authgate.TrustedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[id]
	if !ok {
		return nil, authgate.ErrTrustedDeviceInvalid
	}
	return cloneDevice(device), nil
}

func (s *TrustedDeviceStore) Update(_ context.Context, device *authgate.TrustedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[device.ID]; !ok {
		return authgate.ErrTrustedDeviceInvalid
	}
	s.devices[device.ID] = cloneDevice(device)
	return nil
}

func (s *TrustedDeviceStore) ListForAccount(_ context.Context, accountID string) ([]*authgate.TrustedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*authgate.TrustedDevice
	for _, device := range s.devices {
		if device.AccountID == accountID {
			list = append(list, cloneDevice(device))
		}
	}
	return list, nil
}

func (s *TrustedDeviceStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
	return nil
}

// BackupCodeStore keeps hashed recovery codes per account.
type BackupCodeStore struct {
	mu    sync.Mutex
	codes map[string]map[[32]byte]bool // accountID -> hash -> used
}

func NewBackupCodeStore() *BackupCodeStore {
	return &BackupCodeStore{codes: make(map[string]map[[32]byte]bool)}
}

func (s *BackupCodeStore) Replace(_ context.Context, accountID string, hashes [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[[32]byte]bool, len(hashes))
	for _, hash := range hashes {
		batch[hash] = false
	}
	s.codes[accountID] = batch
	return nil
}

func (s *BackupCodeStore) Unused(_ context.Context, accountID string) ([][32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unused [][32]byte
	for hash, used := range s.codes[accountID] {
		if !used {
			unused = append(unused, hash)
		}
	}
	return unused, nil
}

func (s *BackupCodeStore) MarkUsed(_ context.Context, accountID string, hash [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.codes[accountID]
	if !ok {
		return false, nil
	}
	used, ok := batch[hash]
	if !ok || used {
		return false, nil
	}
	batch[hash] = true
	return true, nil
}

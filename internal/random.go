package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// TokenID is the random identifier half of an opaque token. It doubles as
// the storage lookup key so the secret half never has to be indexed.
type TokenID [16]byte

const (
	refreshTokenRawSize = 48
	refreshSecretSize   = 32
	deviceTokenRawSize  = 48
	deviceSecretSize    = 32
	exchangeCodeSize    = 24
	challengeTokenSize  = 16
)

// backupCodeAlphabet deliberately omits 0/O and 1/I to keep hand-typed
// codes unambiguous.
const backupCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

func NewTokenID() (TokenID, error) {
	var id TokenID
	_, err := rand.Read(id[:])
	return id, err
}

func (t TokenID) Bytes() []byte {
	return t[:]
}

func (t TokenID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(t[:])
}

func ParseTokenID(s string) (TokenID, error) {
	var id TokenID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid token id size")
	}

	copy(id[:], raw)
	return id, nil
}

func NewRefreshSecret() ([refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashRefreshSecret(secret [refreshSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeRefreshToken packs (tokenID, secret) into one opaque base64url
// string handed to the client. Only the sha256 of the secret is ever
// persisted.
func EncodeRefreshToken(tokenID string, secret [refreshSecretSize]byte) (string, error) {
	id, err := ParseTokenID(tokenID)
	if err != nil {
		return "", err
	}

	var raw [refreshTokenRawSize]byte
	copy(raw[:len(id)], id[:])
	copy(raw[len(id):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeRefreshToken(token string) (string, [refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != refreshTokenRawSize {
		return "", secret, errors.New("invalid refresh token size")
	}

	var id TokenID
	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])

	return id.String(), secret, nil
}

func NewDeviceSecret() ([deviceSecretSize]byte, error) {
	var secret [deviceSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashDeviceSecret(secret [deviceSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeDeviceToken packs a trusted-device (id, secret) pair the same way
// refresh tokens are packed.
func EncodeDeviceToken(deviceID string, secret [deviceSecretSize]byte) (string, error) {
	id, err := ParseTokenID(deviceID)
	if err != nil {
		return "", err
	}

	var raw [deviceTokenRawSize]byte
	copy(raw[:len(id)], id[:])
	copy(raw[len(id):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeDeviceToken(token string) (string, [deviceSecretSize]byte, error) {
	var secret [deviceSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != deviceTokenRawSize {
		return "", secret, errors.New("invalid device token size")
	}

	var id TokenID
	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])

	return id.String(), secret, nil
}

// NewOTP generates a zero-padded decimal code of the given length. Each
// digit is drawn independently through crypto/rand.Int, which redraws on
// out-of-range values, so no digit position carries modulo bias and a
// leading zero is as likely as any other digit.
func NewOTP(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}

// NewAlphaCode generates an unambiguous alphanumeric code (backup codes).
func NewAlphaCode(length int) (string, error) {
	if length < 8 || length > 32 {
		return "", errors.New("invalid code length")
	}

	var b strings.Builder
	b.Grow(length)

	max := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(backupCodeAlphabet[n.Int64()])
	}

	return b.String(), nil
}

// NewExchangeCode generates the one-time OAuth exchange code.
func NewExchangeCode() (string, error) {
	raw := make([]byte, exchangeCodeSize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewChallengeToken generates the opaque MFA challenge lookup token.
func NewChallengeToken() (string, error) {
	raw := make([]byte, challengeTokenSize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

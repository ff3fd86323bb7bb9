package internal

import (
	"strings"
	"testing"
)

func TestRefreshTokenRoundTrip(t *testing.T) {
	id, err := NewTokenID()
	if err != nil {
		t.Fatalf("NewTokenID error: %v", err)
	}
	secret, err := NewRefreshSecret()
	if err != nil {
		t.Fatalf("NewRefreshSecret error: %v", err)
	}

	token, err := EncodeRefreshToken(id.String(), secret)
	if err != nil {
		t.Fatalf("EncodeRefreshToken error: %v", err)
	}

	gotID, gotSecret, err := DecodeRefreshToken(token)
	if err != nil {
		t.Fatalf("DecodeRefreshToken error: %v", err)
	}
	if gotID != id.String() {
		t.Fatalf("token id mismatch: %s != %s", gotID, id.String())
	}
	if gotSecret != secret {
		t.Fatal("secret mismatch after round trip")
	}
}

func TestDecodeRefreshTokenRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"not-base64!!!",
		"c2hvcnQ",
		strings.Repeat("A", 200),
	}
	for _, token := range cases {
		if _, _, err := DecodeRefreshToken(token); err == nil {
			t.Fatalf("expected decode failure for %q", token)
		}
	}
}

func TestDeviceTokenRoundTrip(t *testing.T) {
	id, err := NewTokenID()
	if err != nil {
		t.Fatalf("NewTokenID error: %v", err)
	}
	secret, err := NewDeviceSecret()
	if err != nil {
		t.Fatalf("NewDeviceSecret error: %v", err)
	}

	token, err := EncodeDeviceToken(id.String(), secret)
	if err != nil {
		t.Fatalf("EncodeDeviceToken error: %v", err)
	}

	gotID, gotSecret, err := DecodeDeviceToken(token)
	if err != nil {
		t.Fatalf("DecodeDeviceToken error: %v", err)
	}
	if gotID != id.String() || gotSecret != secret {
		t.Fatal("device token mismatch after round trip")
	}
}

func TestParseTokenIDRejectsWrongSize(t *testing.T) {
	if _, err := ParseTokenID("AAAA"); err == nil {
		t.Fatal("expected short token id to be rejected")
	}
}

func TestNewOTPLengthAndCharset(t *testing.T) {
	for _, digits := range []int{4, 6, 8, 10} {
		otp, err := NewOTP(digits)
		if err != nil {
			t.Fatalf("NewOTP(%d) error: %v", digits, err)
		}
		if len(otp) != digits {
			t.Fatalf("NewOTP(%d) returned %d characters", digits, len(otp))
		}
		for _, r := range otp {
			if r < '0' || r > '9' {
				t.Fatalf("NewOTP returned non-digit %q in %q", r, otp)
			}
		}
	}
}

func TestNewOTPInvalidDigits(t *testing.T) {
	for _, digits := range []int{0, 3, 11} {
		if _, err := NewOTP(digits); err == nil {
			t.Fatalf("expected NewOTP(%d) to fail", digits)
		}
	}
}

// Leading digits must be uniform. Across 100k draws each digit's count
// has a standard deviation of about 95 around the expected 10000, so a
// ±500 band (over five sigma) only trips on a genuinely biased generator.
func TestNewOTPLeadingDigitDistribution(t *testing.T) {
	const draws = 100000
	var counts [10]int
	for i := 0; i < draws; i++ {
		otp, err := NewOTP(6)
		if err != nil {
			t.Fatalf("NewOTP error: %v", err)
		}
		counts[otp[0]-'0']++
	}

	const expected = draws / 10
	const tolerance = 500
	for digit, count := range counts {
		if count < expected-tolerance || count > expected+tolerance {
			t.Fatalf("leading digit %d drawn %d times, expected %d±%d", digit, count, expected, tolerance)
		}
	}
}

func TestNewAlphaCodeAlphabet(t *testing.T) {
	code, err := NewAlphaCode(10)
	if err != nil {
		t.Fatalf("NewAlphaCode error: %v", err)
	}
	if len(code) != 10 {
		t.Fatalf("expected 10 characters, got %d", len(code))
	}
	for _, r := range code {
		if !strings.ContainsRune(backupCodeAlphabet, r) {
			t.Fatalf("code %q contains %q outside the unambiguous alphabet", code, r)
		}
	}
	for _, ambiguous := range "01OIL" {
		if strings.ContainsRune(code, ambiguous) {
			t.Fatalf("code %q contains ambiguous character %q", code, ambiguous)
		}
	}
}

func TestNewAlphaCodeInvalidLength(t *testing.T) {
	for _, length := range []int{0, 7, 33} {
		if _, err := NewAlphaCode(length); err == nil {
			t.Fatalf("expected NewAlphaCode(%d) to fail", length)
		}
	}
}

func TestNewExchangeCodeUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := NewExchangeCode()
		if err != nil {
			t.Fatalf("NewExchangeCode error: %v", err)
		}
		if seen[code] {
			t.Fatalf("duplicate exchange code: %s", code)
		}
		seen[code] = true
	}
}

// Package totp derives RFC 6238 time-based one-time codes.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Period is the time step in seconds.
	Period = 30
	// Digits is the length of a generated code.
	Digits = 6
)

// ErrInvalidSecret is returned when a secret is not valid base32.
var ErrInvalidSecret = errors.New("invalid totp secret")

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generate returns the code valid at the given instant for a base32 secret.
// Spaces, lower case and trailing padding in the secret are tolerated.
func Generate(secret string, at time.Time) (string, error) {
	key, err := decode(secret)
	if err != nil {
		return "", err
	}
	counter := uint64(at.Unix()) / Period
	return code(key, counter), nil
}

// Validate reports whether secret decodes to a usable key.
func Validate(secret string) error {
	_, err := decode(secret)
	return err
}

// Remaining returns how long the code generated at the given instant stays valid.
func Remaining(at time.Time) time.Duration {
	elapsed := at.Unix() % Period
	return time.Duration(Period-elapsed) * time.Second
}

func decode(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.Join(strings.Fields(secret), ""))
	normalized = strings.TrimRight(normalized, "=")
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidSecret)
	}
	key, err := encoding.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return key, nil
}

func code(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	// Dynamic truncation (RFC 4226 section 5.3).
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint32(1)
	for range Digits {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", Digits, value%mod)
}

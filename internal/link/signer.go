// Package link issues and verifies stateless, time-limited tokens granting
// public access to a single completed download.
//
// Token layout (before base64url encoding):
//
//	| version (1) | expiry unix nanos (8, big endian) | subject (16) | HMAC-SHA256 tag (32) |
//
// The tag covers every byte preceding it. Verification checks the tag
// before any field of the payload is interpreted.
package link

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/retry"
)

const (
	tokenVersion byte = 1

	payloadLen = 1 + 8 + 16
	tagLen     = sha256.Size
	tokenLen   = payloadLen + tagLen
)

var (
	ErrInvalid error = &retry.Error{Kind: retry.LinkInvalid, Err: errors.New("link token is invalid")}
	ErrExpired error = &retry.Error{Kind: retry.LinkExpired, Err: errors.New("link token has expired")}

	encoding = base64.RawURLEncoding.Strict()
)

type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner creates a signer using the key provided. The key should be
// derived for this purpose alone (see DeriveKey).
func NewSigner(key []byte) *Signer {
	return &Signer{key: append([]byte(nil), key...), now: time.Now}
}

// WithClock returns a copy of the signer which uses the clock provided.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	return &Signer{key: s.key, now: now}
}

// Issue mints a token for the subject which expires after the ttl. A
// non-positive ttl produces a token which is already expired.
func (s *Signer) Issue(subject uuid.UUID, ttl time.Duration) (string, time.Time) {
	if ttl < 0 {
		ttl = 0
	}

	expiresAt := s.now().Add(ttl)

	raw := make([]byte, payloadLen, tokenLen)
	raw[0] = tokenVersion
	binary.BigEndian.PutUint64(raw[1:9], uint64(expiresAt.UnixNano()))
	copy(raw[9:payloadLen], subject[:])
	raw = append(raw, s.tag(raw)...)

	return encoding.EncodeToString(raw), expiresAt
}

// Verify returns the subject of the token if, and only if, the token is
// authentic and has not expired. A token is expired at or after its expiry.
func (s *Signer) Verify(token string) (uuid.UUID, error) {
	raw, err := encoding.DecodeString(token)
	if err != nil || len(raw) != tokenLen {
		return uuid.Nil, ErrInvalid
	}

	payload, tag := raw[:payloadLen], raw[payloadLen:]
	if !hmac.Equal(tag, s.tag(payload)) {
		return uuid.Nil, ErrInvalid
	}

	if payload[0] != tokenVersion {
		return uuid.Nil, ErrInvalid
	}

	expiresAt := time.Unix(0, int64(binary.BigEndian.Uint64(payload[1:9])))
	if !s.now().Before(expiresAt) {
		return uuid.Nil, ErrExpired
	}

	subject, err := uuid.FromBytes(payload[9:payloadLen])
	if err != nil {
		return uuid.Nil, ErrInvalid
	}

	return subject, nil
}

func (s *Signer) tag(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return mac.Sum(nil)
}

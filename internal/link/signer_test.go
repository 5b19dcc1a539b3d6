package link_test

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("0123456789abcdef0123456789abcdef-test-secret")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newSigner(t *testing.T) (*link.Signer, *fakeClock) {
	key, err := link.DeriveKey(secret, link.PurposeLinkSigning)
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	return link.NewSigner(key).WithClock(clock.now), clock
}

func Test_Verify_ValidBeforeExpiry(t *testing.T) {
	t.Parallel()
	signer, clock := newSigner(t)
	subject := uuid.New()

	token, expiresAt := signer.Issue(subject, time.Hour)
	assert.Equal(t, clock.t.Add(time.Hour), expiresAt)

	got, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, subject, got)

	clock.t = clock.t.Add(time.Hour - time.Nanosecond)
	got, err = signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, subject, got)
}

func Test_Verify_ExpiredAtAndAfterExpiry(t *testing.T) {
	t.Parallel()
	signer, clock := newSigner(t)
	token, _ := signer.Issue(uuid.New(), time.Minute)

	clock.t = clock.t.Add(time.Minute)
	_, err := signer.Verify(token)
	assert.ErrorIs(t, err, link.ErrExpired)

	clock.t = clock.t.Add(time.Hour * 24)
	_, err = signer.Verify(token)
	assert.ErrorIs(t, err, link.ErrExpired)
}

func Test_Verify_ZeroTTLIsImmediatelyExpired(t *testing.T) {
	t.Parallel()
	signer, _ := newSigner(t)
	token, _ := signer.Issue(uuid.New(), 0)

	_, err := signer.Verify(token)
	assert.ErrorIs(t, err, link.ErrExpired)

	token, _ = signer.Issue(uuid.New(), -time.Hour)
	_, err = signer.Verify(token)
	assert.ErrorIs(t, err, link.ErrExpired)
}

func Test_Verify_EveryBitFlipOfDecodedTokenIsInvalid(t *testing.T) {
	t.Parallel()
	signer, _ := newSigner(t)
	token, _ := signer.Issue(uuid.New(), time.Hour)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)

	for i := 0; i < len(raw)*8; i++ {
		mutated := append([]byte(nil), raw...)
		mutated[i/8] ^= 1 << (i % 8)

		_, err := signer.Verify(base64.RawURLEncoding.EncodeToString(mutated))
		if !assert.ErrorIs(t, err, link.ErrInvalid, "bit %d", i) {
			return
		}
	}
}

func Test_Verify_EveryBitFlipOfEncodedTokenIsInvalid(t *testing.T) {
	t.Parallel()
	signer, _ := newSigner(t)
	token, _ := signer.Issue(uuid.New(), time.Hour)

	for i := 0; i < len(token)*8; i++ {
		mutated := []byte(token)
		mutated[i/8] ^= 1 << (i % 8)

		_, err := signer.Verify(string(mutated))
		if !assert.ErrorIs(t, err, link.ErrInvalid, "bit %d", i) {
			return
		}
	}
}

func Test_Verify_RejectsGarbage(t *testing.T) {
	t.Parallel()
	signer, _ := newSigner(t)
	token, _ := signer.Issue(uuid.New(), time.Hour)

	for _, candidate := range []string{"", "abc", token + "A", token[:len(token)-1], token + "==", "!!!!"} {
		_, err := signer.Verify(candidate)
		assert.ErrorIs(t, err, link.ErrInvalid, candidate)
	}
}

func Test_Verify_TokensDoNotCrossKeys(t *testing.T) {
	t.Parallel()
	signer, _ := newSigner(t)
	token, _ := signer.Issue(uuid.New(), time.Hour)

	otherKey, err := link.DeriveKey(secret, link.PurposeAPIKeyDigest)
	require.NoError(t, err)

	_, err = link.NewSigner(otherKey).Verify(token)
	assert.ErrorIs(t, err, link.ErrInvalid)
}

func Test_DeriveKey(t *testing.T) {
	t.Parallel()
	_, err := link.DeriveKey([]byte("short"), link.PurposeLinkSigning)
	assert.ErrorIs(t, err, link.ErrWeakSecret)

	a, err := link.DeriveKey(secret, link.PurposeLinkSigning)
	require.NoError(t, err)
	b, err := link.DeriveKey(secret, link.PurposeLinkSigning)
	require.NoError(t, err)
	c, err := link.DeriveKey(secret, link.PurposeAPIKeyDigest)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func Test_ClampTTL(t *testing.T) {
	t.Parallel()
	dflt, max := 6*time.Hour, 7*24*time.Hour

	assert.Equal(t, dflt, link.ClampTTL(0, dflt, max))
	assert.Equal(t, time.Second, link.ClampTTL(time.Millisecond, dflt, max))
	assert.Equal(t, time.Second, link.ClampTTL(-time.Hour, dflt, max))
	assert.Equal(t, max, link.ClampTTL(30*24*time.Hour, dflt, max))
	assert.Equal(t, time.Hour, link.ClampTTL(time.Hour, dflt, max))
}

package link

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Purpose labels used when deriving subkeys from the server master secret. Keys
// derived with different labels are independent, so a token minted for one
// purpose can never verify under another.
const (
	PurposeLinkSigning  = "hoard/link-signing/v1"
	PurposeAPIKeyDigest = "hoard/api-key-digest/v1"

	minSecretLen = 32
)

var ErrWeakSecret = fmt.Errorf("master secret must be at least %d bytes", minSecretLen)

type Config struct {
	MasterSecret      string `yaml:"master_secret" env:"MASTER_SECRET" env-required:"true"`
	DefaultTTLSeconds int    `yaml:"default_ttl_seconds" env:"LINK_DEFAULT_TTL_SECONDS" env-default:"21600"`
	MaxTTLSeconds     int    `yaml:"max_ttl_seconds" env:"LINK_MAX_TTL_SECONDS" env-default:"604800"`
}

func (c Config) DefaultTTL() time.Duration { return time.Duration(c.DefaultTTLSeconds) * time.Second }
func (c Config) MaxTTL() time.Duration     { return time.Duration(c.MaxTTLSeconds) * time.Second }

// DeriveKey derives a 32-byte subkey from the master secret for the purpose given.
func DeriveKey(masterSecret []byte, purpose string) ([]byte, error) {
	if len(masterSecret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	if purpose == "" {
		return nil, errors.New("key purpose must not be empty")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	return key, nil
}

// ClampTTL bounds the requested ttl to [1s, max]. A zero request yields the default.
func ClampTTL(requested, dflt, max time.Duration) time.Duration {
	if requested == 0 {
		requested = dflt
	}
	if requested < time.Second {
		requested = time.Second
	}
	if max > 0 && requested > max {
		requested = max
	}

	return requested
}

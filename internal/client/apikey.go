package client

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

const (
	apiKeyPrefix  = "hk_"
	apiKeyEntropy = 32
)

// keyDigester computes the lookup digest stored in place of a clients API
// key. The digest is keyed so that a leaked database cannot be used to
// confirm guesses offline without the server secret.
type keyDigester struct {
	key []byte
}

func (d *keyDigester) Digest(apiKey string) []byte {
	mac := hmac.New(sha256.New, d.key)
	mac.Write([]byte(apiKey))
	return mac.Sum(nil)
}

// generateAPIKey returns a new random API key.
func generateAPIKey() (string, error) {
	secret := make([]byte, apiKeyEntropy)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}

	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(secret), nil
}

// LooksLikeAPIKey performs a cheap syntactic check of a presented key, allowing
// obviously malformed keys to be refused without touching the database.
func LooksLikeAPIKey(key string) bool {
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return false
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(key, apiKeyPrefix))
	return err == nil && len(raw) == apiKeyEntropy
}

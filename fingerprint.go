package oauthx

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the hex SHA-256 of a raw access token. Caches key on
// the fingerprint so bearer secrets are never stored.
func Fingerprint(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return hex.EncodeToString(sum[:])
}

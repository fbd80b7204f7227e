// Package config derives symmetric keys from passphrases the way the CLI
// demo needs, grounded on kcptun's client/main.go key-derivation step.
package config

import (
	"crypto/sha1"

	"golang.org/x/crypto/pbkdf2"
)

// salt matches kcptun's own SALT constant; it is not a secret, only a
// domain separator for the KDF, so reusing the teacher's literal value
// is harmless and keeps this derivation interoperable with kcp-go-based
// peers that use the same constant.
const salt = "kcp-go"

// keyIterations and keyLength mirror kcptun's pbkdf2.Key call exactly:
// 4096 iterations, SHA-1, 32-byte output.
const (
	keyIterations = 4096
	keyLength     = 32
)

// DeriveKey expands a user-supplied passphrase into a 32-byte key
// suitable for any cipher.Select method, via PBKDF2-HMAC-SHA1.
func DeriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), keyIterations, keyLength, sha1.New)
}

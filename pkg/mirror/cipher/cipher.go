// Copyright 2025-2026 MirrorWire Contributors

// Package cipher provides authenticated encryption for stored credentials.
// Values are serialized as ivHex:tagHex:cipherHex. Decryption is tolerant of
// legacy plaintext values and of values that were encrypted more than once
// by a historical write-path bug.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	nonceSize = 12
	tagSize   = 16

	// maxPeelRounds bounds how many nested encryption layers Peel will
	// unwrap. Stored values were never observed more than twice-encrypted.
	maxPeelRounds = 3
)

// encryptedShape matches the ivHex:tagHex:cipherHex serialization.
var encryptedShape = regexp.MustCompile(`^[0-9a-fA-F]{24}:[0-9a-fA-F]{32}:[0-9a-fA-F]+$`)

// IsEncrypted reports whether value matches the encrypted serialization
// shape. A non-matching value is treated as legacy plaintext.
func IsEncrypted(value string) bool {
	return encryptedShape.MatchString(value)
}

// normalizeKey accepts either a hex-encoded key or raw bytes and returns
// AES key material of a valid length.
func normalizeKey(key string) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("empty cipher key")
	}
	if len(key) == 32 || len(key) == 48 || len(key) == 64 {
		if decoded, err := hex.DecodeString(key); err == nil &&
			(len(decoded) == 16 || len(decoded) == 24 || len(decoded) == 32) {
			return decoded, nil
		}
	}
	raw := []byte(key)
	if len(raw) != 16 && len(raw) != 24 && len(raw) != 32 {
		return nil, fmt.Errorf("invalid cipher key length %d", len(raw))
	}
	return raw, nil
}

func newGCM(key string) (gocipher.AEAD, error) {
	keyBytes, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, err
	}
	return gocipher.NewGCMWithNonceSize(block, nonceSize)
}

// Encrypt seals plaintext under key with a random nonce. A value that
// already matches the encrypted shape is returned unchanged: re-encrypting
// stored ciphertext is the write-path bug the peel loop exists to tolerate,
// and must not be reintroduced here.
func Encrypt(plaintext, key string) (string, error) {
	if IsEncrypted(plaintext) {
		return plaintext, nil
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens one layer of encryption. It returns "" on malformed input
// or authentication failure, never an error: callers treat a failed
// decryption as "skip this config this cycle", distinct from an auth error.
func Decrypt(value, key string) string {
	if !IsEncrypted(value) {
		return ""
	}
	parts := strings.SplitN(value, ":", 3)
	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return ""
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return ""
	}
	gcm, err := newGCM(key)
	if err != nil {
		return ""
	}
	plain, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return ""
	}
	return string(plain)
}

// Peel decrypts value repeatedly while it still matches the encrypted shape,
// up to maxPeelRounds. It returns the innermost plaintext and the number of
// rounds applied. A value that never matched the shape is returned as-is
// with zero rounds (legacy plaintext). ok is false when a matching value
// fails to decrypt, which callers must treat as "no usable credential".
func Peel(value, key string) (plaintext string, rounds int, ok bool) {
	current := value
	for rounds < maxPeelRounds && IsEncrypted(current) {
		next := Decrypt(current, key)
		if next == "" {
			return "", rounds, false
		}
		current = next
		rounds++
	}
	return current, rounds, true
}

// discordTokenShape: two dot-separated base64url segments after the id part.
var discordTokenShape = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)

// ValidDiscordToken is the platform shape check for Discord credentials.
// An optional "Bot " prefix is tolerated for managed-bot tokens.
func ValidDiscordToken(token string) bool {
	token = strings.TrimPrefix(token, "Bot ")
	return len(token) >= 50 && discordTokenShape.MatchString(token)
}

// telethonSessionShape: version prefix '1' followed by base64 payload.
var telethonSessionShape = regexp.MustCompile(`^1[A-Za-z0-9+/=_-]+$`)

// ValidTelegramSession is the platform shape check for Telethon-format
// MTProto session strings.
func ValidTelegramSession(session string) bool {
	return len(session) >= 300 && telethonSessionShape.MatchString(session)
}

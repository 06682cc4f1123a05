// Package authtoken mints and verifies the HMAC-signed tokens exchanged
// between the Gateway and the Backend, and the owner-keyed tokens used by
// tool-originating send calls.
package authtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
)

// argon2 tuning mirrors the teacher's content-encryption key derivation:
// one pass, 64 MiB, four lanes, 32-byte output.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

// deriveKey turns a master secret into a per-owner signing key, salted by
// owner_id, so a leaked derived key never exposes the master secret or any
// other owner's token.
func deriveKey(masterSecret, ownerID string) []byte {
	return argon2.IDKey([]byte(masterSecret), []byte(ownerID), argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

// Mint builds a token for ownerID, signed with a key derived from
// masterSecret and ownerID. The token shape is
// base64url(timestamp) + "." + base64url(HMAC_SHA256(key, ownerID||timestamp)).
func Mint(masterSecret, ownerID string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	key := deriveKey(masterSecret, ownerID)
	mac := sign(key, ownerID, ts)
	return encode([]byte(ts)) + "." + encode(mac)
}

// Verify recomputes the signature for a token against ownerID and
// masterSecret and compares it in constant time. It does not enforce an
// expiry window; tokens are valid until the binding they belong to is
// replaced or unbound.
func Verify(masterSecret, ownerID, token string) bool {
	ts, mac, ok := split(token)
	if !ok {
		return false
	}
	key := deriveKey(masterSecret, ownerID)
	expected := sign(key, ownerID, ts)
	return subtle.ConstantTimeCompare(expected, mac) == 1
}

// split parses "base64url(ts).base64url(mac)" into its decoded parts.
func split(token string) (ts string, mac []byte, ok bool) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", nil, false
	}
	tsBytes, err := decode(parts[0])
	if err != nil {
		return "", nil, false
	}
	mac, err = decode(parts[1])
	if err != nil {
		return "", nil, false
	}
	return string(tsBytes), mac, true
}

func sign(key []byte, ownerID, ts string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(ownerID))
	h.Write([]byte(ts))
	return h.Sum(nil)
}

func encode(b []byte) string          { return base64.RawURLEncoding.EncodeToString(b) }
func decode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

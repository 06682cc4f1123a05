package authtoken

import "crypto/subtle"

// VerifyGlobal compares header, the value of X-Auth-Token on a Gateway to
// Backend RPC, against the Backend's single stored token in constant time.
// Used on every /cb/* route.
func VerifyGlobal(stored, header string) bool {
	if stored == "" || header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(header)) == 1
}

// BindingLookup resolves the auth token bound to an owner_id, for the
// owner-based verification path used by tool-originating /gw/feishu/send
// calls.
type BindingLookup interface {
	AuthTokenForOwner(ownerID string) (string, bool)
}

// VerifyOwner reads owner_id from the caller-supplied value, looks up its
// bound token via lookup, and constant-time-compares it against header.
func VerifyOwner(lookup BindingLookup, ownerID, header string) bool {
	if ownerID == "" || header == "" {
		return false
	}
	stored, ok := lookup.AuthTokenForOwner(ownerID)
	if !ok || stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(header)) == 1
}

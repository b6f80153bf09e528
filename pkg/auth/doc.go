// Package auth implements API key generation, validation, and scoped
// authorization.
//
// Keys have the format tally_<base64url(32 random bytes)>. Only the SHA-256
// hash of a key is stored; the plaintext is returned exactly once at
// creation time. Each key carries a set of scopes that gate access to the
// billing API surface.
package auth

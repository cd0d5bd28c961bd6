// Package token provides the MAC primitives behind carchat bearer tokens.
//
// It is the single source of truth for how token payloads are authenticated.
//
// Design goals:
//   - HMAC-SHA-512/256 via golang.org/x/crypto/nacl/auth, verified in constant time.
//   - Keys come from configuration as text and are stretched to the fixed key size.
//   - Stable base64url (unpadded) output, safe for headers and query strings.
//
// Environment:
//   - CARCHAT_IDENTITY_KEY: the signing secret (>= MinKeyBytes bytes).
package token

// Package identity resolves the opaque user id of a connection.
//
// carchat does not manage accounts: an external identity provider issues user ids,
// and this package authenticates them as signed bearer tokens
// ("<base64url payload>.<base64url mac>", see cmd/security/token).
// In insecure dev mode the bearer value itself is taken as the user id.
package identity

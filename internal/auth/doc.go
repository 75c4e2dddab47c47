// Package auth verifies dashboard bearer tokens and carries the decoded
// identity through handlers.
//
// Tokens are HS256 JWTs signed with the configured secret. The claims map to
// an [Identity]:
//
//	sub     -> UserID (required)
//	email   -> Email
//	role    -> Role (defaults to "agent")
//	org_id  -> OrganizationID (required)
//
// The websocket hub accepts the token from the Authorization header or the
// token query parameter; the REST API only from the header.
package auth

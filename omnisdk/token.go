/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package omnisdk

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// TokenSource supplies the access token used to authenticate the event
// channel. It is consulted on every connect so a refreshed token is picked up.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// EnvToken is a TokenSource that reads the named environment variable on
// every call.
type EnvToken string

// Token implements TokenSource.
func (e EnvToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(os.Getenv(string(e))), nil
}

// tokenAlgorithms are the signature algorithms the backend is known to issue.
var tokenAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.ES256,
}

// CheckToken validates an access token before any network attempt.
// An empty token returns ErrNoToken. A token that parses as a JWT with an
// exp claim in the past returns ErrTokenExpired. Opaque tokens are accepted
// as-is; the signature is never verified here, the server does that.
func CheckToken(raw string, now time.Time) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrNoToken
	}

	tok, err := jwt.ParseSigned(raw, tokenAlgorithms)
	if err != nil {
		return nil
	}

	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil
	}
	if claims.Expiry != nil && !claims.Expiry.Time().After(now) {
		return ErrTokenExpired
	}
	return nil
}

// TokenSubject returns the sub claim of a JWT access token, or "" when the
// token is opaque.
func TokenSubject(raw string) string {
	tok, err := jwt.ParseSigned(strings.TrimSpace(raw), tokenAlgorithms)
	if err != nil {
		return ""
	}
	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return ""
	}
	return claims.Subject
}

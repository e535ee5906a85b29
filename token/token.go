// Package token holds the credential value types shared by the store, the
// identity client and the request pipeline.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Token is a single credential. Zero IssuedAt/ExpiresAt mean "unknown".
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scope     string
}

// Present reports whether t carries a non-blank value.
func (t *Token) Present() bool {
	return t != nil && strings.TrimSpace(t.Value) != ""
}

// Expired reports whether the token has a known expiry at or before now.
func (t *Token) Expired(now time.Time) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt)
}

// ExpiresWithin reports whether the token has a known expiry that falls within d of now.
// Tokens without an expiry never report true.
func (t *Token) ExpiresWithin(d time.Duration, now time.Time) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(t.ExpiresAt)
}

// Clone returns a copy of t, or nil.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (t *Token) equal(o *Token) bool {
	if t == nil || o == nil {
		return t == nil && o == nil
	}
	return t.Value == o.Value &&
		t.IssuedAt.Equal(o.IssuedAt) &&
		t.ExpiresAt.Equal(o.ExpiresAt) &&
		t.Scope == o.Scope
}

// Pair is the access/refresh credential pair of one session.
// A nil Access means unauthenticated; a nil Refresh means refresh is impossible.
type Pair struct {
	Access  *Token
	Refresh *Token
}

// HasAccess reports whether a non-blank access token is present.
func (p Pair) HasAccess() bool { return p.Access.Present() }

// HasRefresh reports whether a non-blank refresh token is present.
func (p Pair) HasRefresh() bool { return p.Refresh.Present() }

// Empty reports whether neither token is present.
func (p Pair) Empty() bool { return !p.HasAccess() && !p.HasRefresh() }

// AccessValue returns the access token value or "".
func (p Pair) AccessValue() string {
	if !p.HasAccess() {
		return ""
	}
	return p.Access.Value
}

// RefreshValue returns the refresh token value or "".
func (p Pair) RefreshValue() string {
	if !p.HasRefresh() {
		return ""
	}
	return p.Refresh.Value
}

// Equal compares both tokens field by field.
func (p Pair) Equal(o Pair) bool {
	return p.Access.equal(o.Access) && p.Refresh.equal(o.Refresh)
}

// Clone deep-copies the pair.
func (p Pair) Clone() Pair {
	return Pair{Access: p.Access.Clone(), Refresh: p.Refresh.Clone()}
}

// OAuth2 converts the pair to an oauth2.Token for libraries that speak that type.
func (p Pair) OAuth2() *oauth2.Token {
	t := &oauth2.Token{
		AccessToken:  p.AccessValue(),
		RefreshToken: p.RefreshValue(),
		TokenType:    "Bearer",
	}
	if p.Access != nil {
		t.Expiry = p.Access.ExpiresAt
	}
	return t
}

// ExpiryFromJWT reads the exp claim of a JWT without verifying its signature.
// The boolean is false when value is not a JWT or carries no exp claim.
func ExpiryFromJWT(value string) (time.Time, bool) {
	if strings.Count(value, ".") != 2 {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(value, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// WithJWTExpiry fills a missing ExpiresAt from the token's own exp claim.
func WithJWTExpiry(t *Token) *Token {
	if t == nil || !t.ExpiresAt.IsZero() {
		return t
	}
	if exp, ok := ExpiryFromJWT(t.Value); ok {
		t.ExpiresAt = exp
	}
	return t
}

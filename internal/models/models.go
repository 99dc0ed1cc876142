// Package models defines the core data structures for users and session tokens.
package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// User is the identity record returned by the API after login or registration.
type User struct {
	// ID is the numeric identifier assigned by the server.
	ID int64 `json:"id"`
	// Name is the display name.
	Name string `json:"name"`
	// Username is the public handle.
	Username string `json:"username"`
	// Email is the account e-mail address.
	Email string `json:"email"`
	// ByGoogle reports that the account was created through Google sign-in.
	ByGoogle bool `json:"byGoogle"`
	// ByApple reports that the account was created through Apple sign-in.
	ByApple bool `json:"byApple"`
	// EmailVerified reports that the e-mail address has been confirmed.
	EmailVerified bool `json:"emailVerified"`
}

// ExternalIdentity reports whether the user signed up through a third-party
// identity provider. Such accounts have no local password to change.
func (u User) ExternalIdentity() bool {
	return u.ByGoogle || u.ByApple
}

// TokenPair is the access/refresh token pair attached to every API request.
type TokenPair struct {
	// AccessToken authorizes API calls. Always non-empty when a pair exists.
	AccessToken string `json:"accessToken"`
	// RefreshToken is used by the server to rotate the pair. May be empty.
	RefreshToken string `json:"refreshToken"`
}

// AccessExpiry returns the exp claim of the access token when it is a JWT.
// The signature is not verified; the value is for display only.
func (p TokenPair) AccessExpiry() (time.Time, bool) {
	if p.AccessToken == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.AccessToken, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// TokenUpdate is a partial token pair as returned by the server. A nil
// RefreshToken means the server kept the current refresh token.
type TokenUpdate struct {
	AccessToken  string  `json:"accessToken"`
	RefreshToken *string `json:"refreshToken,omitempty"`
}

// Merge applies u on top of cur: the access token is replaced unless u carries
// an empty one, the refresh token is replaced only when u provides it.
func (u TokenUpdate) Merge(cur *TokenPair) TokenPair {
	next := TokenPair{AccessToken: u.AccessToken}
	if next.AccessToken == "" && cur != nil {
		next.AccessToken = cur.AccessToken
	}
	switch {
	case u.RefreshToken != nil:
		next.RefreshToken = *u.RefreshToken
	case cur != nil:
		next.RefreshToken = cur.RefreshToken
	}
	return next
}

// Update converts a full pair into an update that replaces both tokens.
func (p TokenPair) Update() TokenUpdate {
	refresh := p.RefreshToken
	return TokenUpdate{AccessToken: p.AccessToken, RefreshToken: &refresh}
}

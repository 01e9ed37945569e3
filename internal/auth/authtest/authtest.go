// Package authtest mints the credentials that the auth package verifies but
// never issues itself: playground sessions come from the web app and event
// signatures from the caller's event source.
package authtest

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/itzam-ai/itzam/internal/auth"
)

// Session returns an itzam_session token for userID signed with secret.
func Session(secret, userID string, ttl time.Duration) string {
	now := time.Now()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}).SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return tok
}

// EventSignature returns an Itzam-Signature value for body that expires
// after ttl.
func EventSignature(secret string, body []byte, ttl time.Duration) string {
	now := time.Now()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.EventClaims{
		Body: auth.BodyDigest(body),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}).SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return tok
}

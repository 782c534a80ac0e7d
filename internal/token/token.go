// Package token mints and validates the short-lived signed bearer tokens
// carried in the Grip-Sig header. Tokens are HS256 JWTs whose claim set is
// {iss, exp}.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TTL is the lifetime of minted tokens.
const TTL = time.Hour

// MakeToken produces a signed token claiming issuer iss, expiring TTL from
// now. Returns empty string on signing failure.
func MakeToken(iss, key string) string {
	claims := jwt.MapClaims{
		"iss": iss,
		"exp": time.Now().Unix() + int64(TTL.Seconds()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(key))
	if err != nil {
		return ""
	}
	return signed
}

// ValidateToken reports whether tok decodes under key with a map claim set
// whose exp is a positive integer strictly in the future. Expiry is checked
// here rather than by the parser so that a missing or non-positive exp is
// rejected outright.
func ValidateToken(tok, key string) bool {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(tok, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(key), nil
	})
	if err != nil {
		return false
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return false
	}
	if int64(exp) <= 0 || time.Now().Unix() >= int64(exp) {
		return false
	}

	return true
}

package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestMakeTokenRoundTrip(t *testing.T) {
	tok := MakeToken("proxy", "secret-key")
	if tok == "" {
		t.Fatal("MakeToken() returned empty token")
	}
	if !ValidateToken(tok, "secret-key") {
		t.Error("ValidateToken() = false for freshly minted token")
	}
}

func TestValidateTokenWrongKey(t *testing.T) {
	tok := MakeToken("proxy", "secret-key")
	if ValidateToken(tok, "other-key") {
		t.Error("ValidateToken() = true under wrong key")
	}
}

func TestValidateTokenClaims(t *testing.T) {
	const key = "secret-key"

	sign := func(t *testing.T, claims jwt.MapClaims) string {
		t.Helper()
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		if err != nil {
			t.Fatal(err)
		}
		return signed
	}

	now := time.Now().Unix()

	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   bool
	}{
		{"valid", jwt.MapClaims{"iss": "a", "exp": now + 60}, true},
		{"expired", jwt.MapClaims{"iss": "a", "exp": now - 60}, false},
		{"exp now", jwt.MapClaims{"iss": "a", "exp": now}, false},
		{"missing exp", jwt.MapClaims{"iss": "a"}, false},
		{"zero exp", jwt.MapClaims{"iss": "a", "exp": 0}, false},
		{"negative exp", jwt.MapClaims{"iss": "a", "exp": -5}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateToken(sign(t, tt.claims), key); got != tt.want {
				t.Errorf("ValidateToken() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateTokenGarbage(t *testing.T) {
	if ValidateToken("not-a-token", "key") {
		t.Error("ValidateToken() = true for garbage input")
	}
	if ValidateToken("", "key") {
		t.Error("ValidateToken() = true for empty input")
	}
}

func TestValidateTokenRejectsNone(t *testing.T) {
	// alg=none tokens must never validate, whatever the claims.
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"iss": "a",
		"exp": time.Now().Unix() + 60,
	})
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if ValidateToken(signed, "key") {
		t.Error("ValidateToken() = true for alg=none token")
	}
}

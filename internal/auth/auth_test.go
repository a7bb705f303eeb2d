package auth

import (
	"testing"

	"github.com/ZJUSCT/OJTrack/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWT("coach", "secret", 1)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ValidateJWT(token, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "coach" || claims.Role != "admin" {
		t.Errorf("claims = %+v", claims)
	}
	if _, err := ValidateJWT(token, "other"); err == nil {
		t.Error("token accepted with the wrong secret")
	}
}

func TestValidateRejectsForeignTokens(t *testing.T) {
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x", Issuer: "someone-else"})
	s, _ := foreign.SignedString([]byte("secret"))
	if _, err := ValidateJWT(s, "secret"); err == nil {
		t.Error("token from another issuer accepted")
	}

	expired, _ := GenerateJWT("coach", "secret", -1)
	if _, err := ValidateJWT(expired, "secret"); err == nil {
		t.Error("expired token accepted")
	}
}

func TestCheckAdmin(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Admin{Username: "coach", PasswordHash: hash}
	tests := []struct {
		user, pass string
		want       bool
	}{
		{"coach", "hunter2", true},
		{"coach", "wrong", false},
		{"other", "hunter2", false},
	}
	for _, tt := range tests {
		if got := CheckAdmin(cfg, tt.user, tt.pass); got != tt.want {
			t.Errorf("CheckAdmin(%q, %q) = %v", tt.user, tt.pass, got)
		}
	}
	if CheckAdmin(config.Admin{}, "", "") {
		t.Error("unconfigured admin authenticated")
	}
}

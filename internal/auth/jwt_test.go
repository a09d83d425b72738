package auth

import (
	"testing"
	"time"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT("secret", 42, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	cl, err := ParseJWT("secret", tok)
	if err != nil {
		t.Fatalf("ParseJWT: %v", err)
	}
	if cl.UserID != 42 {
		t.Fatalf("UserID = %d, want 42", cl.UserID)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	tok, _ := SignJWT("secret", 42, time.Hour)
	if _, err := ParseJWT("other", tok); err == nil {
		t.Fatal("token verified with the wrong secret")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	tok, _ := SignJWT("secret", 42, -time.Minute)
	if _, err := ParseJWT("secret", tok); err == nil {
		t.Fatal("expired token verified")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := ParseJWT("secret", "not.a.token"); err == nil {
		t.Fatal("garbage token verified")
	}
}

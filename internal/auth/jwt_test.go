package auth

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	tok, err := IssueToken("secret", 42, "pro", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseToken("secret", tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != 42 || claims.Tier != "pro" {
		t.Fatalf("claims %+v", claims)
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	tok, err := IssueToken("secret", 1, "regular", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseToken("other", tok); err == nil {
		t.Fatalf("expected signature failure")
	}
}

func TestParseToken_Expired(t *testing.T) {
	tok, err := IssueToken("secret", 1, "regular", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseToken("secret", tok); err == nil {
		t.Fatalf("expected expiry failure")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPassword(hash, "hunter2hunter2") {
		t.Fatalf("correct password rejected")
	}
	if CheckPassword(hash, "wrong") {
		t.Fatalf("wrong password accepted")
	}
}

package auth

import (
	"testing"
	"time"
)

func TestIssueParseRoundTrip(t *testing.T) {
	signed, exp, err := Issue("stu-1", RoleStudent, "classtrack", "secret", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatal("expiry should be in the future")
	}
	claims, err := Parse(signed, "secret", "classtrack")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "stu-1" || claims.Role != RoleStudent {
		t.Fatalf("claims %+v", claims)
	}
}

func TestParseRejectsBadKeyAndIssuer(t *testing.T) {
	signed, _, err := Issue("fac-1", RoleFaculty, "classtrack", "secret", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(signed, "wrong", "classtrack"); err == nil {
		t.Fatal("wrong signing key must fail")
	}
	if _, err := Parse(signed, "secret", "someone-else"); err == nil {
		t.Fatal("issuer mismatch must fail")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	signed, _, err := Issue("stu-1", RoleStudent, "classtrack", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(signed, "secret", "classtrack"); err == nil {
		t.Fatal("expired token must fail")
	}
}

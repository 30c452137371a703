package auth

import (
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("user-1", "admin", "faceattend", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := Parse(pair.AccessToken, "secret", "faceattend")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if claims.Subject != "user-1" || claims.Role != "admin" {
		t.Errorf("claims = %q/%q; want user-1/admin", claims.Subject, claims.Role)
	}
}

func TestParseRejects(t *testing.T) {
	pair, err := Issue("user-1", "student", "faceattend", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Parse(pair.AccessToken, "other-key", "faceattend"); err == nil {
		t.Error("token signed with another key must not parse")
	}
	if _, err := Parse(pair.AccessToken, "secret", "someone-else"); err == nil {
		t.Error("issuer mismatch must not parse")
	}

	expired, err := Issue("user-1", "student", "faceattend", "secret", -time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(expired.AccessToken, "secret", "faceattend"); err == nil {
		t.Error("expired token must not parse")
	}
}

package authgate

import (
	"net/http"
	"testing"
	"time"
)

func TestExtractTokenPrefersBearerOverCustomHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer bearer-token")
	h.Set("token", "custom-token")
	if got := ExtractToken(h); got != "bearer-token" {
		t.Fatalf("expected bearer-token, got %s", got)
	}
}

func TestExtractTokenFallsBackToCustomHeader(t *testing.T) {
	h := http.Header{}
	h.Set("token", "custom-token")
	if got := ExtractToken(h); got != "custom-token" {
		t.Fatalf("expected custom-token, got %s", got)
	}
}

func TestAuthenticateAdminToken(t *testing.T) {
	g := New("super-secret", DefaultRateLimitConfig())
	res := g.Authenticate("super-secret", "1.1.1.1")
	if !res.Authenticated || !res.IsAdmin {
		t.Fatalf("expected authenticated admin, got %+v", res)
	}
}

func TestAuthenticateRejectsWrongToken(t *testing.T) {
	g := New("super-secret", DefaultRateLimitConfig())
	res := g.Authenticate("wrong", "1.1.1.2")
	if res.Authenticated {
		t.Fatalf("expected rejection for wrong token")
	}
}

func TestAuthenticateAPIKey(t *testing.T) {
	g := New("", DefaultRateLimitConfig())
	g.RegisterAPIKey("shogun-api-abc123", "alice", time.Time{})
	res := g.Authenticate("shogun-api-abc123", "1.1.1.3")
	if !res.Authenticated || res.Owner != "alice" {
		t.Fatalf("expected authenticated alice, got %+v", res)
	}
}

func TestAuthenticateRejectsExpiredAPIKey(t *testing.T) {
	g := New("", DefaultRateLimitConfig())
	g.RegisterAPIKey("shogun-api-expired", "bob", time.Now().Add(-time.Hour))
	res := g.Authenticate("shogun-api-expired", "1.1.1.4")
	if res.Authenticated {
		t.Fatalf("expected expired key to be rejected")
	}
}

func TestRevokedAPIKeyIsRejected(t *testing.T) {
	g := New("", DefaultRateLimitConfig())
	g.RegisterAPIKey("shogun-api-revokeme", "carol", time.Time{})
	g.RevokeAPIKey("shogun-api-revokeme")
	res := g.Authenticate("shogun-api-revokeme", "1.1.1.5")
	if res.Authenticated {
		t.Fatalf("expected revoked key to be rejected")
	}
}

func TestFailedAttemptRateLimitBlocksIP(t *testing.T) {
	g := New("super-secret", RateLimitConfig{MaxAttempts: 2, Window: time.Minute})
	ip := "9.9.9.9"
	g.Authenticate("bad", ip)
	g.Authenticate("bad", ip)
	res := g.Authenticate("super-secret", ip)
	if res.Authenticated {
		t.Fatalf("expected blocked IP to fail even with a valid token")
	}
	if res.Reason == "" {
		t.Fatalf("expected a reason explaining the block")
	}
}

func TestRateLimitWindowExpires(t *testing.T) {
	g := New("super-secret", RateLimitConfig{MaxAttempts: 1, Window: 30 * time.Millisecond})
	ip := "9.9.9.10"
	g.Authenticate("bad", ip)
	time.Sleep(60 * time.Millisecond)
	res := g.Authenticate("super-secret", ip)
	if !res.Authenticated {
		t.Fatalf("expected the rate limit window to have expired, got %+v", res)
	}
}

func TestMissingTokenIsRejected(t *testing.T) {
	g := New("super-secret", DefaultRateLimitConfig())
	res := g.Authenticate("", "1.1.1.6")
	if res.Authenticated {
		t.Fatalf("expected empty token to be rejected")
	}
}

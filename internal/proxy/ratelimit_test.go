package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/latencypoison/latencypoison/internal/models"
	"github.com/latencypoison/latencypoison/internal/security"
)

func TestRateLimiterPerKey(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	if !limiter.Allow("a") || !limiter.Allow("a") {
		t.Fatalf("burst should be admitted")
	}
	if limiter.Allow("a") {
		t.Fatalf("third request should be limited")
	}
	if !limiter.Allow("b") {
		t.Fatalf("other collections have their own bucket")
	}
	limiter.Forget("a")
	if !limiter.Allow("a") {
		t.Fatalf("forgotten bucket should start full")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("a") {
			t.Fatalf("disabled limiter rejected a request")
		}
	}
}

func TestOwnerAuthorizer(t *testing.T) {
	auth := OwnerAuthorizer{Secret: "secret"}
	collection := models.Collection{ID: "c1", OwnerID: 7}

	token, errSign := security.GenerateToken("secret", 7, "alice", "alice@example.com", time.Hour)
	if errSign != nil {
		t.Fatalf("sign: %v", errSign)
	}
	other, errSign := security.GenerateToken("secret", 8, "bob", "bob@example.com", time.Hour)
	if errSign != nil {
		t.Fatalf("sign: %v", errSign)
	}

	r := httptest.NewRequest(http.MethodGet, "/proxy/c1/x", nil)
	r.Header.Set(TokenHeader, "Bearer "+token)
	if err := auth.Authorize(context.Background(), r, collection); err != nil {
		t.Fatalf("owner rejected: %v", err)
	}

	r.Header.Set(TokenHeader, token)
	if err := auth.Authorize(context.Background(), r, collection); err != nil {
		t.Fatalf("bare token rejected: %v", err)
	}

	r.Header.Set(TokenHeader, "Bearer "+other)
	if err := auth.Authorize(context.Background(), r, collection); err == nil {
		t.Fatalf("non-owner admitted")
	}

	r.Header.Del(TokenHeader)
	if err := auth.Authorize(context.Background(), r, collection); err == nil {
		t.Fatalf("missing token admitted")
	}

	if err := (AllowAll{}).Authorize(context.Background(), nil, collection); err != nil {
		t.Fatalf("allow all rejected: %v", err)
	}
}

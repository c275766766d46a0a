package proxy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/latencypoison/latencypoison/internal/models"
	"github.com/latencypoison/latencypoison/internal/security"
)

// Authorizer decides whether a caller may proxy through a collection.
type Authorizer interface {
	Authorize(ctx context.Context, r *http.Request, collection models.Collection) error
}

// AllowAll admits every caller.
type AllowAll struct{}

// Authorize always succeeds.
func (AllowAll) Authorize(context.Context, *http.Request, models.Collection) error { return nil }

// OwnerAuthorizer admits callers presenting a valid token for the collection owner.
// The token is read from X-LatencyPoison-Token so the Authorization header stays free for the upstream.
type OwnerAuthorizer struct {
	Secret string
}

// TokenHeader carries the caller's bearer token on proxied requests.
const TokenHeader = "X-LatencyPoison-Token"

// Authorize validates the token and compares its subject with the collection owner.
func (a OwnerAuthorizer) Authorize(_ context.Context, r *http.Request, collection models.Collection) error {
	if r == nil {
		return ErrForbidden
	}
	raw := r.Header.Get(TokenHeader)
	token, errToken := security.BearerToken(raw)
	if errToken != nil {
		// A bare token is also accepted.
		token = raw
	}
	if token == "" {
		return fmt.Errorf("%w: %v", ErrForbidden, security.ErrMissingToken)
	}
	claims, errParse := security.ParseToken(a.Secret, token)
	if errParse != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, errParse)
	}
	if claims.UserID != collection.OwnerID {
		return ErrForbidden
	}
	return nil
}

package ctxkeys

import (
	"context"

	"github.com/templui/downloadgroups/internal/model"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const (
	PrincipalKey contextKey = "principal"
	RequestIDKey contextKey = "request_id"
)

// Principal returns the authenticated caller, or nil for anonymous requests.
func Principal(ctx context.Context) *model.Principal {
	p, _ := ctx.Value(PrincipalKey).(*model.Principal)
	return p
}

func WithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

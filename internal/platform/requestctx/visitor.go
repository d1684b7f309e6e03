// Package requestctx carries per-request values that cross package
// boundaries without widening function signatures.
package requestctx

import (
	"context"
	"net/http"
	"strings"
)

// VariantQueryParam is the page query parameter that forces a variant label.
const VariantQueryParam = "variant"

// visitorIDContextKey is the context key for the visitor identity.
type visitorIDContextKey struct{}

// variantOverrideContextKey is the context key for a forced variant label.
type variantOverrideContextKey struct{}

// WithVisitorID stores a visitor identifier in context.
func WithVisitorID(ctx context.Context, visitorID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, visitorIDContextKey{}, visitorID)
}

// VisitorIDFromContext returns the visitor identifier stored in context.
func VisitorIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(visitorIDContextKey{}).(string)
	return value
}

// WithVariantOverride stores a forced variant label in context. Blank labels
// are ignored.
func WithVariantOverride(ctx context.Context, label string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return ctx
	}
	return context.WithValue(ctx, variantOverrideContextKey{}, label)
}

// VariantOverride returns the forced variant label stored in context.
func VariantOverride(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(variantOverrideContextKey{}).(string)
	return value
}

// VariantOverrideMiddleware copies the variant query parameter into the
// request context so components can honor it without seeing the request.
func VariantOverrideMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if label := r.URL.Query().Get(VariantQueryParam); strings.TrimSpace(label) != "" {
			r = r.WithContext(WithVariantOverride(r.Context(), label))
		}
		next.ServeHTTP(w, r)
	})
}

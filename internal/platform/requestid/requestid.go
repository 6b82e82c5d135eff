package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header carries the request ID in both directions.
const Header = "X-Request-Id"

type ctxKey struct{}

func New() string {
	return uuid.NewString()
}

// FromHeader returns the trimmed inbound ID, or a new one when absent.
func FromHeader(value string) string {
	if id := strings.TrimSpace(value); id != "" {
		return id
	}
	return New()
}

func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKey{}).(string)
	return v, ok && v != ""
}

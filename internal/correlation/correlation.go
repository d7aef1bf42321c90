// Package correlation carries per-operation correlation identifiers through
// contexts so log lines from the client, socket and REST layers can be joined.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxIDLength bounds accepted correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// Ensure returns ctx unchanged when it already carries an id, otherwise a
// child context with a freshly generated one.
func Ensure(ctx context.Context) context.Context {
	if ID(ctx) != "" {
		return ctx
	}
	return With(ctx, Generate())
}

// ID retrieves the correlation id stored on ctx.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims and validates an identifier: printable ASCII, at most
// MaxIDLength characters.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a short, sortable identifier.
func Generate() string {
	return xid.New().String()
}

// ABOUTME: Operator identity carried through request handlers
// ABOUTME: Provides WithOperator/FromContext for propagating identity via context

package auth

import (
	"context"
)

// Identity sources.
const (
	SourceToken     = "token"
	SourceHeader    = "header"
	SourceAnonymous = "anonymous"
)

// AnonymousOperator is the operator id used when no identity is supplied and
// token auth is disabled.
const AnonymousOperator = "operator"

// Operator is the authenticated operator behind a request.
type Operator struct {
	ID     string
	Source string // SourceToken, SourceHeader or SourceAnonymous
}

// operatorContextKey is the key type for storing Operator in context.Context.
type operatorContextKey struct{}

// WithOperator returns a new context with op attached.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, op)
}

// FromContext retrieves the Operator from the context, returning nil if not present.
func FromContext(ctx context.Context) *Operator {
	op, _ := ctx.Value(operatorContextKey{}).(*Operator)
	return op
}

// OperatorID returns the operator id in ctx, or "" when there is none.
func OperatorID(ctx context.Context) string {
	if op := FromContext(ctx); op != nil {
		return op.ID
	}
	return ""
}

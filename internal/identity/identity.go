package identity

import "context"

// Provider reports the user a request acts for.
type Provider interface {
	Current(ctx context.Context) (userID string, ok bool)
}

type contextKey struct{}

// WithUser returns a context carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// FromContext returns the user stored by WithUser.
func FromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)
	return userID, ok && userID != ""
}

// Context is the Provider used by the API layers: identity comes from the
// authenticated request context.
type Context struct{}

func (Context) Current(ctx context.Context) (string, bool) {
	return FromContext(ctx)
}

// Static is a Provider that always reports the same user. The empty Static
// reports no user.
type Static string

func (s Static) Current(context.Context) (string, bool) {
	return string(s), s != ""
}

// Chain asks each provider in turn and returns the first user found.
type Chain []Provider

func (c Chain) Current(ctx context.Context) (string, bool) {
	for _, p := range c {
		if userID, ok := p.Current(ctx); ok {
			return userID, true
		}
	}
	return "", false
}

// Resolve returns the acting user according to p. A nil provider trusts the
// caller and reports ("", true); a provider that knows nobody reports false.
func Resolve(ctx context.Context, p Provider) (userID string, ok bool) {
	if p == nil {
		return "", true
	}
	return p.Current(ctx)
}

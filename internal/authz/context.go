package authz

import "context"

type actorContextKey struct{}

// ContextWithActor attaches the authenticated actor's identifier to the
// context. The core never issues identities; the request layer resolves them
// from externally minted tokens.
func ContextWithActor(ctx context.Context, actorID string) context.Context {
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorIDFromContext extracts the authenticated actor's identifier.
func ActorIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(actorContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

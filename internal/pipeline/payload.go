package pipeline

import "context"

type bodyKey struct{}
type queryKey struct{}

// Schema returns a factory for RouteOptions.Body and RouteOptions.Query.
func Schema[T any]() func() any {
	return func() any { return new(T) }
}

func withBody(ctx context.Context, v any) context.Context {
	return context.WithValue(ctx, bodyKey{}, v)
}

func withQuery(ctx context.Context, v any) context.Context {
	return context.WithValue(ctx, queryKey{}, v)
}

// BodyFrom returns the validated body placed on ctx by the body gate.
func BodyFrom[T any](ctx context.Context) (*T, bool) {
	v, ok := ctx.Value(bodyKey{}).(*T)
	return v, ok
}

// QueryFrom returns the validated query placed on ctx by the query gate.
func QueryFrom[T any](ctx context.Context) (*T, bool) {
	v, ok := ctx.Value(queryKey{}).(*T)
	return v, ok
}

package situation

import "context"

// Provider supplies one snapshot field. ok is false when the provider
// has no value to offer right now; that is not an error.
type Provider[T any] interface {
	Query(ctx context.Context) (value T, ok bool, err error)
}

// ProviderFunc adapts a function to a Provider.
type ProviderFunc[T any] func(ctx context.Context) (T, bool, error)

// Query calls f.
func (f ProviderFunc[T]) Query(ctx context.Context) (T, bool, error) {
	return f(ctx)
}

// Static returns a provider that always yields v.
func Static[T any](v T) Provider[T] {
	return ProviderFunc[T](func(context.Context) (T, bool, error) {
		return v, true, nil
	})
}

package credentials

import "context"

// Store is the durable key-value holder of the session credentials.
// Load operations return serviceerr.ErrNotFound when nothing is stored.
type Store interface {
	LoadTokens(ctx context.Context) (TokenPair, error)
	SaveTokens(ctx context.Context, tokens TokenPair) error
	LoadProfile(ctx context.Context) (Profile, error)
	SaveProfile(ctx context.Context, profile Profile) error
	Clear(ctx context.Context) error
}

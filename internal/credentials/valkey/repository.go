package credentialsvalkey

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/p2pdesk/exchange-client/internal/credentials"
)

const objectTypeTokens = "tokens"
const objectTypeProfile = "profile"

// Repository keeps the credentials of one account in valkey.
type Repository struct {
	store      *store
	account    string
	profileTTL time.Duration
}

var _ credentials.Store = (*Repository)(nil)

func NewRepository(valkeyClient valkey.Client, prefix, account string, profileTTL time.Duration) *Repository {
	return &Repository{
		store:      newStore(valkeyClient, prefix),
		account:    account,
		profileTTL: profileTTL,
	}
}

func (r *Repository) LoadTokens(ctx context.Context) (tokens credentials.TokenPair, _ error) {
	if err := r.store.Get(ctx, objectTypeTokens, r.account, &tokens); err != nil {
		return credentials.TokenPair{}, fmt.Errorf("getting tokens from store: %w", err)
	}

	return tokens, nil
}

func (r *Repository) SaveTokens(ctx context.Context, tokens credentials.TokenPair) error {
	if err := r.store.Set(ctx, objectTypeTokens, r.account, tokens, 0); err != nil {
		return fmt.Errorf("setting tokens into storage: %w", err)
	}

	return nil
}

func (r *Repository) LoadProfile(ctx context.Context) (profile credentials.Profile, _ error) {
	if err := r.store.Get(ctx, objectTypeProfile, r.account, &profile); err != nil {
		return credentials.Profile{}, fmt.Errorf("getting profile from store: %w", err)
	}

	return profile, nil
}

func (r *Repository) SaveProfile(ctx context.Context, profile credentials.Profile) error {
	if err := r.store.Set(ctx, objectTypeProfile, r.account, profile, r.profileTTL); err != nil {
		return fmt.Errorf("setting profile into storage: %w", err)
	}

	return nil
}

func (r *Repository) Clear(ctx context.Context) error {
	if err := r.store.Destroy(ctx, r.account, objectTypeTokens, objectTypeProfile); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}

	return nil
}

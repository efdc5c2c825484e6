// Package session exposes the signed-in user: tokens from the credential
// store and a profile fetched once per access token.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/patrickmn/go-cache"
	slogctx "github.com/veqryn/slog-context"

	"github.com/p2pdesk/exchange-client/internal/credentials"
	"github.com/p2pdesk/exchange-client/internal/gateway"
	"github.com/p2pdesk/exchange-client/internal/serviceerr"
)

const DefaultProfilePath = "/client/profile"

// Access token signature algorithms accepted when reading claims.
var jwsSigAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256, jose.HS384, jose.HS512,
	jose.EdDSA,
}

// Gateway is satisfied by gateway.Client.
type Gateway interface {
	gateway.Requester
	Refresh(ctx context.Context) (credentials.TokenPair, error)
}

type Session struct {
	Tokens  credentials.TokenPair
	Profile credentials.Profile
}

type Manager struct {
	api         Gateway
	store       credentials.Store
	cache       *cache.Cache
	profilePath string
}

type Option func(*Manager)

func WithProfilePath(path string) Option {
	return func(m *Manager) {
		if path != "" {
			m.profilePath = path
		}
	}
}

// NewManager caches profiles for profileTTL per access token.
func NewManager(api Gateway, store credentials.Store, profileTTL time.Duration, opts ...Option) *Manager {
	m := &Manager{
		api:         api,
		store:       store,
		cache:       cache.New(profileTTL, 2*profileTTL),
		profilePath: DefaultProfilePath,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Current returns the signed-in session. It fails with ErrUnauthorized when
// no tokens are stored. When the profile cannot be fetched because the
// network is down, the last stored profile is used.
func (m *Manager) Current(ctx context.Context) (Session, error) {
	tokens, err := m.store.LoadTokens(ctx)
	if errors.Is(err, serviceerr.ErrNotFound) || (err == nil && tokens.Access == "") {
		return Session{}, serviceerr.ErrUnauthorized
	}
	if err != nil {
		return Session{}, fmt.Errorf("loading tokens: %w", err)
	}

	if cached, ok := m.cache.Get(tokens.Access); ok {
		//nolint:forcetypeassert
		return Session{Tokens: tokens, Profile: cached.(credentials.Profile)}, nil
	}

	profile, err := gateway.Request[credentials.Profile](ctx, m.api, m.profilePath, gateway.Options{})
	if err != nil {
		var netErr *serviceerr.NetworkError
		if !errors.As(err, &netErr) {
			return Session{}, fmt.Errorf("fetching profile: %w", err)
		}

		stored, loadErr := m.store.LoadProfile(ctx)
		if loadErr != nil {
			return Session{}, fmt.Errorf("fetching profile: %w", err)
		}

		slogctx.Warn(ctx, "Using stored profile while offline", "error", err)
		return Session{Tokens: tokens, Profile: stored}, nil
	}

	if err := m.store.SaveProfile(ctx, profile); err != nil {
		slogctx.Warn(ctx, "Could not store profile", "error", err)
	}

	// the token may have rotated while the profile was in flight
	current, err := m.store.LoadTokens(ctx)
	if err == nil && current.Access == tokens.Access {
		m.cache.Set(tokens.Access, profile, cache.DefaultExpiration)
	}

	return Session{Tokens: tokens, Profile: profile}, nil
}

// OnTokensChanged drops cached profiles so the next Current refetches.
func (m *Manager) OnTokensChanged(ctx context.Context, tokens credentials.TokenPair) {
	m.cache.Flush()

	if tokens.Empty() {
		slogctx.Debug(ctx, "Session ended")
	}
}

// RefreshExpiring refreshes the tokens when the access token expires within
// window. Opaque or expiry-less access tokens are left alone. It reports
// whether a refresh happened.
func (m *Manager) RefreshExpiring(ctx context.Context, window time.Duration) (bool, error) {
	tokens, err := m.store.LoadTokens(ctx)
	if errors.Is(err, serviceerr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading tokens: %w", err)
	}

	if tokens.Access == "" || tokens.Refresh == "" {
		return false, nil
	}

	expiry, ok := accessTokenExpiry(tokens.Access)
	if !ok {
		slogctx.Debug(ctx, "Access token carries no expiry")
		return false, nil
	}

	if !shouldRefresh(expiry, window) {
		return false, nil
	}

	slogctx.Info(ctx, "Refreshing expiring access token", "expiry", expiry)

	if _, err := m.api.Refresh(ctx); err != nil {
		return false, fmt.Errorf("refreshing tokens: %w", err)
	}

	return true, nil
}

func shouldRefresh(expiry time.Time, window time.Duration) bool {
	return time.Until(expiry) < window
}

// accessTokenExpiry reads the exp claim without verifying the signature.
func accessTokenExpiry(raw string) (time.Time, bool) {
	token, err := jwt.ParseSigned(raw, jwsSigAlgs)
	if err != nil {
		return time.Time{}, false
	}

	var claims jwt.Claims
	if err := token.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}, false
	}

	if claims.Expiry == nil {
		return time.Time{}, false
	}

	return claims.Expiry.Time(), true
}

package business

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	slogctx "github.com/veqryn/slog-context"

	"github.com/p2pdesk/exchange-client/internal/config"
	"github.com/p2pdesk/exchange-client/internal/credentials"
	credentialsvalkey "github.com/p2pdesk/exchange-client/internal/credentials/valkey"
	"github.com/p2pdesk/exchange-client/internal/gateway"
	"github.com/p2pdesk/exchange-client/internal/notifications"
	"github.com/p2pdesk/exchange-client/internal/offers"
	"github.com/p2pdesk/exchange-client/internal/orders"
	"github.com/p2pdesk/exchange-client/internal/realtime"
	"github.com/p2pdesk/exchange-client/internal/session"
	"github.com/p2pdesk/exchange-client/internal/telemetry"
)

// Client bundles the state-sync layer: one credential store, one gateway and
// one multiplexer shared by every feed.
type Client struct {
	Store         credentials.Store
	Gateway       *gateway.Client
	Mux           *realtime.Multiplexer
	Session       *session.Manager
	Offers        *offers.Service
	Notifications *notifications.Service
	Orders        *orders.Service
}

// Close shuts every transport down.
func (c *Client) Close() {
	if err := c.Mux.Close(); err != nil {
		slogctx.Warn(context.Background(), "Failed to close the realtime multiplexer", "error", err)
	}
}

// initClient connects the valkey credential store and builds the client on top of it.
func initClient(ctx context.Context, cfg *config.Config) (_ *Client, closeFn func(), _ error) {
	valkeyClient, err := NewValkeyClient(cfg.Credentials.ValKey)
	if err != nil {
		return nil, nil, err
	}

	store := credentialsvalkey.NewRepository(
		valkeyClient,
		cfg.Credentials.ValKey.Prefix,
		cfg.Credentials.Account,
		cfg.Credentials.ProfileTTL,
	)

	client, err := newClient(ctx, cfg, store)
	if err != nil {
		valkeyClient.Close()
		return nil, nil, err
	}

	return client, func() {
		client.Close()
		valkeyClient.Close()
	}, nil
}

func newClient(ctx context.Context, cfg *config.Config, store credentials.Store) (*Client, error) {
	meters, err := telemetry.NewMeters(ctx, telemetry.Meter(cfg))
	if err != nil {
		return nil, fmt.Errorf("creating meters: %w", err)
	}

	httpClient, err := NewHTTPClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading http client: %w", err)
	}

	gw, err := gateway.NewClient(cfg.API.BaseURL, store,
		gateway.WithHTTPClient(httpClient),
		gateway.WithMeters(meters),
		gateway.WithRedirector(gateway.RedirectFunc(redirectToLogin)),
		gateway.WithPaths(gateway.Paths{
			Login:   cfg.API.LoginPath,
			Refresh: cfg.API.RefreshPath,
			Logout:  cfg.API.LogoutPath,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gateway client: %w", err)
	}

	reconnect := cfg.Realtime.Reconnect
	mux, err := realtime.NewMultiplexer(ctx, realtime.Config{
		BaseURL:          cfg.Realtime.BaseURL,
		HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
		Reconnect: realtime.ReconnectPolicy{
			MaxAttempts:         reconnect.MaxAttempts,
			InitialInterval:     reconnect.InitialInterval,
			MaxInterval:         reconnect.MaxInterval,
			Multiplier:          reconnect.Multiplier,
			RandomizationFactor: reconnect.RandomizationFactor,
		},
	},
		realtime.WithMeters(meters),
		realtime.WithStateListener(logState),
	)
	if err != nil {
		return nil, fmt.Errorf("creating realtime multiplexer: %w", err)
	}

	sessions := session.NewManager(gw, store, cfg.Credentials.ProfileTTL, session.WithProfilePath(cfg.API.ProfilePath))

	gw.OnTokensChanged(sessions.OnTokensChanged)
	gw.OnTokensChanged(func(ctx context.Context, tokens credentials.TokenPair) {
		if err := mux.Rotate(ctx, tokens.Access); err != nil {
			slogctx.Warn(ctx, "Failed to rotate realtime channels", "error", err)
		}
	})

	return &Client{
		Store:         store,
		Gateway:       gw,
		Mux:           mux,
		Session:       sessions,
		Offers:        offers.NewService(gw),
		Notifications: notifications.NewService(gw),
		Orders:        orders.NewService(gw),
	}, nil
}

// NewValkeyClient connects to the credential store described by cfg.
func NewValkeyClient(cfg config.ValKey) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("loading valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.User)
	if err != nil {
		return nil, fmt.Errorf("loading valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("loading valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	}

	if cfg.SecretRef.Type == commoncfg.MTLSSecretType {
		tlsConfig, err := commoncfg.LoadMTLSConfig(&cfg.SecretRef.MTLS)
		if err != nil {
			return nil, fmt.Errorf("loading valkey mTLS config from secret ref: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	valkeyClient, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return valkeyClient, nil
}

// NewHTTPClient builds the client used against the exchange API, with mTLS when
// configured.
func NewHTTPClient(cfg *config.Config) (*http.Client, error) {
	if cfg.API.MTLS == nil {
		return &http.Client{Timeout: cfg.API.Timeout}, nil
	}

	tlsConfig, err := commoncfg.LoadMTLSConfig(cfg.API.MTLS)
	if err != nil {
		return nil, fmt.Errorf("failed to load mTLS config: %w", err)
	}

	return &http.Client{
		Timeout: cfg.API.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}, nil
}

func redirectToLogin(ctx context.Context) {
	slogctx.Warn(ctx, "Session expired, run the login command to sign in again")
}

func logState(ctx context.Context, class realtime.Class, state realtime.State) {
	slogctx.Info(ctx, "Realtime channel state changed", "channel", class, "state", state.String())
}

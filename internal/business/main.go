package business

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"

	slogctx "github.com/veqryn/slog-context"

	"github.com/p2pdesk/exchange-client/internal/config"
	"github.com/p2pdesk/exchange-client/internal/notifications"
	"github.com/p2pdesk/exchange-client/internal/offers"
	"github.com/p2pdesk/exchange-client/internal/orders"
	"github.com/p2pdesk/exchange-client/internal/reconcile"
	"github.com/p2pdesk/exchange-client/internal/serviceerr"
)

var (
	errNotLoggedIn = errors.New("not logged in, run the login command first")
	errNoOrder     = errors.New("neither an order id nor an offer id is configured")
)

// LoginMain signs in with the configured account and stores the tokens.
func LoginMain(ctx context.Context, cfg *config.Config) error {
	client, closeFn, err := initClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the client: %w", err)
	}
	defer closeFn()

	return login(ctx, client, cfg.Account)
}

func login(ctx context.Context, client *Client, account config.Account) error {
	if account.Email == "" {
		return errors.New("account email is not configured")
	}

	password, err := commoncfg.LoadValueFromSourceRef(account.Password)
	if err != nil {
		return fmt.Errorf("loading account password: %w", err)
	}

	if _, err := client.Gateway.Login(ctx, account.Email, string(password)); err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	current, err := client.Session.Current(ctx)
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}

	slogctx.Info(ctx, "Logged in", "user_id", current.Profile.ID, "nickname", current.Profile.Nickname)

	return nil
}

// LogoutMain ends the session and clears the stored credentials.
func LogoutMain(ctx context.Context, cfg *config.Config) error {
	client, closeFn, err := initClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the client: %w", err)
	}
	defer closeFn()

	if err := client.Gateway.Logout(ctx); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	slogctx.Info(ctx, "Logged out")

	return nil
}

// OffersWatchMain follows the offer book for the configured filter until ctx ends.
func OffersWatchMain(ctx context.Context, cfg *config.Config) error {
	client, closeFn, err := initClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the client: %w", err)
	}
	defer closeFn()

	return watchOffers(ctx, client, cfg.Feed)
}

func watchOffers(ctx context.Context, client *Client, cfg config.Feed) error {
	token, err := accessToken(ctx, client)
	if err != nil {
		return err
	}

	filter := offers.Filter{
		Side:          offers.Side(cfg.Side),
		BaseAsset:     cfg.BaseAsset,
		QuoteAsset:    cfg.QuoteAsset,
		PaymentMethod: cfg.PaymentMethod,
		Amount:        cfg.Amount,
	}

	feed, err := offers.NewFeed(ctx, client.Offers, client.Mux, token, filter, offers.FeedConfig{
		PageSize:           cfg.PageSize,
		EvictOnFilterDrift: cfg.EvictOnFilterDrift,
		OnChange: func(s reconcile.Snapshot[offers.Offer]) {
			logSnapshot(ctx, "offers", len(s.Items), s.HasMore, s.Loading, s.Err)
		},
	})
	if err != nil {
		return err
	}
	defer feed.Close()

	slogctx.Info(ctx, "Watching offers", "filter", filter)
	feed.LoadNext(ctx)

	<-ctx.Done()

	return nil
}

// InboxWatchMain follows the notification inbox until ctx ends.
func InboxWatchMain(ctx context.Context, cfg *config.Config) error {
	client, closeFn, err := initClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the client: %w", err)
	}
	defer closeFn()

	return watchInbox(ctx, client, cfg.Feed.PageSize)
}

func watchInbox(ctx context.Context, client *Client, pageSize int) error {
	token, err := accessToken(ctx, client)
	if err != nil {
		return err
	}

	inbox, err := notifications.NewInbox(ctx, client.Notifications, client.Mux, token, notifications.Filter{}, pageSize,
		func(s reconcile.Snapshot[notifications.Notification]) {
			logSnapshot(ctx, "notifications", len(s.Items), s.HasMore, s.Loading, s.Err)
		},
	)
	if err != nil {
		return err
	}
	defer inbox.Close()

	inbox.LoadNext(ctx)
	slogctx.Info(ctx, "Watching notifications", "unread", inbox.Unread())

	<-ctx.Done()

	return nil
}

// OrderWatchMain follows one order, opening it first when only an offer is
// configured, until ctx ends.
func OrderWatchMain(ctx context.Context, cfg *config.Config) error {
	client, closeFn, err := initClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the client: %w", err)
	}
	defer closeFn()

	return watchOrder(ctx, client, cfg.OrderWatch)
}

func watchOrder(ctx context.Context, client *Client, cfg config.OrderWatch) error {
	token, err := accessToken(ctx, client)
	if err != nil {
		return err
	}

	orderID := cfg.OrderID
	if orderID == "" {
		if cfg.OfferID == "" {
			return errNoOrder
		}

		order, err := client.Orders.Create(ctx, orders.Input{
			OfferID:       cfg.OfferID,
			Amount:        cfg.Amount,
			PaymentMethod: cfg.PaymentMethod,
		})
		if err != nil {
			return err
		}

		slogctx.Info(ctx, "Opened order", "order", order.ID, "offer", cfg.OfferID, "status", order.Status)
		orderID = order.ID
	}

	room, err := orders.OpenRoom(ctx, client.Orders, client.Mux, token, orderID, orders.RoomConfig{
		PageSize: cfg.PageSize,
		OnChange: func(s reconcile.Snapshot[orders.Message]) {
			logSnapshot(ctx, "messages", len(s.Items), s.HasMore, s.Loading, s.Err)
		},
		OnStatus: func(ctx context.Context, order orders.Order) {
			slogctx.Info(ctx, "Order status", "order", order.ID, "status", order.Status)
		},
	})
	if err != nil {
		return err
	}
	defer room.Close()

	slogctx.Info(ctx, "Watching order", "order", orderID)

	<-ctx.Done()

	return nil
}

// TokenRefresherMain renews access tokens shortly before they expire.
func TokenRefresherMain(ctx context.Context, cfg *config.Config) error {
	client, closeFn, err := initClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the client: %w", err)
	}
	defer closeFn()

	slogctx.Info(ctx, "Starting token refresh job")
	return startTokenRefresher(ctx, client, cfg.TokenRefresher)
}

func startTokenRefresher(ctx context.Context, client *Client, cfg config.TokenRefresher) error {
	c := time.Tick(cfg.RefreshInterval)
	for {
		slogctx.Debug(ctx, "Triggering tokens refresh")
		refreshed, err := client.Session.RefreshExpiring(ctx, cfg.RefreshBefore)
		if err != nil {
			slogctx.Error(ctx, "Failed to refresh tokens", "error", err)
		} else if refreshed {
			slogctx.Info(ctx, "Refreshed access token")
		}

		select {
		case <-c:
			continue
		case <-ctx.Done():
			return nil
		}
	}
}

func accessToken(ctx context.Context, client *Client) (string, error) {
	tokens, err := client.Store.LoadTokens(ctx)
	if errors.Is(err, serviceerr.ErrNotFound) || (err == nil && tokens.Access == "") {
		return "", errNotLoggedIn
	}
	if err != nil {
		return "", fmt.Errorf("loading tokens: %w", err)
	}

	return tokens.Access, nil
}

func logSnapshot(ctx context.Context, list string, items int, hasMore, loading bool, err error) {
	if err != nil {
		slogctx.Warn(ctx, "List update", "list", list, "items", items, "has_more", hasMore, "error", err)
		return
	}

	slogctx.Info(ctx, "List update", "list", list, "items", items, "has_more", hasMore, "loading", loading)
}

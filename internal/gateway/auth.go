package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/p2pdesk/exchange-client/internal/credentials"
	"github.com/p2pdesk/exchange-client/internal/serviceerr"
)

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges the user credentials for a token pair and stores it.
func (c *Client) Login(ctx context.Context, email, password string) (credentials.TokenPair, error) {
	body, err := encodeBody(loginRequest{Email: email, Password: password})
	if err != nil {
		return credentials.TokenPair{}, err
	}

	resp, err := c.do(ctx, c.paths.Login, Options{Method: http.MethodPost}, body, "")
	if err != nil {
		return credentials.TokenPair{}, err
	}

	if !resp.ok() {
		return credentials.TokenPair{}, newHTTPError(resp)
	}

	tokens, err := decodeTokens(resp.body)
	if err != nil {
		return credentials.TokenPair{}, err
	}

	if err := c.store.SaveTokens(ctx, tokens); err != nil {
		return credentials.TokenPair{}, fmt.Errorf("saving tokens: %w", err)
	}

	slogctx.Info(ctx, "Signed in")
	c.notify(ctx, tokens)

	return tokens, nil
}

// Logout tells the server to revoke the session and clears local state.
// The server call is best effort; local state is always cleared.
func (c *Client) Logout(ctx context.Context) error {
	tokens, err := c.currentTokens(ctx)
	if err != nil {
		return err
	}

	if tokens.Refresh != "" {
		body, err := encodeBody(refreshRequest{RefreshToken: tokens.Refresh})
		if err != nil {
			return err
		}

		resp, err := c.do(ctx, c.paths.Logout, Options{Method: http.MethodPost}, body, tokens.Access)
		switch {
		case err != nil:
			slogctx.Warn(ctx, "Logout call failed", "error", err)
		case !resp.ok():
			slogctx.Warn(ctx, "Logout call rejected", "status", resp.status)
		}
	}

	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}

	slogctx.Info(ctx, "Signed out")
	c.notify(ctx, credentials.TokenPair{})

	return nil
}

// Refresh rotates the token pair. Concurrent callers share one exchange.
func (c *Client) Refresh(ctx context.Context) (credentials.TokenPair, error) {
	tokens, err := c.currentTokens(ctx)
	if err != nil {
		return credentials.TokenPair{}, err
	}

	return c.refresh(ctx, tokens.Access)
}

// refresh shares one refresh token exchange between all callers holding the
// same stale access token. The exchange runs detached from the caller context
// so one cancelled caller does not fail the others.
func (c *Client) refresh(ctx context.Context, staleAccess string) (credentials.TokenPair, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(staleAccess, func() (any, error) {
		return c.exchangeRefreshToken(flightCtx, staleAccess)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return credentials.TokenPair{}, res.Err
		}

		return res.Val.(credentials.TokenPair), nil
	case <-ctx.Done():
		return credentials.TokenPair{}, ctx.Err()
	}
}

func (c *Client) exchangeRefreshToken(ctx context.Context, staleAccess string) (credentials.TokenPair, error) {
	current, err := c.currentTokens(ctx)
	if err != nil {
		return credentials.TokenPair{}, err
	}

	// a flight for this token already rotated the pair
	if current.Access != "" && current.Access != staleAccess {
		return current, nil
	}

	// the session already ended
	if current.Access == "" && staleAccess != "" {
		return credentials.TokenPair{}, serviceerr.ErrUnauthorized
	}

	if current.Refresh == "" {
		c.forceLogout(ctx, "no refresh token")
		return credentials.TokenPair{}, serviceerr.ErrUnauthorized
	}

	body, err := encodeBody(refreshRequest{RefreshToken: current.Refresh})
	if err != nil {
		return credentials.TokenPair{}, err
	}

	c.meters.TokenRefreshes.Add(ctx, 1)

	resp, err := c.do(ctx, c.paths.Refresh, Options{Method: http.MethodPost}, body, "")
	if err != nil {
		// The pair is kept since the server never judged it, so the stale
		// access token is sent again until a refresh gets an answer.
		return credentials.TokenPair{}, err
	}

	if !resp.ok() {
		c.forceLogout(ctx, fmt.Sprintf("refresh rejected with status %d", resp.status))
		return credentials.TokenPair{}, serviceerr.ErrUnauthorized
	}

	tokens, err := decodeTokens(resp.body)
	if err != nil {
		c.forceLogout(ctx, "refresh returned no usable tokens")
		return credentials.TokenPair{}, serviceerr.ErrUnauthorized
	}

	if err := c.store.SaveTokens(ctx, tokens); err != nil {
		return credentials.TokenPair{}, fmt.Errorf("saving refreshed tokens: %w", err)
	}

	slogctx.Info(ctx, "Refreshed the token pair")
	c.notify(ctx, tokens)

	return tokens, nil
}

func (c *Client) forceLogout(ctx context.Context, reason string) {
	slogctx.Warn(ctx, "Ending the session", "reason", reason)
	c.meters.ForcedLogouts.Add(ctx, 1)

	if err := c.store.Clear(ctx); err != nil {
		slogctx.Error(ctx, "Failed to clear credentials", "error", err)
	}

	c.notify(ctx, credentials.TokenPair{})
	c.redirector.RedirectToLogin(ctx)
}

func (c *Client) notify(ctx context.Context, tokens credentials.TokenPair) {
	c.mu.Lock()
	listeners := make([]TokensListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx, tokens)
	}
}

func decodeTokens(data []byte) (credentials.TokenPair, error) {
	var tokens credentials.TokenPair
	if err := json.Unmarshal(data, &tokens); err != nil {
		return credentials.TokenPair{}, fmt.Errorf("decoding token response: %w", err)
	}

	if tokens.Access == "" {
		return credentials.TokenPair{}, errors.New("token response without access token")
	}

	return tokens, nil
}

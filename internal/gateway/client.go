// Package gateway is the single chokepoint for REST calls to the exchange API.
//
// Every call carries the current access token. A 401 on a regular endpoint
// triggers one shared refresh of the token pair and one retry of the call.
// A failed refresh ends the session: the credential store is cleared and the
// login redirector is invoked.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	slogctx "github.com/veqryn/slog-context"

	"github.com/p2pdesk/exchange-client/internal/credentials"
	"github.com/p2pdesk/exchange-client/internal/serviceerr"
	"github.com/p2pdesk/exchange-client/internal/telemetry"
)

const (
	DefaultLoginPath   = "/auth/login"
	DefaultRefreshPath = "/auth/refresh"
	DefaultLogoutPath  = "/auth/logout"
)

// LoginRedirector is told when the session ended and the user must sign in again.
type LoginRedirector interface {
	RedirectToLogin(ctx context.Context)
}

// RedirectFunc adapts a function to LoginRedirector.
type RedirectFunc func(ctx context.Context)

func (f RedirectFunc) RedirectToLogin(ctx context.Context) { f(ctx) }

// TokensListener observes every change of the token pair. An empty pair means logout.
type TokensListener func(ctx context.Context, tokens credentials.TokenPair)

// Options describe one API call.
type Options struct {
	Method string
	Query  url.Values
	Body   any
	Header http.Header
}

type Paths struct {
	Login   string
	Refresh string
	Logout  string
}

type Client struct {
	baseURL    *url.URL
	paths      Paths
	httpClient *http.Client
	store      credentials.Store
	redirector LoginRedirector
	meters     *telemetry.Meters

	flight singleflight.Group

	mu        sync.Mutex
	listeners []TokensListener
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) { client.httpClient = c }
}

func WithRedirector(r LoginRedirector) Option {
	return func(client *Client) { client.redirector = r }
}

func WithPaths(p Paths) Option {
	return func(client *Client) {
		if p.Login != "" {
			client.paths.Login = p.Login
		}
		if p.Refresh != "" {
			client.paths.Refresh = p.Refresh
		}
		if p.Logout != "" {
			client.paths.Logout = p.Logout
		}
	}
}

func WithMeters(m *telemetry.Meters) Option {
	return func(client *Client) { client.meters = m }
}

func NewClient(baseURL string, store credentials.Store, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing api base url: %w", err)
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api base url %q must be absolute", baseURL)
	}

	c := &Client{
		baseURL:    u,
		httpClient: http.DefaultClient,
		store:      store,
		redirector: RedirectFunc(func(context.Context) {}),
		meters:     telemetry.Noop(),
		paths: Paths{
			Login:   DefaultLoginPath,
			Refresh: DefaultRefreshPath,
			Logout:  DefaultLogoutPath,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// OnTokensChanged registers fn to be called after every login, refresh and logout.
func (c *Client) OnTokensChanged(fn TokensListener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners = append(c.listeners, fn)
}

// Request performs an authorised call and returns the raw response body.
func (c *Client) Request(ctx context.Context, endpoint string, opts Options) ([]byte, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, serviceerr.ErrInvalidEndpoint
	}

	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, err
	}

	ctx = slogctx.With(ctx, "endpoint", endpoint)

	return c.attempt(ctx, endpoint, opts, body)
}

// attempt is the first try of a call. It is the only path that may refresh.
func (c *Client) attempt(ctx context.Context, endpoint string, opts Options, body []byte) ([]byte, error) {
	tokens, err := c.currentTokens(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, endpoint, opts, body, tokens.Access)
	if err != nil {
		return nil, err
	}

	if resp.status == http.StatusUnauthorized && !c.isAuthEndpoint(endpoint) {
		slogctx.Debug(ctx, "Access token rejected, refreshing")

		fresh, err := c.refresh(ctx, tokens.Access)
		if err != nil {
			return nil, err
		}

		return c.attemptWithFreshToken(ctx, endpoint, opts, body, fresh.Access)
	}

	return c.result(ctx, endpoint, resp)
}

// attemptWithFreshToken retries a call once. It never refreshes again.
func (c *Client) attemptWithFreshToken(ctx context.Context, endpoint string, opts Options, body []byte, access string) ([]byte, error) {
	resp, err := c.do(ctx, endpoint, opts, body, access)
	if err != nil {
		return nil, err
	}

	return c.result(ctx, endpoint, resp)
}

func (c *Client) result(ctx context.Context, endpoint string, resp *response) ([]byte, error) {
	if resp.ok() {
		return resp.body, nil
	}

	if endpoint == c.paths.Refresh {
		c.forceLogout(ctx, "refresh endpoint rejected the call")
		return nil, serviceerr.ErrUnauthorized
	}

	return nil, newHTTPError(resp)
}

func (c *Client) isAuthEndpoint(endpoint string) bool {
	return endpoint == c.paths.Refresh || endpoint == c.paths.Login
}

func (c *Client) currentTokens(ctx context.Context) (credentials.TokenPair, error) {
	tokens, err := c.store.LoadTokens(ctx)
	if errors.Is(err, serviceerr.ErrNotFound) {
		return credentials.TokenPair{}, nil
	}
	if err != nil {
		return credentials.TokenPair{}, fmt.Errorf("loading tokens: %w", err)
	}

	return tokens, nil
}

type response struct {
	status int
	body   []byte
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (c *Client) do(ctx context.Context, endpoint string, opts Options, body []byte, access string) (*response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	u := c.baseURL.JoinPath(endpoint)
	if len(opts.Query) > 0 {
		u.RawQuery = opts.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, values := range opts.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}

	ctx = slogctx.With(ctx, commoncfg.AttrRequestID, requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slogctx.Warn(ctx, "API request failed", "method", method, "error", err)
		return nil, &serviceerr.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &serviceerr.NetworkError{Err: err}
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.Int("status", resp.StatusCode),
	)
	c.meters.Requests.Add(ctx, 1, attrs)
	c.meters.RequestDuration.Record(ctx, time.Since(start).Milliseconds(), attrs)

	slogctx.Debug(ctx, "API request done", "method", method, "status", resp.StatusCode)

	return &response{status: resp.StatusCode, body: data}, nil
}

func encodeBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}

	if raw, ok := v.([]byte); ok {
		return raw, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}

	return data, nil
}

// newHTTPError reads the server message from the message, detail or error field.
func newHTTPError(resp *response) *serviceerr.HTTPError {
	var payload struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Error   string `json:"error"`
	}

	httpErr := &serviceerr.HTTPError{StatusCode: resp.status}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return httpErr
	}

	switch {
	case payload.Message != "":
		httpErr.Message = payload.Message
	case payload.Detail != "":
		httpErr.Message = payload.Detail
	case payload.Error != "":
		httpErr.Message = payload.Error
	}

	return httpErr
}

// Requester is satisfied by Client.
type Requester interface {
	Request(ctx context.Context, endpoint string, opts Options) ([]byte, error)
}

// Request performs the call and decodes the JSON response into T.
func Request[T any](ctx context.Context, r Requester, endpoint string, opts Options) (T, error) {
	var out T

	data, err := r.Request(ctx, endpoint, opts)
	if err != nil {
		return out, err
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decoding %s response: %w", endpoint, err)
	}

	return out, nil
}

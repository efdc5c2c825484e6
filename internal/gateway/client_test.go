package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pdesk/exchange-client/internal/credentials"
	credentialsmock "github.com/p2pdesk/exchange-client/internal/credentials/mock"
	"github.com/p2pdesk/exchange-client/internal/gateway"
	"github.com/p2pdesk/exchange-client/internal/serviceerr"
)

// fakeAPI accepts exactly one access token and rotates it on refresh.
type fakeAPI struct {
	mu            sync.Mutex
	validAccess   string
	validRefresh  string
	next          credentials.TokenPair
	refreshStatus int
	refreshDelay  time.Duration

	refreshCalls atomic.Int32
	offersCalls  atomic.Int32
	logoutCalls  atomic.Int32
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refreshCalls.Add(1)
		time.Sleep(f.refreshDelay)

		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		defer f.mu.Unlock()

		if f.refreshStatus != 0 {
			w.WriteHeader(f.refreshStatus)
			return
		}

		if req.RefreshToken != f.validRefresh {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		f.validAccess, f.validRefresh = f.next.Access, f.next.Refresh
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":  f.next.Access,
			"refresh_token": f.next.Refresh,
		})
	})

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		if req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"invalid credentials"}`))
			return
		}

		_, _ = w.Write([]byte(`{"access_token":"login-access","refresh_token":"login-refresh"}`))
	})

	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		f.logoutCalls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /client/offers", func(w http.ResponseWriter, r *http.Request) {
		f.offersCalls.Add(1)

		f.mu.Lock()
		valid := "Bearer " + f.validAccess
		f.mu.Unlock()

		if r.Header.Get("Authorization") != valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		_, _ = fmt.Fprintf(w, `[{"id":"o-1","limit":%q}]`, r.URL.Query().Get("limit"))
	})

	mux.HandleFunc("POST /client/offers", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"amount is below the minimum"}`))
	})

	mux.HandleFunc("GET /client/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html>bad gateway</html>`))
	})

	mux.HandleFunc("GET /client/forbidden", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"kyc required"}`))
	})

	return mux
}

type redirectRecorder struct {
	calls atomic.Int32
}

func (r *redirectRecorder) RedirectToLogin(_ context.Context) {
	r.calls.Add(1)
}

func newTestClient(t *testing.T, api *fakeAPI, store credentials.Store, opts ...gateway.Option) (*gateway.Client, *redirectRecorder) {
	t.Helper()

	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	redirect := &redirectRecorder{}
	opts = append([]gateway.Option{gateway.WithRedirector(redirect)}, opts...)

	client, err := gateway.NewClient(srv.URL, store, opts...)
	require.NoError(t, err)

	return client, redirect
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name      string
		baseURL   string
		assertErr assert.ErrorAssertionFunc
	}{
		{name: "Absolute URL", baseURL: "https://api.exchange.test/v1", assertErr: assert.NoError},
		{name: "Relative URL", baseURL: "/v1", assertErr: assert.Error},
		{name: "Malformed URL", baseURL: "://nope", assertErr: assert.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gateway.NewClient(tt.baseURL, credentialsmock.NewInMemStore(nil, nil, nil, nil, nil))
			tt.assertErr(t, err, fmt.Sprintf("NewClient(%q)", tt.baseURL))
		})
	}
}

func TestClient_Request(t *testing.T) {
	tests := []struct {
		name       string
		endpoint   string
		opts       gateway.Options
		wantBody   string
		wantStatus int
		wantMsg    string
		assertErr  assert.ErrorAssertionFunc
	}{
		{
			name:      "Authorised call with query",
			endpoint:  "/client/offers",
			opts:      gateway.Options{Query: url.Values{"limit": {"20"}}},
			wantBody:  `[{"id":"o-1","limit":"20"}]`,
			assertErr: assert.NoError,
		},
		{
			name:       "Server message is surfaced",
			endpoint:   "/client/offers",
			opts:       gateway.Options{Method: http.MethodPost, Body: map[string]string{"amount": "1"}},
			wantStatus: http.StatusUnprocessableEntity,
			wantMsg:    "amount is below the minimum",
			assertErr:  assert.Error,
		},
		{
			name:       "Error field is surfaced",
			endpoint:   "/client/forbidden",
			wantStatus: http.StatusForbidden,
			wantMsg:    "kyc required",
			assertErr:  assert.Error,
		},
		{
			name:       "Generic message for non JSON body",
			endpoint:   "/client/broken",
			wantStatus: http.StatusBadGateway,
			wantMsg:    "API error: 502",
			assertErr:  assert.Error,
		},
		{
			name:     "Empty endpoint",
			endpoint: " ",
			assertErr: func(t assert.TestingT, err error, msgAndArgs ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrInvalidEndpoint, msgAndArgs...)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{validAccess: "A", validRefresh: "R"}
			store := credentialsmock.NewInMemStore(nil, nil, nil, nil, nil).
				WithTokens(credentials.TokenPair{Access: "A", Refresh: "R"})
			client, _ := newTestClient(t, api, store)

			body, err := client.Request(t.Context(), tt.endpoint, tt.opts)
			if !tt.assertErr(t, err, fmt.Sprintf("Client.Request() error %v", err)) || err != nil {
				if tt.wantStatus != 0 {
					var httpErr *serviceerr.HTTPError
					require.ErrorAs(t, err, &httpErr)
					assert.Equal(t, tt.wantStatus, httpErr.StatusCode)
					assert.Equal(t, tt.wantMsg, httpErr.Error())
				}
				return
			}

			assert.JSONEq(t, tt.wantBody, string(body))
			assert.Equal(t, int32(0), api.refreshCalls.Load())
		})
	}
}

func TestClient_Request_RefreshesOnceAndRetries(t *testing.T) {
	api := &fakeAPI{validAccess: "B", validRefresh: "R", next: credentials.TokenPair{Access: "B", Refresh: "R2"}}
	store := credentialsmock.NewInMemStore(nil, nil, nil, nil, nil).
		WithTokens(credentials.TokenPair{Access: "A", Refresh: "R"})
	client, redirect := newTestClient(t, api, store)

	var notified []credentials.TokenPair
	client.OnTokensChanged(func(_ context.Context, tokens credentials.TokenPair) {
		notified = append(notified, tokens)
	})

	body, err := client.Request(t.Context(), "/client/offers", gateway.Options{Query: url.Values{"limit": {"20"}}})
	require.NoError(t, err)

	assert.JSONEq(t, `[{"id":"o-1","limit":"20"}]`, string(body))
	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.Equal(t, int32(2), api.offersCalls.Load())
	assert.Equal(t, int32(0), redirect.calls.Load())

	tokens, err := store.LoadTokens(t.Context())
	require.NoError(t, err)
	assert.Equal(t, credentials.TokenPair{Access: "B", Refresh: "R2"}, tokens)
	assert.Equal(t, []credentials.TokenPair{{Access: "B", Refresh: "R2"}}, notified)
}

func TestClient_Request_ConcurrentCallersShareOneRefresh(t *testing.T) {
	const callers = 8

	api := &fakeAPI{
		validAccess:  "fresh",
		validRefresh: "R",
		next:         credentials.TokenPair{Access: "fresh", Refresh: "R2"},
		refreshDelay: 50 * time.Millisecond,
	}
	store := credentialsmock.NewInMemStore(nil, nil, nil, nil, nil).
		WithTokens(credentials.TokenPair{Access: "stale", Refresh: "R"})
	client, redirect := newTestClient(t, api, store)

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Go(func() {
			_, errs[i] = client.Request(t.Context(), "/client/offers", gateway.Options{})
		})
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}

	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.Equal(t, 1, store.SaveCount())
	assert.Equal(t, int32(0), redirect.calls.Load())
}

func TestClient_Request_RefreshRejected(t *testing.T) {
	api := &fakeAPI{validAccess: "B", validRefresh: "other"}
	store := credentialsmock.NewInMemStore(nil, nil, nil, nil, nil).
		WithTokens(credentials.TokenPair{Access: "A", Refresh: "R"})
	client, redirect := newTestClient(t, api, store)

	var notified []credentials.TokenPair
	client.OnTokensChanged(func(_ context.Context, tokens credentials.TokenPair) {
		notified = append(notified, tokens)
	})

	_, err := client.Request(t.Context(), "/client/offers", gateway.Options{})
	require.ErrorIs(t, err, serviceerr.ErrUnauthorized)

	_, err = store.LoadTokens(t.Context())
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.Equal(t, int32(1), api.offersCalls.Load())
	assert.Equal(t, int32(1), redirect.calls.Load())
	assert.Equal(t, []credentials.TokenPair{{}}, notified)

	// the rejected pair is gone, so no second exchange is attempted
	_, err = client.Request(t.Context(), "/client/offers", gateway.Options{})
	require.ErrorIs(t, err, serviceerr.ErrUnauthorized)
	assert.Equal(t, int32(1), api.refreshCalls.Load())
}

func TestClient_Request_RefreshEndpointNeverRefreshes(t *testing.T) {
	api := &fakeAPI{validAccess: "A", validRefresh: "R", refreshStatus: http.StatusUnauthorized}
	store := credentialsmock.NewInMemStore(nil, nil, nil, nil, nil).
		WithTokens(credentials.TokenPair{Access: "A", Refresh: "R"})
	client, redirect := newTestClient(t, api, store)

	_, err := client.Request(t.Context(), "/auth/refresh", gateway.Options{
		Method: http.MethodPost,
		Body:   map[string]string{"refresh_token": "R"},
	})
	require.ErrorIs(t, err, serviceerr.ErrUnauthorized)

	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.Equal(t, int32(1), redirect.calls.Load())
	assert.Equal(t, 1, store.ClearCount())
}

func TestClient_Request_WithoutRefreshToken(t *testing.T) {
	api := &fakeAPI{validAccess: "B", validRefresh: "R"}
	store := credentialsmock.NewInMemStore(nil, nil, nil, nil, nil).
		WithTokens(credentials.TokenPair{Access: "A"})
	client, redirect := newTestClient(t, api, store)

	_, err := client.Request(t.Context(), "/client/offers", gateway.Options{})
	require.ErrorIs(t, err, serviceerr.ErrUnauthorized)

	assert.Equal(t, int32(0), api.refreshCalls.Load())
	assert.Equal(t, int32(1), redirect.calls.Load())
	assert.Equal(t, 1, store.ClearCount())
}

func TestClient_Request_RetryRejectedAgain(t *testing.T) {
	// the refresh succeeds but the API keeps rejecting the new token
	api := &fakeAPI{validAccess: "never", validRefresh: "R", next: credentials.TokenPair{Access: "B", Refresh: "R2"}}
	store := credentialsmock.NewInMemStore(nil, nil, nil, nil, nil).
		WithTokens(credentials.TokenPair{Access: "A", Refresh: "R"})
	client, _ := newTestClient(t, api, store)

	// force the API to accept nothing after the refresh
	client.OnTokensChanged(func(_ context.Context, _ credentials.TokenPair) {
		api.mu.Lock()
		api.validAccess = "never"
		api.mu.Unlock()
	})

	_, err := client.Request(t.Context(), "/client/offers", gateway.Options{})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, serviceerr.StatusCode(err))
	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.Equal(t, int32(2), api.offersCalls.Load())
}

type failingTransport struct {
	failPath string
	next     http.RoundTripper

	mu   sync.Mutex
	sent []string
}

func (f *failingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req.URL.Path+" "+req.Header.Get("Authorization"))
	f.mu.Unlock()

	if req.URL.Path == f.failPath {
		return nil, errors.New("connection reset by peer")
	}

	return f.next.RoundTrip(req)
}

func (f *failingTransport) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.sent...)
}

func TestClient_Request_NetworkErrors(t *testing.T) {
	t.Run("Regular call", func(t *testing.T) {
		api := &fakeAPI{validAccess: "A", validRefresh: "R"}
		store := credentialsmock.NewInMemStore(nil, nil, nil, nil, nil).
			WithTokens(credentials.TokenPair{Access: "A", Refresh: "R"})
		client, _ := newTestClient(t, api, store, gateway.WithHTTPClient(&http.Client{
			Transport: &failingTransport{failPath: "/client/offers", next: http.DefaultTransport},
		}))

		_, err := client.Request(t.Context(), "/client/offers", gateway.Options{})

		var netErr *serviceerr.NetworkError
		require.ErrorAs(t, err, &netErr)
		assert.Contains(t, netErr.Err.Error(), "connection reset by peer")
	})

	t.Run("Refresh keeps the tokens", func(t *testing.T) {
		api := &fakeAPI{validAccess: "B", validRefresh: "R"}
		store := credentialsmock.NewInMemStore(nil, nil, nil, nil, nil).
			WithTokens(credentials.TokenPair{Access: "A", Refresh: "R"})
		client, redirect := newTestClient(t, api, store, gateway.WithHTTPClient(&http.Client{
			Transport: &failingTransport{failPath: "/auth/refresh", next: http.DefaultTransport},
		}))

		_, err := client.Request(t.Context(), "/client/offers", gateway.Options{})

		var netErr *serviceerr.NetworkError
		require.ErrorAs(t, err, &netErr)
		assert.Equal(t, int32(0), redirect.calls.Load())

		tokens, err := store.LoadTokens(t.Context())
		require.NoError(t, err)
		assert.Equal(t, credentials.TokenPair{Access: "A", Refresh: "R"}, tokens)
	})
}

// An unreachable refresh endpoint leaves the session alone: the stale access
// token is sent again on the next call, which tries the refresh again.
func TestClient_Request_RefreshUnreachable(t *testing.T) {
	api := &fakeAPI{validAccess: "B", validRefresh: "R"}
	store := credentialsmock.NewInMemStore(nil, nil, nil, nil, nil).
		WithTokens(credentials.TokenPair{Access: "A", Refresh: "R"})
	transport := &failingTransport{failPath: "/auth/refresh", next: http.DefaultTransport}
	client, redirect := newTestClient(t, api, store, gateway.WithHTTPClient(&http.Client{Transport: transport}))

	for range 2 {
		_, err := client.Request(t.Context(), "/client/offers", gateway.Options{})

		var netErr *serviceerr.NetworkError
		require.ErrorAs(t, err, &netErr)
		assert.NotErrorIs(t, err, serviceerr.ErrUnauthorized)
	}

	assert.Equal(t, []string{
		"/client/offers Bearer A",
		"/auth/refresh ",
		"/client/offers Bearer A",
		"/auth/refresh ",
	}, transport.requests())
	assert.Equal(t, int32(0), api.refreshCalls.Load())
	assert.Equal(t, int32(0), redirect.calls.Load())
	assert.Zero(t, store.SaveCount())
	assert.Zero(t, store.ClearCount())
}

func TestClient_Login(t *testing.T) {
	tests := []struct {
		name       string
		password   string
		wantTokens credentials.TokenPair
		wantMsg    string
		assertErr  assert.ErrorAssertionFunc
	}{
		{
			name:       "Success",
			password:   "secret",
			wantTokens: credentials.TokenPair{Access: "login-access", Refresh: "login-refresh"},
			assertErr:  assert.NoError,
		},
		{
			name:      "Wrong password does not refresh",
			password:  "wrong",
			wantMsg:   "invalid credentials",
			assertErr: assert.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{}
			store := credentialsmock.NewInMemStore(nil, nil, nil, nil, nil)
			client, redirect := newTestClient(t, api, store)

			tokens, err := client.Login(t.Context(), "alice@example.com", tt.password)
			if !tt.assertErr(t, err, fmt.Sprintf("Client.Login() error %v", err)) || err != nil {
				assert.Equal(t, tt.wantMsg, err.Error())
				assert.Equal(t, int32(0), api.refreshCalls.Load())
				assert.Equal(t, int32(0), redirect.calls.Load())
				return
			}

			assert.Equal(t, tt.wantTokens, tokens)
			stored, err := store.LoadTokens(t.Context())
			require.NoError(t, err)
			assert.Equal(t, tt.wantTokens, stored)
		})
	}
}

func TestClient_Logout(t *testing.T) {
	api := &fakeAPI{validAccess: "A", validRefresh: "R"}
	store := credentialsmock.NewInMemStore(nil, nil, nil, nil, nil).
		WithTokens(credentials.TokenPair{Access: "A", Refresh: "R"})
	client, redirect := newTestClient(t, api, store)

	var notified []credentials.TokenPair
	client.OnTokensChanged(func(_ context.Context, tokens credentials.TokenPair) {
		notified = append(notified, tokens)
	})

	require.NoError(t, client.Logout(t.Context()))

	assert.Equal(t, int32(1), api.logoutCalls.Load())
	assert.Equal(t, int32(0), redirect.calls.Load())
	assert.Equal(t, []credentials.TokenPair{{}}, notified)

	_, err := store.LoadTokens(t.Context())
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
}

func TestRequest_Decodes(t *testing.T) {
	api := &fakeAPI{validAccess: "A", validRefresh: "R"}
	store := credentialsmock.NewInMemStore(nil, nil, nil, nil, nil).
		WithTokens(credentials.TokenPair{Access: "A", Refresh: "R"})
	client, _ := newTestClient(t, api, store)

	type offer struct {
		ID    string `json:"id"`
		Limit string `json:"limit"`
	}

	got, err := gateway.Request[[]offer](t.Context(), client, "/client/offers", gateway.Options{Query: url.Values{"limit": {"5"}}})
	require.NoError(t, err)
	assert.Equal(t, []offer{{ID: "o-1", Limit: "5"}}, got)
}

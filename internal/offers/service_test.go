package offers_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pdesk/exchange-client/internal/gateway"
	gatewaymock "github.com/p2pdesk/exchange-client/internal/gateway/mock"
	"github.com/p2pdesk/exchange-client/internal/offers"
	"github.com/p2pdesk/exchange-client/internal/reconcile"
	"github.com/p2pdesk/exchange-client/internal/serviceerr"
)

func TestService_List(t *testing.T) {
	api := gatewaymock.NewRequester(func(string, gateway.Options) (any, error) {
		return []offers.Offer{{ID: "o-1"}, {ID: "o-2"}}, nil
	})
	svc := offers.NewService(api)

	got, err := svc.List(t.Context(), offers.Filter{BaseAsset: "BTC"}, reconcile.Page{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	c := api.Last()
	assert.Equal(t, "/client/offers", c.Endpoint)
	assert.Empty(t, c.Options.Method)
	assert.Equal(t, "2", c.Options.Query.Get("limit"))
	assert.Equal(t, "4", c.Options.Query.Get("offset"))
	assert.Equal(t, "BTC", c.Options.Query.Get("base_asset"))
}

func TestService_Mutations(t *testing.T) {
	api := gatewaymock.NewRequester(func(_ string, opts gateway.Options) (any, error) {
		if opts.Method == http.MethodDelete {
			return nil, nil
		}
		return offers.Offer{ID: "o-1", Price: 101}, nil
	})
	svc := offers.NewService(api)
	in := offers.Input{Side: offers.SideSell, BaseAsset: "USDT", QuoteAsset: "EUR", Price: 101}

	created, err := svc.Create(t.Context(), in)
	require.NoError(t, err)
	assert.Equal(t, "o-1", created.ID)
	assert.Equal(t, gatewaymock.Call{Endpoint: "/client/offers", Options: gateway.Options{Method: http.MethodPost, Body: in}}, api.Last())

	updated, err := svc.Update(t.Context(), "o-1", in)
	require.NoError(t, err)
	assert.InDelta(t, 101, updated.Price, 0)
	assert.Equal(t, gatewaymock.Call{Endpoint: "/client/offers/o-1", Options: gateway.Options{Method: http.MethodPatch, Body: in}}, api.Last())

	got, err := svc.Get(t.Context(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", got.ID)

	require.NoError(t, svc.Delete(t.Context(), "o/1"))
	assert.Equal(t, "/client/offers/o%2F1", api.Last().Endpoint)
}

func TestService_Errors(t *testing.T) {
	notFound := &serviceerr.HTTPError{StatusCode: http.StatusNotFound, Message: "offer not found"}
	api := gatewaymock.NewRequester(func(string, gateway.Options) (any, error) {
		return nil, notFound
	})
	svc := offers.NewService(api)

	_, err := svc.Get(t.Context(), "o-9")
	require.Error(t, err)

	var httpErr *serviceerr.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, serviceerr.StatusCode(err))

	_, err = svc.Mine(t.Context())
	require.ErrorIs(t, err, notFound)
}

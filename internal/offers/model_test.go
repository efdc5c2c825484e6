package offers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/p2pdesk/exchange-client/internal/offers"
)

func TestFilter_Matches(t *testing.T) {
	offer := offers.Offer{
		ID:             "o-1",
		Side:           offers.SideSell,
		BaseAsset:      "USDT",
		QuoteAsset:     "EUR",
		MinLimit:       50,
		MaxLimit:       500,
		PaymentMethods: []string{"sepa", "revolut"},
		Status:         offers.StatusActive,
	}

	tests := []struct {
		name   string
		filter offers.Filter
		offer  offers.Offer
		want   bool
	}{
		{name: "Zero filter", filter: offers.Filter{}, offer: offer, want: true},
		{name: "Same side", filter: offers.Filter{Side: offers.SideSell}, offer: offer, want: true},
		{name: "Other side", filter: offers.Filter{Side: offers.SideBuy}, offer: offer, want: false},
		{name: "Other base asset", filter: offers.Filter{BaseAsset: "BTC"}, offer: offer, want: false},
		{name: "Other quote asset", filter: offers.Filter{QuoteAsset: "USD"}, offer: offer, want: false},
		{name: "Payment method offered", filter: offers.Filter{PaymentMethod: "revolut"}, offer: offer, want: true},
		{name: "Payment method missing", filter: offers.Filter{PaymentMethod: "wise"}, offer: offer, want: false},
		{name: "Amount within limits", filter: offers.Filter{Amount: 100}, offer: offer, want: true},
		{name: "Amount below minimum", filter: offers.Filter{Amount: 10}, offer: offer, want: false},
		{name: "Amount above maximum", filter: offers.Filter{Amount: 1000}, offer: offer, want: false},
		{
			name:   "Paused offer",
			filter: offers.Filter{},
			offer: func() offers.Offer {
				o := offer
				o.Status = offers.StatusPaused
				return o
			}(),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.offer))
		})
	}
}

func TestFilter_Query(t *testing.T) {
	q := offers.Filter{
		Side:          offers.SideBuy,
		BaseAsset:     "BTC",
		QuoteAsset:    "USD",
		PaymentMethod: "sepa",
		Amount:        12.5,
	}.Query(20, 40)

	assert.Equal(t, "20", q.Get("limit"))
	assert.Equal(t, "40", q.Get("offset"))
	assert.Equal(t, "buy", q.Get("side"))
	assert.Equal(t, "BTC", q.Get("base_asset"))
	assert.Equal(t, "USD", q.Get("quote_asset"))
	assert.Equal(t, "sepa", q.Get("payment_method"))
	assert.Equal(t, "12.5", q.Get("amount"))

	empty := offers.Filter{}.Query(20, 0)
	assert.Len(t, empty, 2)
}

package offers

import (
	"net/url"
	"slices"
	"strconv"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusClosed Status = "closed"
)

// Offer is a standing advertisement to buy or sell an asset for a quote currency.
type Offer struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Side           Side      `json:"side"`
	BaseAsset      string    `json:"base_asset"`
	QuoteAsset     string    `json:"quote_asset"`
	Price          float64   `json:"price"`
	Amount         float64   `json:"amount"`
	MinLimit       float64   `json:"min_limit"`
	MaxLimit       float64   `json:"max_limit"`
	PaymentMethods []string  `json:"payment_methods"`
	Terms          string    `json:"terms,omitempty"`
	Status         Status    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (o Offer) ItemID() string { return o.ID }

// Input is the mutable part of an offer.
type Input struct {
	Side           Side     `json:"side"`
	BaseAsset      string   `json:"base_asset"`
	QuoteAsset     string   `json:"quote_asset"`
	Price          float64  `json:"price"`
	Amount         float64  `json:"amount"`
	MinLimit       float64  `json:"min_limit"`
	MaxLimit       float64  `json:"max_limit"`
	PaymentMethods []string `json:"payment_methods"`
	Terms          string   `json:"terms,omitempty"`
	Status         Status   `json:"status,omitempty"`
}

// Filter selects the offers of a feed. Zero fields match everything.
type Filter struct {
	Side          Side
	BaseAsset     string
	QuoteAsset    string
	PaymentMethod string
	// Amount is the quote amount the user wants to trade; it must fit the offer limits.
	Amount float64
}

// Matches reports whether o belongs to a feed filtered by f.
func (f Filter) Matches(o Offer) bool {
	if o.Status != "" && o.Status != StatusActive {
		return false
	}

	if f.Side != "" && o.Side != f.Side {
		return false
	}

	if f.BaseAsset != "" && o.BaseAsset != f.BaseAsset {
		return false
	}

	if f.QuoteAsset != "" && o.QuoteAsset != f.QuoteAsset {
		return false
	}

	if f.PaymentMethod != "" && !slices.Contains(o.PaymentMethods, f.PaymentMethod) {
		return false
	}

	if f.Amount > 0 {
		if o.MinLimit > 0 && f.Amount < o.MinLimit {
			return false
		}
		if o.MaxLimit > 0 && f.Amount > o.MaxLimit {
			return false
		}
	}

	return true
}

// Query encodes f and the page window as list query parameters.
func (f Filter) Query(limit, offset int) url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	if f.Side != "" {
		q.Set("side", string(f.Side))
	}
	if f.BaseAsset != "" {
		q.Set("base_asset", f.BaseAsset)
	}
	if f.QuoteAsset != "" {
		q.Set("quote_asset", f.QuoteAsset)
	}
	if f.PaymentMethod != "" {
		q.Set("payment_method", f.PaymentMethod)
	}
	if f.Amount > 0 {
		q.Set("amount", strconv.FormatFloat(f.Amount, 'f', -1, 64))
	}

	return q
}

package orders

import "time"

// Status is opaque server state; the client only displays and forwards it.
type Status string

type Order struct {
	ID           string    `json:"id"`
	OfferID      string    `json:"offer_id"`
	BuyerID      string    `json:"buyer_id"`
	SellerID     string    `json:"seller_id"`
	BaseAsset    string    `json:"base_asset"`
	QuoteAsset   string    `json:"quote_asset"`
	Amount       float64   `json:"amount"`
	Price        float64   `json:"price"`
	Status       Status    `json:"status"`
	PaymentLabel string    `json:"payment_method,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Input struct {
	OfferID       string  `json:"offer_id"`
	Amount        float64 `json:"amount"`
	PaymentMethod string  `json:"payment_method,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) ItemID() string { return m.ID }

// Push event types on an order channel.
const (
	EventMessage       = "chat.message"
	EventStatusChanged = "order.status_changed"
)

package orders

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/p2pdesk/exchange-client/internal/gateway"
	"github.com/p2pdesk/exchange-client/internal/reconcile"
)

const ordersPath = "/client/orders"

type Service struct {
	api gateway.Requester
}

func NewService(api gateway.Requester) *Service {
	return &Service{api: api}
}

func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	order, err := gateway.Request[Order](ctx, s.api, orderPath(id), gateway.Options{})
	if err != nil {
		return Order{}, fmt.Errorf("getting order %s: %w", id, err)
	}

	return order, nil
}

// Create opens an order against an offer.
func (s *Service) Create(ctx context.Context, in Input) (Order, error) {
	order, err := gateway.Request[Order](ctx, s.api, ordersPath, gateway.Options{
		Method: http.MethodPost,
		Body:   in,
	})
	if err != nil {
		return Order{}, fmt.Errorf("creating order: %w", err)
	}

	return order, nil
}

// Transition posts action (e.g. "pay", "release", "cancel") and returns the updated order.
// The server owns the state machine.
func (s *Service) Transition(ctx context.Context, id, action string) (Order, error) {
	order, err := gateway.Request[Order](ctx, s.api, orderPath(id)+"/"+url.PathEscape(action), gateway.Options{
		Method: http.MethodPost,
	})
	if err != nil {
		return Order{}, fmt.Errorf("%s order %s: %w", action, id, err)
	}

	return order, nil
}

// Messages returns one page of the order chat, oldest first.
func (s *Service) Messages(ctx context.Context, orderID string, page reconcile.Page) ([]Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(page.Limit))
	q.Set("offset", strconv.Itoa(page.Offset))

	msgs, err := gateway.Request[[]Message](ctx, s.api, orderPath(orderID)+"/messages", gateway.Options{Query: q})
	if err != nil {
		return nil, fmt.Errorf("listing messages of order %s: %w", orderID, err)
	}

	return msgs, nil
}

func (s *Service) SendMessage(ctx context.Context, orderID, body string) (Message, error) {
	msg, err := gateway.Request[Message](ctx, s.api, orderPath(orderID)+"/messages", gateway.Options{
		Method: http.MethodPost,
		Body:   map[string]string{"body": body},
	})
	if err != nil {
		return Message{}, fmt.Errorf("sending message to order %s: %w", orderID, err)
	}

	return msg, nil
}

func orderPath(id string) string {
	return ordersPath + "/" + url.PathEscape(id)
}

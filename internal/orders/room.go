package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"

	slogctx "github.com/veqryn/slog-context"

	"github.com/p2pdesk/exchange-client/internal/realtime"
	"github.com/p2pdesk/exchange-client/internal/reconcile"
)

type RoomConfig struct {
	PageSize int
	OnChange func(reconcile.Snapshot[Message])
	OnStatus func(ctx context.Context, order Order)
}

// Room follows one order: its chat history and its status.
type Room struct {
	id       string
	svc      *Service
	messages *reconcile.List[Message, string]
	onStatus func(ctx context.Context, order Order)

	mu    sync.Mutex
	order Order

	unsubscribe func()
}

// OpenRoom subscribes to the order channel, then loads the order and the
// first page of its chat.
func OpenRoom(ctx context.Context, svc *Service, sub realtime.Subscriber, token, orderID string, cfg RoomConfig) (*Room, error) {
	if orderID == "" {
		return nil, errors.New("order id is required")
	}

	messages, err := reconcile.New(orderID, reconcile.Config[Message, string]{
		PageSize: cfg.PageSize,
		Fetch:    svc.Messages,
		Match:    func(orderID string, m Message) bool { return m.OrderID == "" || m.OrderID == orderID },
		OnChange: cfg.OnChange,
	})
	if err != nil {
		return nil, err
	}

	r := &Room{
		id:       orderID,
		svc:      svc,
		messages: messages,
		onStatus: cfg.OnStatus,
	}

	unsubscribe, err := sub.Subscribe(ctx, realtime.OrderClass(orderID), token, r.handle)
	if err != nil {
		messages.Close()
		return nil, fmt.Errorf("subscribing to order %s: %w", orderID, err)
	}
	r.unsubscribe = unsubscribe

	order, err := svc.Get(ctx, orderID)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.setOrder(ctx, order)

	messages.LoadNext(ctx)

	return r, nil
}

func (r *Room) handle(ctx context.Context, event realtime.Event) {
	ctx = slogctx.With(ctx, "order", r.id)

	switch event.Type {
	case EventMessage:
		msg, err := realtime.DecodeData[Message](event)
		if err != nil {
			slogctx.Warn(ctx, "Dropping malformed chat message", "error", err)
			return
		}
		r.messages.ApplyEvent(reconcile.Upsert(msg))
	case EventStatusChanged:
		order, err := realtime.DecodeData[Order](event)
		if err != nil {
			slogctx.Warn(ctx, "Dropping malformed status change", "error", err)
			return
		}
		r.applyStatus(ctx, order)
	default:
		slogctx.Debug(ctx, "Ignoring order event", "type", event.Type)
	}
}

// applyStatus merges a pushed status change. A payload with only a status
// updates the status of the order already held.
func (r *Room) applyStatus(ctx context.Context, pushed Order) {
	r.mu.Lock()
	order := r.order
	r.mu.Unlock()

	if pushed.ID != "" && pushed.ID != r.id {
		slogctx.Warn(ctx, "Dropping status change of another order", "pushed", pushed.ID)
		return
	}

	if pushed.ID == "" {
		order.Status = pushed.Status
		if !pushed.UpdatedAt.IsZero() {
			order.UpdatedAt = pushed.UpdatedAt
		}
		pushed = order
	}

	r.setOrder(ctx, pushed)
}

// setOrder replaces the held order. A state without a timestamp is taken as
// current and keeps the held one.
func (r *Room) setOrder(ctx context.Context, order Order) {
	r.mu.Lock()
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = r.order.UpdatedAt
	} else if order.UpdatedAt.Before(r.order.UpdatedAt) {
		r.mu.Unlock()
		slogctx.Debug(ctx, "Ignoring stale order state", "status", order.Status)
		return
	}
	changed := r.order.Status != order.Status
	r.order = order
	r.mu.Unlock()

	if changed && r.onStatus != nil {
		r.onStatus(ctx, order)
	}
}

func (r *Room) Order() Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.order
}

func (r *Room) Messages() reconcile.Snapshot[Message] {
	return r.messages.Snapshot()
}

// LoadOlder fetches the next page of chat history.
func (r *Room) LoadOlder(ctx context.Context) {
	r.messages.LoadNext(ctx)
}

// Send posts a chat message and shows it without waiting for the echo.
func (r *Room) Send(ctx context.Context, body string) (Message, error) {
	msg, err := r.svc.SendMessage(ctx, r.id, body)
	if err != nil {
		return Message{}, err
	}

	if msg.ID != "" {
		r.messages.ApplyEvent(reconcile.Upsert(msg))
	}

	return msg, nil
}

// Transition posts action on the order and applies the returned state.
func (r *Room) Transition(ctx context.Context, action string) (Order, error) {
	order, err := r.svc.Transition(ctx, r.id, action)
	if err != nil {
		return Order{}, err
	}

	r.setOrder(ctx, order)

	return order, nil
}

func (r *Room) Close() {
	r.unsubscribe()
	r.messages.Close()
}

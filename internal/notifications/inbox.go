// Package notifications keeps the user's inbox in sync with the server.
package notifications

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/p2pdesk/exchange-client/internal/gateway"
	"github.com/p2pdesk/exchange-client/internal/realtime"
	"github.com/p2pdesk/exchange-client/internal/reconcile"
)

const notificationsPath = "/client/notifications"

// Push event types on the notifications channel.
const (
	EventCreated = "notification.created"
	EventUpdated = "notification.updated"
	EventDeleted = "notification.deleted"
)

type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (n Notification) ItemID() string { return n.ID }

type Filter struct {
	UnreadOnly bool
}

func (f Filter) Matches(n Notification) bool {
	return !f.UnreadOnly || !n.Read
}

type Service struct {
	api gateway.Requester
}

func NewService(api gateway.Requester) *Service {
	return &Service{api: api}
}

func (s *Service) List(ctx context.Context, filter Filter, page reconcile.Page) ([]Notification, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(page.Limit))
	q.Set("offset", strconv.Itoa(page.Offset))
	if filter.UnreadOnly {
		q.Set("unread", "true")
	}

	items, err := gateway.Request[[]Notification](ctx, s.api, notificationsPath, gateway.Options{Query: q})
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	return items, nil
}

func (s *Service) MarkRead(ctx context.Context, id string) (Notification, error) {
	n, err := gateway.Request[Notification](ctx, s.api, notificationsPath+"/"+url.PathEscape(id)+"/read", gateway.Options{
		Method: http.MethodPost,
	})
	if err != nil {
		return Notification{}, fmt.Errorf("marking notification %s read: %w", id, err)
	}

	return n, nil
}

func (s *Service) MarkAllRead(ctx context.Context) error {
	if _, err := s.api.Request(ctx, notificationsPath+"/read-all", gateway.Options{Method: http.MethodPost}); err != nil {
		return fmt.Errorf("marking all notifications read: %w", err)
	}

	return nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.api.Request(ctx, notificationsPath+"/"+url.PathEscape(id), gateway.Options{Method: http.MethodDelete}); err != nil {
		return fmt.Errorf("deleting notification %s: %w", id, err)
	}

	return nil
}

// Inbox is the live notification list. Notifications that stop matching the
// filter, e.g. read ones under UnreadOnly, are evicted.
type Inbox struct {
	svc         *Service
	list        *reconcile.List[Notification, Filter]
	unsubscribe func()
}

func NewInbox(ctx context.Context, svc *Service, sub realtime.Subscriber, token string, filter Filter, pageSize int, onChange func(reconcile.Snapshot[Notification])) (*Inbox, error) {
	list, err := reconcile.New(filter, reconcile.Config[Notification, Filter]{
		PageSize:           pageSize,
		Fetch:              svc.List,
		Match:              Filter.Matches,
		OnChange:           onChange,
		EvictOnFilterDrift: true,
	})
	if err != nil {
		return nil, err
	}

	in := &Inbox{svc: svc, list: list}

	unsubscribe, err := sub.Subscribe(ctx, realtime.ClassNotifications, token, in.handle)
	if err != nil {
		list.Close()
		return nil, fmt.Errorf("subscribing to notifications: %w", err)
	}
	in.unsubscribe = unsubscribe

	return in, nil
}

func (in *Inbox) handle(ctx context.Context, event realtime.Event) {
	switch event.Type {
	case EventCreated, EventUpdated:
		n, err := realtime.DecodeData[Notification](event)
		if err != nil {
			slogctx.Warn(ctx, "Dropping malformed notification event", "error", err)
			return
		}
		in.list.ApplyEvent(reconcile.Upsert(n))
	case EventDeleted:
		if event.ID == "" {
			slogctx.Warn(ctx, "Dropping notification delete without id")
			return
		}
		in.list.ApplyEvent(reconcile.Delete[Notification](event.ID))
	default:
		slogctx.Debug(ctx, "Ignoring notifications event", "type", event.Type)
	}
}

func (in *Inbox) LoadNext(ctx context.Context) {
	in.list.LoadNext(ctx)
}

func (in *Inbox) SetFilter(ctx context.Context, filter Filter) {
	in.list.ResetForFilterChange(ctx, filter)
}

// MarkRead marks one notification read and applies the server's copy.
func (in *Inbox) MarkRead(ctx context.Context, id string) error {
	n, err := in.svc.MarkRead(ctx, id)
	if err != nil {
		return err
	}

	in.list.ApplyEvent(reconcile.Upsert(n))

	return nil
}

// MarkAllRead marks everything read and reloads the inbox.
func (in *Inbox) MarkAllRead(ctx context.Context) error {
	if err := in.svc.MarkAllRead(ctx); err != nil {
		return err
	}

	in.list.ResetForFilterChange(ctx, in.list.Filter())

	return nil
}

func (in *Inbox) Delete(ctx context.Context, id string) error {
	if err := in.svc.Delete(ctx, id); err != nil {
		return err
	}

	in.list.ApplyEvent(reconcile.Delete[Notification](id))

	return nil
}

// Unread counts unread notifications among those loaded.
func (in *Inbox) Unread() int {
	var n int
	for _, item := range in.list.Snapshot().Items {
		if !item.Read {
			n++
		}
	}

	return n
}

func (in *Inbox) Snapshot() reconcile.Snapshot[Notification] {
	return in.list.Snapshot()
}

func (in *Inbox) Close() {
	in.unsubscribe()
	in.list.Close()
}

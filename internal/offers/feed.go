package offers

import (
	"context"
	"fmt"

	slogctx "github.com/veqryn/slog-context"

	"github.com/p2pdesk/exchange-client/internal/realtime"
	"github.com/p2pdesk/exchange-client/internal/reconcile"
)

// Push event types on the offers channel.
const (
	EventUpsert = "offer.upsert"
	EventDelete = "offer.delete"
)

type FeedConfig struct {
	PageSize           int
	EvictOnFilterDrift bool
	OnChange           func(reconcile.Snapshot[Offer])
}

// Feed is the live offer book for one filter: REST pages merged with pushes.
type Feed struct {
	list        *reconcile.List[Offer, Filter]
	unsubscribe func()
}

// NewFeed subscribes to the offers channel under token and returns an empty
// feed. Call LoadNext to fetch the first page.
func NewFeed(ctx context.Context, svc *Service, sub realtime.Subscriber, token string, filter Filter, cfg FeedConfig) (*Feed, error) {
	list, err := reconcile.New(filter, reconcile.Config[Offer, Filter]{
		PageSize:           cfg.PageSize,
		Fetch:              svc.List,
		Match:              Filter.Matches,
		OnChange:           cfg.OnChange,
		EvictOnFilterDrift: cfg.EvictOnFilterDrift,
	})
	if err != nil {
		return nil, err
	}

	f := &Feed{list: list}

	unsubscribe, err := sub.Subscribe(ctx, realtime.ClassOffers, token, f.handle)
	if err != nil {
		list.Close()
		return nil, fmt.Errorf("subscribing to offers: %w", err)
	}
	f.unsubscribe = unsubscribe

	return f, nil
}

func (f *Feed) handle(ctx context.Context, event realtime.Event) {
	switch event.Type {
	case EventUpsert:
		offer, err := realtime.DecodeData[Offer](event)
		if err != nil {
			slogctx.Warn(ctx, "Dropping malformed offer event", "error", err)
			return
		}
		f.list.ApplyEvent(reconcile.Upsert(offer))
	case EventDelete:
		id := event.ID
		if id == "" {
			ref, err := realtime.DecodeData[struct {
				ID string `json:"id"`
			}](event)
			if err != nil || ref.ID == "" {
				slogctx.Warn(ctx, "Dropping offer delete without id", "error", err)
				return
			}
			id = ref.ID
		}
		f.list.ApplyEvent(reconcile.Delete[Offer](id))
	default:
		slogctx.Debug(ctx, "Ignoring offers event", "type", event.Type)
	}
}

func (f *Feed) LoadNext(ctx context.Context) {
	f.list.LoadNext(ctx)
}

// SetFilter resets the feed to filter and loads its first page.
func (f *Feed) SetFilter(ctx context.Context, filter Filter) {
	f.list.ResetForFilterChange(ctx, filter)
}

// Apply folds a locally known change into the feed, e.g. the result of Create.
func (f *Feed) Apply(offer Offer) {
	f.list.ApplyEvent(reconcile.Upsert(offer))
}

func (f *Feed) Remove(id string) {
	f.list.ApplyEvent(reconcile.Delete[Offer](id))
}

func (f *Feed) Snapshot() reconcile.Snapshot[Offer] {
	return f.list.Snapshot()
}

func (f *Feed) Filter() Filter {
	return f.list.Filter()
}

// Close drops the subscription. The shared transport stays open for other subscribers.
func (f *Feed) Close() {
	f.unsubscribe()
	f.list.Close()
}

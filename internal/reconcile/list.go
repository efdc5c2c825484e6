// Package reconcile merges paginated REST snapshots with a live stream of
// upsert and delete events into one ordered, de-duplicated list.
//
// A List is bound to one filter value. Changing the filter resets the list
// and discards any page still in flight for the previous filter. The list
// does not cap its size; trimming belongs to the presentation layer.
package reconcile

import (
	"context"
	"errors"
	"slices"
	"sync"

	slogctx "github.com/veqryn/slog-context"
)

const DefaultPageSize = 20

// Item is anything with a stable unique id.
type Item interface {
	ItemID() string
}

type EventKind int

const (
	KindUpsert EventKind = iota
	KindDelete
)

type Event[T Item] struct {
	Kind EventKind
	ID   string
	Item T
}

func Upsert[T Item](item T) Event[T] {
	return Event[T]{Kind: KindUpsert, ID: item.ItemID(), Item: item}
}

func Delete[T Item](id string) Event[T] {
	return Event[T]{Kind: KindDelete, ID: id}
}

type Page struct {
	Limit  int
	Offset int
}

type Fetcher[T Item, F any] func(ctx context.Context, filter F, page Page) ([]T, error)

type Predicate[T Item, F any] func(filter F, item T) bool

type Config[T Item, F any] struct {
	PageSize int
	Fetch    Fetcher[T, F]
	// Match decides whether a pushed item belongs to the list. Nil accepts all.
	Match Predicate[T, F]
	// OnChange receives every new snapshot, in order.
	OnChange func(Snapshot[T])
	// EvictOnFilterDrift removes a present item when an upsert for it no
	// longer matches the filter. By default the stale copy is kept.
	EvictOnFilterDrift bool
}

type Snapshot[T Item] struct {
	Items   []T
	HasMore bool
	Loading bool
	// Err is the error of the last page fetch, if it failed.
	Err     error
	Version uint64
}

type cursor struct {
	limit   int
	offset  int
	hasMore bool
}

type List[T Item, F any] struct {
	cfg Config[T, F]

	mu         sync.Mutex
	filter     F
	items      []T
	index      map[string]int
	cursor     cursor
	loading    bool
	gen        uint64
	closed     bool
	tombstones map[string]struct{}
	err        error
	version    uint64

	publishMu sync.Mutex
	published uint64
}

func New[T Item, F any](filter F, cfg Config[T, F]) (*List[T, F], error) {
	if cfg.Fetch == nil {
		return nil, errors.New("reconcile: fetcher is required")
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	return &List[T, F]{
		cfg:    cfg,
		filter: filter,
		index:  make(map[string]int),
		cursor: cursor{limit: cfg.PageSize, hasMore: true},
	}, nil
}

// LoadNext fetches the next page. It is a no-op while a fetch is in flight,
// once the list is exhausted, or after Close.
func (l *List[T, F]) LoadNext(ctx context.Context) {
	l.mu.Lock()
	if l.closed || l.loading || !l.cursor.hasMore {
		l.mu.Unlock()
		return
	}

	l.loading = true
	l.tombstones = make(map[string]struct{})
	gen := l.gen
	filter := l.filter
	page := Page{Limit: l.cursor.limit, Offset: l.cursor.offset}
	snap := l.changedLocked()
	l.mu.Unlock()

	l.publish(snap)

	items, err := l.cfg.Fetch(ctx, filter, page)

	l.mu.Lock()
	if l.closed || gen != l.gen {
		l.mu.Unlock()
		slogctx.Debug(ctx, "Discarding page of a previous filter", "offset", page.Offset)
		return
	}

	l.loading = false
	if err != nil {
		slogctx.Warn(ctx, "Failed to load page", "offset", page.Offset, "error", err)

		if page.Offset == 0 {
			l.items = nil
			l.reindexLocked()
		}
		l.cursor.hasMore = false
		l.err = err
	} else {
		l.mergeLocked(page.Offset, items)
		l.cursor.offset += len(items)
		l.cursor.hasMore = len(items) == page.Limit
		l.err = nil
	}
	l.tombstones = nil
	snap = l.changedLocked()
	l.mu.Unlock()

	l.publish(snap)
}

// mergeLocked folds a fetched page into the list. Items already present keep
// their current version, which is at least as fresh as the page. Items
// deleted while the page was in flight are not brought back.
func (l *List[T, F]) mergeLocked(offset int, page []T) {
	if offset == 0 {
		merged := make([]T, 0, len(page)+len(l.items))
		seen := make(map[string]struct{}, len(page)+len(l.items))

		for _, item := range page {
			id := item.ItemID()
			if l.skipLocked(id, seen) {
				continue
			}
			if i, ok := l.index[id]; ok {
				item = l.items[i]
			}
			merged = append(merged, item)
			seen[id] = struct{}{}
		}

		// items pushed before the first page landed
		for _, item := range l.items {
			if _, ok := seen[item.ItemID()]; !ok {
				merged = append(merged, item)
			}
		}

		l.items = merged
		l.reindexLocked()
		return
	}

	for _, item := range page {
		id := item.ItemID()
		if _, ok := l.index[id]; ok {
			continue
		}
		if _, ok := l.tombstones[id]; ok {
			continue
		}
		l.items = append(l.items, item)
		l.index[id] = len(l.items) - 1
	}
}

func (l *List[T, F]) skipLocked(id string, seen map[string]struct{}) bool {
	if _, ok := seen[id]; ok {
		return true
	}

	_, deleted := l.tombstones[id]
	return deleted
}

// ResetForFilterChange switches the list to filter, clears it and loads the first page.
// A page still in flight for the previous filter is discarded when it lands.
func (l *List[T, F]) ResetForFilterChange(ctx context.Context, filter F) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}

	l.filter = filter
	l.items = nil
	l.reindexLocked()
	l.cursor = cursor{limit: l.cfg.PageSize, hasMore: true}
	l.gen++
	l.loading = false
	l.tombstones = nil
	l.err = nil
	snap := l.changedLocked()
	l.mu.Unlock()

	l.publish(snap)
	l.LoadNext(ctx)
}

// ApplyEvent folds one pushed mutation into the list.
func (l *List[T, F]) ApplyEvent(event Event[T]) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}

	var changed bool
	switch event.Kind {
	case KindUpsert:
		changed = l.upsertLocked(event.Item)
	case KindDelete:
		id := event.ID
		if id == "" {
			id = event.Item.ItemID()
		}
		changed = l.deleteLocked(id)
	}

	if !changed {
		l.mu.Unlock()
		return
	}

	snap := l.changedLocked()
	l.mu.Unlock()

	l.publish(snap)
}

func (l *List[T, F]) upsertLocked(item T) bool {
	id := item.ItemID()
	i, present := l.index[id]

	if l.cfg.Match != nil && !l.cfg.Match(l.filter, item) {
		if present && l.cfg.EvictOnFilterDrift {
			l.removeLocked(i)
			return true
		}
		return false
	}

	if present {
		l.items[i] = item
	} else {
		l.items = append(l.items, item)
		l.index[id] = len(l.items) - 1
	}

	if l.tombstones != nil {
		delete(l.tombstones, id)
	}

	return true
}

func (l *List[T, F]) deleteLocked(id string) bool {
	if l.loading && l.tombstones != nil {
		l.tombstones[id] = struct{}{}
	}

	i, ok := l.index[id]
	if !ok {
		return false
	}

	l.removeLocked(i)
	return true
}

func (l *List[T, F]) removeLocked(i int) {
	l.items = slices.Delete(l.items, i, i+1)
	l.reindexLocked()
}

func (l *List[T, F]) reindexLocked() {
	clear(l.index)
	for i, item := range l.items {
		l.index[item.ItemID()] = i
	}
}

// Snapshot returns a copy of the current state.
func (l *List[T, F]) Snapshot() Snapshot[T] {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.snapshotLocked()
}

// Filter returns the active filter.
func (l *List[T, F]) Filter() F {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.filter
}

// Close detaches the list. Later pages and events are ignored.
func (l *List[T, F]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.gen++
}

func (l *List[T, F]) changedLocked() Snapshot[T] {
	l.version++
	return l.snapshotLocked()
}

func (l *List[T, F]) snapshotLocked() Snapshot[T] {
	return Snapshot[T]{
		Items:   slices.Clone(l.items),
		HasMore: l.cursor.hasMore,
		Loading: l.loading,
		Err:     l.err,
		Version: l.version,
	}
}

// publish hands snapshots to OnChange in version order, dropping any that
// were overtaken by a newer one.
func (l *List[T, F]) publish(snap Snapshot[T]) {
	if l.cfg.OnChange == nil {
		return
	}

	l.publishMu.Lock()
	defer l.publishMu.Unlock()

	if snap.Version <= l.published {
		return
	}

	l.published = snap.Version
	l.cfg.OnChange(snap)
}

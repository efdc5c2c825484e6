// Package realtime multiplexes push channel subscriptions over WebSocket
// transports. At most one transport is live per channel class, keyed by the
// access token it was opened with.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	slogctx "github.com/veqryn/slog-context"

	"github.com/p2pdesk/exchange-client/internal/serviceerr"
	"github.com/p2pdesk/exchange-client/internal/telemetry"
)

type Class string

const (
	ClassOffers        Class = "offers"
	ClassNotifications Class = "notifications"
)

// OrderClass is the channel of one order: status changes and chat messages.
func OrderClass(orderID string) Class {
	return Class("orders/" + orderID)
}

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Event is one push message. Data holds the entity and is decoded by the consumer.
type Event struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeData unmarshals the event payload into T.
func DecodeData[T any](e Event) (T, error) {
	var out T
	if len(e.Data) == 0 {
		return out, fmt.Errorf("event %s has no data", e.Type)
	}

	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("decoding %s event: %w", e.Type, err)
	}

	return out, nil
}

type Handler func(ctx context.Context, event Event)

// Subscriber is satisfied by Multiplexer.
type Subscriber interface {
	Subscribe(ctx context.Context, class Class, token string, handler Handler) (func(), error)
}

type StateListener func(ctx context.Context, class Class, state State)

type ReconnectPolicy struct {
	// MaxAttempts bounds consecutive reconnects after a drop. Zero disables reconnecting.
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

type Config struct {
	BaseURL          string
	HandshakeTimeout time.Duration
	Reconnect        ReconnectPolicy
}

type Option func(*Multiplexer)

func WithStateListener(fn StateListener) Option {
	return func(m *Multiplexer) { m.onState = fn }
}

func WithMeters(meters *telemetry.Meters) Option {
	return func(m *Multiplexer) { m.meters = meters }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Multiplexer) { m.dialer = d }
}

type Multiplexer struct {
	baseURL   *url.URL
	reconnect ReconnectPolicy
	dialer    *websocket.Dialer
	meters    *telemetry.Meters
	onState   StateListener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	channels map[Class]*channel
}

type subscription struct {
	id uint64
	fn Handler
}

type channel struct {
	class    Class
	token    string
	state    State
	gen      uint64
	conn     *websocket.Conn
	cancel   context.CancelFunc
	handlers []subscription
	nextID   uint64
}

type stateChange struct {
	class Class
	state State
}

// transitions collects what a locked section changed. Connections are closed
// and listeners notified once m.mu is released.
type transitions struct {
	changes []stateChange
	conns   []*websocket.Conn
}

// NewMultiplexer creates the transport registry. ctx bounds the lifetime of
// every transport it opens.
func NewMultiplexer(ctx context.Context, cfg Config, opts ...Option) (*Multiplexer, error) {
	u, err := websocketURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Multiplexer{
		baseURL:   u,
		reconnect: cfg.Reconnect,
		dialer:    &websocket.Dialer{HandshakeTimeout: handshake},
		meters:    telemetry.Noop(),
		onState:   func(context.Context, Class, State) {},
		ctx:       ctx,
		cancel:    cancel,
		channels:  make(map[Class]*channel),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

func websocketURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing realtime base url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("realtime base url %q has no host", raw)
	}

	return u, nil
}

// Ensure makes sure a transport for class is open or opening under token.
// A transport opened with another token is closed first. An empty token
// closes the transport of the class.
func (m *Multiplexer) Ensure(ctx context.Context, class Class, token string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return serviceerr.ErrTransportClosed
	}

	var tr transitions
	m.ensureLocked(m.channel(class), token, &tr)
	m.mu.Unlock()

	slogctx.Debug(ctx, "Ensured realtime channel", "channel", string(class), "transitions", len(tr.changes))
	m.apply(tr)

	return nil
}

// ensureLocked must be called with m.mu held.
func (m *Multiplexer) ensureLocked(ch *channel, token string, tr *transitions) {
	if token == "" {
		ch.token = ""
		m.closeLocked(ch, tr)
		return
	}

	if ch.token == token && ch.state != StateClosed {
		return
	}

	m.closeLocked(ch, tr)

	ch.token = token
	ch.gen++
	ch.state = StateConnecting

	tctx, cancel := context.WithCancel(m.ctx)
	ch.cancel = cancel

	gen := ch.gen
	m.wg.Go(func() {
		m.run(tctx, ch.class, gen, token)
	})

	tr.changes = append(tr.changes, stateChange{class: ch.class, state: StateConnecting})
}

// closeLocked detaches the transport of ch. Handlers are kept.
func (m *Multiplexer) closeLocked(ch *channel, tr *transitions) {
	if ch.cancel != nil {
		ch.cancel()
		ch.cancel = nil
	}

	if ch.conn != nil {
		tr.conns = append(tr.conns, ch.conn)
		ch.conn = nil
	}

	ch.gen++

	if ch.state == StateClosed {
		return
	}

	ch.state = StateClosed
	tr.changes = append(tr.changes, stateChange{class: ch.class, state: StateClosed})
}

// apply must be called without m.mu held.
func (m *Multiplexer) apply(tr transitions) {
	for _, conn := range tr.conns {
		closeConn(conn)
	}

	m.emit(tr.changes)
}

// Subscribe registers handler for class and ensures the transport under token.
// The returned func removes the handler only; the transport stays open.
func (m *Multiplexer) Subscribe(ctx context.Context, class Class, token string, handler Handler) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, serviceerr.ErrTransportClosed
	}

	ch := m.channel(class)
	ch.nextID++
	id := ch.nextID
	ch.handlers = append(ch.handlers, subscription{id: id, fn: handler})

	var tr transitions
	m.ensureLocked(ch, token, &tr)
	m.mu.Unlock()

	m.apply(tr)

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(class, id) })
	}, nil
}

func (m *Multiplexer) unsubscribe(class Class, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[class]
	if !ok {
		return
	}

	ch.handlers = slices.DeleteFunc(ch.handlers, func(s subscription) bool {
		return s.id == id
	})
}

// Rotate reopens every active class under token. An empty token closes them all.
func (m *Multiplexer) Rotate(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return serviceerr.ErrTransportClosed
	}

	var tr transitions
	for _, ch := range m.channels {
		if ch.token == "" && len(ch.handlers) == 0 {
			continue
		}
		m.ensureLocked(ch, token, &tr)
	}
	m.mu.Unlock()

	slogctx.Debug(ctx, "Rotated realtime channels", "transitions", len(tr.changes))
	m.apply(tr)

	return nil
}

// State reports the connectivity of class.
func (m *Multiplexer) State(class Class) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[class]; ok {
		return ch.state
	}

	return StateClosed
}

// Close tears down every transport and waits for their goroutines.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}

	m.closed = true
	var tr transitions
	for _, ch := range m.channels {
		m.closeLocked(ch, &tr)
	}
	m.mu.Unlock()

	m.cancel()
	m.apply(tr)
	m.wg.Wait()

	return nil
}

func (m *Multiplexer) channel(class Class) *channel {
	ch, ok := m.channels[class]
	if !ok {
		ch = &channel{class: class, state: StateClosed}
		m.channels[class] = ch
	}

	return ch
}

func (m *Multiplexer) emit(changes []stateChange) {
	for _, c := range changes {
		m.onState(m.ctx, c.class, c.state)
	}
}

// run owns one transport generation: it dials, reads until the connection
// drops and reconnects with backoff while the generation is current.
func (m *Multiplexer) run(ctx context.Context, class Class, gen uint64, token string) {
	ctx = slogctx.With(ctx, "channel", string(class))
	b := m.newBackOff()
	attempts := 0

	for {
		conn, err := m.dial(ctx, class, token)
		if err == nil {
			if !m.setOpen(class, gen, conn) {
				closeConn(conn)
				return
			}

			attempts = 0
			b.Reset()

			err = m.readLoop(ctx, class, gen, conn)
		}

		if ctx.Err() != nil || !m.setClosed(class, gen) {
			return
		}

		slogctx.Warn(ctx, "Realtime transport down", "error", err)

		attempts++
		if !m.shouldReconnect(class, gen, attempts) {
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}

		slogctx.Info(ctx, "Reconnecting realtime transport", "attempt", attempts, "in", wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		if !m.setConnecting(class, gen) {
			return
		}
	}
}

func (m *Multiplexer) dial(ctx context.Context, class Class, token string) (*websocket.Conn, error) {
	u := m.baseURL.JoinPath("ws", string(class))
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	m.meters.RealtimeConnects.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channelKind(class))))

	conn, _, err := m.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return conn, nil
}

func (m *Multiplexer) readLoop(ctx context.Context, class Class, gen uint64, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			slogctx.Warn(ctx, "Dropping undecodable push message", "error", err)
			continue
		}

		if event.Type == "" {
			slogctx.Warn(ctx, "Dropping push message without type")
			continue
		}

		m.meters.RealtimeMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", event.Type)))

		handlers, current := m.handlers(class, gen)
		if !current {
			return errors.New("transport replaced")
		}

		for _, fn := range handlers {
			deliver(ctx, fn, event)
		}
	}
}

// deliver keeps a panicking handler from taking the read loop down.
func deliver(ctx context.Context, fn Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slogctx.Error(ctx, "Push handler panicked", "type", event.Type, "panic", r)
		}
	}()

	fn(ctx, event)
}

func (m *Multiplexer) handlers(class Class, gen uint64) ([]Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[class]
	if !ok || ch.gen != gen {
		return nil, false
	}

	out := make([]Handler, 0, len(ch.handlers))
	for _, s := range ch.handlers {
		out = append(out, s.fn)
	}

	return out, true
}

func (m *Multiplexer) setOpen(class Class, gen uint64, conn *websocket.Conn) bool {
	m.mu.Lock()
	ch, ok := m.channels[class]
	if !ok || ch.gen != gen {
		m.mu.Unlock()
		return false
	}

	ch.conn = conn
	ch.state = StateOpen
	m.mu.Unlock()

	m.emit([]stateChange{{class: class, state: StateOpen}})
	return true
}

func (m *Multiplexer) setClosed(class Class, gen uint64) bool {
	m.mu.Lock()
	ch, ok := m.channels[class]
	if !ok || ch.gen != gen {
		m.mu.Unlock()
		return false
	}

	tr := transitions{changes: []stateChange{{class: class, state: StateClosed}}}
	if ch.conn != nil {
		tr.conns = append(tr.conns, ch.conn)
		ch.conn = nil
	}
	ch.state = StateClosed
	m.mu.Unlock()

	m.apply(tr)
	return true
}

func (m *Multiplexer) setConnecting(class Class, gen uint64) bool {
	m.mu.Lock()
	ch, ok := m.channels[class]
	if !ok || ch.gen != gen {
		m.mu.Unlock()
		return false
	}

	ch.state = StateConnecting
	m.mu.Unlock()

	m.emit([]stateChange{{class: class, state: StateConnecting}})
	return true
}

func (m *Multiplexer) shouldReconnect(class Class, gen uint64, attempts int) bool {
	if m.reconnect.MaxAttempts <= 0 || attempts > m.reconnect.MaxAttempts {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[class]
	return ok && ch.gen == gen && ch.token != "" && len(ch.handlers) > 0
}

func (m *Multiplexer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if m.reconnect.InitialInterval > 0 {
		b.InitialInterval = m.reconnect.InitialInterval
	}
	if m.reconnect.MaxInterval > 0 {
		b.MaxInterval = m.reconnect.MaxInterval
	}
	if m.reconnect.Multiplier > 0 {
		b.Multiplier = m.reconnect.Multiplier
	}
	if m.reconnect.RandomizationFactor > 0 {
		b.RandomizationFactor = m.reconnect.RandomizationFactor
	}
	b.Reset()

	return b
}

func closeConn(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = conn.Close()
}

// channelKind drops per-order ids to keep metric cardinality bounded.
func channelKind(class Class) string {
	kind, _, _ := strings.Cut(string(class), "/")
	return kind
}

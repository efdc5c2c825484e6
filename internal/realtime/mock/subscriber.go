package realtimemock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/p2pdesk/exchange-client/internal/realtime"
)

type subscription struct {
	token   string
	handler realtime.Handler
	active  bool
}

// Subscriber is an in-memory realtime.Subscriber. Push delivers to the
// handlers currently subscribed to a class.
type Subscriber struct {
	mu   sync.Mutex
	subs map[realtime.Class][]*subscription
	err  error
}

var _ realtime.Subscriber = (*Subscriber)(nil)

func NewSubscriber(err error) *Subscriber {
	return &Subscriber{subs: make(map[realtime.Class][]*subscription), err: err}
}

func (s *Subscriber) Subscribe(_ context.Context, class realtime.Class, token string, handler realtime.Handler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	sub := &subscription{token: token, handler: handler, active: true}
	s.subs[class] = append(s.subs[class], sub)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		sub.active = false
	}, nil
}

// Push delivers an event whose data is v encoded as JSON. A nil v sends no data.
func (s *Subscriber) Push(ctx context.Context, class realtime.Class, typ, id string, v any) error {
	var data json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = b
	}

	for _, h := range s.handlers(class) {
		h(ctx, realtime.Event{Type: typ, ID: id, Data: data})
	}

	return nil
}

func (s *Subscriber) handlers(class realtime.Class) []realtime.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []realtime.Handler
	for _, sub := range s.subs[class] {
		if sub.active {
			out = append(out, sub.handler)
		}
	}
	return out
}

// Active returns how many handlers are subscribed to class.
func (s *Subscriber) Active(class realtime.Class) int {
	return len(s.handlers(class))
}

// Token returns the token of the latest subscription to class.
func (s *Subscriber) Token(class realtime.Class) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subs[class]
	if len(subs) == 0 {
		return ""
	}
	return subs[len(subs)-1].token
}

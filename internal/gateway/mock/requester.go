package gatewaymock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/p2pdesk/exchange-client/internal/gateway"
)

// Call is one recorded request.
type Call struct {
	Endpoint string
	Options  gateway.Options
}

// ReplyFunc produces the value encoded as the response body, or an error.
type ReplyFunc func(endpoint string, opts gateway.Options) (any, error)

// Requester is an in-memory gateway.Requester that records calls.
type Requester struct {
	mu    sync.Mutex
	calls []Call
	reply ReplyFunc
}

var _ gateway.Requester = (*Requester)(nil)

func NewRequester(reply ReplyFunc) *Requester {
	return &Requester{reply: reply}
}

func (r *Requester) Request(_ context.Context, endpoint string, opts gateway.Options) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Endpoint: endpoint, Options: opts})
	reply := r.reply
	r.mu.Unlock()

	if reply == nil {
		return nil, nil
	}

	v, err := reply(endpoint, opts)
	if err != nil {
		return nil, err
	}

	if v == nil {
		return nil, nil
	}

	return json.Marshal(v)
}

func (r *Requester) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Last returns the most recent call, or the zero Call.
func (r *Requester) Last() Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.calls) == 0 {
		return Call{}
	}
	return r.calls[len(r.calls)-1]
}

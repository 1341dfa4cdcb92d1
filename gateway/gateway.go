// Package gateway abstracts outbound user messaging. The lifecycle and task
// handlers talk to a Messenger; deployments plug in the real delivery
// channel, tests use the Recorder.
package gateway

import (
	"context"
	"sync"

	"github.com/loopmark/introq/id"
)

// Message is one outbound notification to a user.
type Message struct {
	UserID id.UserID `json:"user_id"`

	// Kind is the template or category, e.g. "offer.created",
	// "loop.closed".
	Kind string `json:"kind"`

	// Body is the rendered text, if the caller renders it.
	Body string `json:"body,omitempty"`

	// Meta carries template variables for downstream rendering.
	Meta map[string]string `json:"meta,omitempty"`
}

// Messenger delivers messages to users. Implementations must be safe for
// concurrent use.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
}

// Nop discards all messages.
type Nop struct{}

func (Nop) Send(ctx context.Context, msg Message) error { return nil }

// Recorder captures sent messages for inspection in tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
}

func (r *Recorder) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

// Sent returns a copy of everything delivered so far.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	copy(out, r.sent)
	return out
}

// SentTo returns the messages delivered to userID.
func (r *Recorder) SentTo(userID id.UserID) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.sent {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

// Package notifytest records dispatched emails for assertions.
package notifytest

import (
	"context"
	"sync"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/notify"
)

// Recorder keeps every message it is asked to send. Set Err to make sends fail.
type Recorder struct {
	mu   sync.Mutex
	sent []notify.Message
	Err  error
}

func (r *Recorder) SendEmail(ctx context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (r *Recorder) Sent() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.sent...)
}

// Last returns the most recent message, if any.
func (r *Recorder) Last() (notify.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return notify.Message{}, false
	}
	return r.sent[len(r.sent)-1], true
}

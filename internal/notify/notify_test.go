package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogDispatcherLogsEmail(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := NewLogDispatcher(zap.New(core).Sugar())

	err := d.SendEmail(context.Background(), Message{To: "alice@example.com", Subject: "hi", Body: "secret"})
	assert.NoError(t, err)

	entries := logs.FilterMessage("email dispatched").All()
	assert.Len(t, entries, 1)
	assert.Equal(t, "alice@example.com", entries[0].ContextMap()["to"])
	assert.Empty(t, logs.FilterMessage("email body").All(), "body is only logged at debug")
}

func TestLogDispatcherRequiresRecipient(t *testing.T) {
	d := NewLogDispatcher(zap.NewNop().Sugar())
	assert.ErrorIs(t, d.SendEmail(context.Background(), Message{Subject: "x"}), ErrNoRecipient)
}

func TestLogDispatcherHonoursCancellation(t *testing.T) {
	d := NewLogDispatcher(zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.SendEmail(ctx, Message{To: "a@b.c"}), context.Canceled)
}

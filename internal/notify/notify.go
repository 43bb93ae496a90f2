package notify

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

var ErrNoRecipient = errors.New("email has no recipient")

// Message is one outgoing email.
type Message struct {
	To      string
	Subject string
	Body    string
	IsHTML  bool
}

// Dispatcher sends emails. Real transports live outside this service.
type Dispatcher interface {
	SendEmail(ctx context.Context, msg Message) error
}

// LogDispatcher writes emails to the log instead of sending them.
type LogDispatcher struct {
	logger *zap.SugaredLogger
}

func NewLogDispatcher(logger *zap.SugaredLogger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) SendEmail(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	d.logger.Infow("email dispatched", "to", msg.To, "subject", msg.Subject, "html", msg.IsHTML)
	d.logger.Debugw("email body", "to", msg.To, "body", msg.Body)
	return nil
}

// Package notify hands user-facing messages (verification codes, reset links,
// security alerts) to a delivery sink without blocking request handling.
package notify

import (
	"context"
	"log/slog"
	"sort"
)

// Message kinds
const (
	KindEmailVerification = "email_verification"
	KindPasswordReset     = "password_reset"
	KindSecurityAlert     = "security_alert"
)

// Message is a single notification addressed to an account.
type Message struct {
	Kind      string
	AccountID string
	Email     string
	Subject   string
	// Data carries template values. Secret values (codes, tokens) are
	// redacted by the logger when a message is logged.
	Data map[string]string
}

// Notifier delivers a message. Implementations live outside this service
// (SMTP, push); LogNotifier and ChannelNotifier are provided for development
// and tests.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the message.
func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	keys := make([]string, 0, len(msg.Data))
	for k := range msg.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, msg.Data[k]))
	}

	n.logger.InfoContext(ctx, "notification",
		slog.String("kind", msg.Kind),
		slog.String("account_id", msg.AccountID),
		slog.String("subject", msg.Subject),
		slog.Group("data", attrs...),
	)
	return nil
}

// ChannelNotifier writes messages into a buffered channel.
type ChannelNotifier struct {
	messages chan Message
}

// NewChannelNotifier creates a ChannelNotifier with the given buffer.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelNotifier{messages: make(chan Message, buffer)}
}

// Notify enqueues msg, giving up when ctx is done.
func (n *ChannelNotifier) Notify(ctx context.Context, msg Message) error {
	select {
	case n.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns the channel messages are written to.
func (n *ChannelNotifier) Messages() <-chan Message {
	return n.messages
}

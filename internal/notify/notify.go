package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wudi/swproxy/config"
	"github.com/wudi/swproxy/internal/logging"
)

// Notifier displays notifications. Delivery is best effort: there is no
// retry or queueing beyond what the backend does itself.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
	// Name identifies the backend in logs and metrics.
	Name() string
	Close() error
}

// New builds the notifier selected by cfg.
func New(ctx context.Context, cfg config.NotifyConfig) (Notifier, error) {
	switch cfg.Type {
	case "", config.NotifyLog:
		return NewLogNotifier(nil), nil
	case config.NotifyPubSub:
		return OpenPubSub(ctx, cfg.PubSub.TopicURL)
	case config.NotifyAMQP:
		return DialAMQP(cfg.AMQP)
	default:
		return nil, fmt.Errorf("unknown notifier type %q", cfg.Type)
	}
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier; a nil logger uses the global one.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n *Notification) error {
	logger := l.logger
	if logger == nil {
		logger = logging.Global()
	}
	logger.Info("Notification",
		zap.String("title", n.Title),
		zap.String("body", n.Body),
		zap.Any("primary_key", n.Data.PrimaryKey),
		zap.Int("actions", len(n.Actions)),
	)
	return nil
}

func (l *LogNotifier) Name() string { return config.NotifyLog }

func (l *LogNotifier) Close() error { return nil }

package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wudi/swproxy/internal/logging"
	"github.com/wudi/swproxy/internal/notify"
)

// SyncTag is the only background sync tag the worker reacts to.
const SyncTag = "background-sync"

// Notification presentation used for every push.
const (
	NotificationIcon  = "/icon-192.png"
	NotificationBadge = "/icon-72.png"
)

// ErrInvalidPayload is returned for push payloads that are not JSON.
var ErrInvalidPayload = errors.New("worker: push payload is not valid JSON")

// Sync handles a background sync event. Only SyncTag is acted on, and the
// action is a log line.
func (w *Worker) Sync(ctx context.Context, tag string) error {
	if w.State() != StateActivated {
		return ErrNotActive
	}
	if tag != SyncTag {
		logging.Debug("Ignoring sync event", zap.String("tag", tag))
		return nil
	}
	logging.Info("Running background sync", zap.String("version", w.opts.Version))
	return nil
}

// Push builds a notification from a producer payload
// {"title", "body", "primaryKey"} and hands it to the notifier. An empty
// payload is ignored and returns a nil notification.
func (w *Worker) Push(ctx context.Context, payload []byte) (*notify.Notification, error) {
	if w.State() != StateActivated {
		return nil, ErrNotActive
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(payload) {
		return nil, ErrInvalidPayload
	}

	n := buildNotification(payload, w.now().UnixMilli())

	ctx, span := w.deps.Tracer.StartSpan(ctx, "worker.push")
	defer span.End()

	err := w.deps.Notifier.Notify(ctx, n)
	w.deps.Metrics.RecordNotification(w.deps.Notifier.Name(), err == nil)
	if err != nil {
		span.RecordError(err)
		return n, fmt.Errorf("show notification: %w", err)
	}
	return n, nil
}

func buildNotification(payload []byte, arrival int64) *notify.Notification {
	fields := gjson.GetManyBytes(payload, "title", "body", "primaryKey")

	return &notify.Notification{
		Title:   fields[0].String(),
		Body:    fields[1].String(),
		Icon:    NotificationIcon,
		Badge:   NotificationBadge,
		Vibrate: []int{100, 50, 100},
		Data: notify.Data{
			DateOfArrival: arrival,
			PrimaryKey:    fields[2].Value(),
		},
		Actions: []notify.Action{
			{Action: "explore", Title: "查看详情", Icon: NotificationIcon},
			{Action: "close", Title: "关闭", Icon: NotificationIcon},
		},
	}
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub" // mem:// topics

	"github.com/wudi/swproxy/config"
)

// PubSubNotifier publishes notifications as JSON messages to a gocloud
// pubsub topic.
type PubSubNotifier struct {
	url   string
	topic *pubsub.Topic
}

// OpenPubSub opens the topic at topicURL, e.g. "mem://notifications".
func OpenPubSub(ctx context.Context, topicURL string) (*PubSubNotifier, error) {
	if topicURL == "" {
		return nil, fmt.Errorf("pubsub: topic_url is required")
	}
	topic, err := pubsub.OpenTopic(ctx, topicURL)
	if err != nil {
		return nil, fmt.Errorf("pubsub: open topic %s: %w", topicURL, err)
	}
	return NewPubSub(topic), nil
}

// NewPubSub wraps an already opened topic.
func NewPubSub(topic *pubsub.Topic) *PubSubNotifier {
	return &PubSubNotifier{topic: topic}
}

func (p *PubSubNotifier) Notify(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: encode notification: %w", err)
	}
	err = p.topic.Send(ctx, &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"content-type": "application/json",
			"title":        n.Title,
		},
	})
	if err != nil {
		return fmt.Errorf("pubsub: publish: %w", err)
	}
	return nil
}

func (p *PubSubNotifier) Name() string { return config.NotifyPubSub }

// Close shuts the topic down, flushing pending sends.
func (p *PubSubNotifier) Close() error {
	return p.topic.Shutdown(context.Background())
}

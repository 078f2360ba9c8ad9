// Package pubsub backs the scan queue with a Google Cloud Pub/Sub topic and
// subscription, so intake survives process restarts.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/tokenlens/tokenlens/internal/scan"
)

// Config names the Pub/Sub resources for the queue.
type Config struct {
	TopicID        string
	SubscriptionID string
	// Buffer bounds the local hand-off channel between the Pub/Sub receiver
	// and Dequeue callers (default 64).
	Buffer int
	Logger *zap.Logger
}

// Queue implements scan.Queue over Pub/Sub. Enqueue publishes the item as
// JSON; a background receiver feeds Dequeue through a bounded channel and
// acks messages once they are handed off.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	items  chan scan.QueueItem
	logger *zap.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	startMu sync.Mutex
	started bool
}

// New verifies the topic and subscription exist and builds the queue.
func New(ctx context.Context, client *pubsub.Client, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.TopicID == "" || cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("topic and subscription ids are required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %q does not exist", cfg.TopicID)
	}
	sub := client.Subscription(cfg.SubscriptionID)
	exists, err = sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %q: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub subscription %q does not exist", cfg.SubscriptionID)
	}
	return &Queue{
		client: client,
		topic:  topic,
		sub:    sub,
		items:  make(chan scan.QueueItem, cfg.Buffer),
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}, nil
}

// Start launches the background receiver. Calling it twice is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.started {
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	go q.receive(ctx)
}

func (q *Queue) receive(ctx context.Context) {
	defer close(q.done)
	err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var item scan.QueueItem
		if err := json.Unmarshal(msg.Data, &item); err != nil {
			q.logger.Warn("dropping malformed queue message", zap.Error(err))
			msg.Ack()
			return
		}
		select {
		case q.items <- item:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
	}
}

// Enqueue publishes the item and waits for the server acknowledgement.
func (q *Queue) Enqueue(ctx context.Context, item scan.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish queue item: %w", err)
	}
	return nil
}

// Dequeue pops the next scan, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (scan.QueueItem, error) {
	select {
	case <-ctx.Done():
		return scan.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.items:
		return item, nil
	}
}

// Close stops the receiver and the topic's publish goroutines.
func (q *Queue) Close() {
	q.startMu.Lock()
	started := q.started
	cancel := q.cancel
	q.startMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if started {
		<-q.done
	}
	q.topic.Stop()
}

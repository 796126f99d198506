// Package events carries workspace snapshot updates from the domain modules
// to the projection store over a message bus. In-process deployments use a
// Go channel pub/sub; multi-process deployments share a Redis stream.
package events

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack"

	"github.com/purplefish-ai/factory-factory-sub006/internal/snapshot"
)

const Topic = "workspace.snapshot"

// Event is one snapshot update. Fields follows the projection store's
// partial-update shape so appliers can hand it straight to Upsert.
type Event struct {
	WorkspaceID string          `msgpack:"workspace_id"`
	Source      string          `msgpack:"source"`
	OccurredAt  time.Time       `msgpack:"occurred_at"`
	Fields      snapshot.Fields `msgpack:"fields"`
}

func Marshal(event Event) ([]byte, error) {
	return msgpack.Marshal(event)
}

func Unmarshal(data []byte) (Event, error) {
	var event Event
	if err := msgpack.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Bus is a publisher/subscriber pair over one topic.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber

	mu      sync.Mutex
	entropy *rand.Rand
}

// NewInProcessBus builds a bus backed by an in-memory channel. Messages
// published before any subscriber attaches are dropped, matching the
// eventually-consistent contract: the periodic reconciliation pass repairs
// whatever the live path misses.
func NewInProcessBus(logger watermill.LoggerAdapter) *Bus {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, logger)
	return newBus(pubSub, pubSub)
}

// NewRedisBus builds a bus over a Redis stream so several processes can
// share one snapshot feed.
func NewRedisBus(client redis.UniversalClient, consumerGroup string, logger watermill.LoggerAdapter) (*Bus, error) {
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: client,
	}, logger)
	if err != nil {
		return nil, err
	}
	subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        client,
		ConsumerGroup: consumerGroup,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}
	return newBus(publisher, subscriber), nil
}

func newBus(publisher message.Publisher, subscriber message.Subscriber) *Bus {
	return &Bus{
		publisher:  publisher,
		subscriber: subscriber,
		entropy:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *Bus) Publish(event Event) error {
	payload, err := Marshal(event)
	if err != nil {
		return err
	}
	msg := message.NewMessage(b.newMessageID(), payload)
	return b.publisher.Publish(Topic, msg)
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.subscriber.Subscribe(ctx, Topic)
}

func (b *Bus) Close() error {
	err := b.publisher.Close()
	if closeErr := b.subscriber.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (b *Bus) newMessageID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String()
}

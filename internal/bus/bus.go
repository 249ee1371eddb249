package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/fazenda/lol-matchmaking/internal/errs"
)

const channelPrefix = "customgame:"

// Inbox is the dedupe surface the bus needs from the store.
type Inbox interface {
	InsertEventInbox(ctx context.Context, eventID, eventType string, now time.Time) (bool, error)
}

// Handler consumes one event. Handlers must be idempotent anyway, but the
// bus only invokes them once per event id per instance.
type Handler func(ctx context.Context, ev Envelope)

// Publisher is the publish side of the bus.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, payload any) error
}

// Subscriber is the consume side of the bus.
type Subscriber interface {
	Subscribe(topic Topic, h Handler)
}

// PubSub combines both sides.
type PubSub interface {
	Publisher
	Subscriber
}

// Bus publishes and consumes typed events over Redis pub/sub. Publishing
// always dispatches locally first; the Redis copy of our own event is
// dropped by the inbox.
type Bus struct {
	rdb        *redis.Client
	inbox      Inbox
	log        *logrus.Logger
	instanceID string

	mu       sync.RWMutex
	handlers map[Topic][]Handler
}

func New(rdb *redis.Client, inbox Inbox, log *logrus.Logger, instanceID string) *Bus {
	return &Bus{
		rdb:        rdb,
		inbox:      inbox,
		log:        log,
		instanceID: instanceID,
		handlers:   make(map[Topic][]Handler),
	}
}

// Subscribe registers a handler for a topic. Must be called before Run.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers the event locally, then broadcasts it. A broadcast
// failure is surfaced as BroadcastFailed; the local delivery has already
// happened by then, matching the self-delivery contract.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	ev := Envelope{
		EventID:   NewEventID(time.Now().UTC()),
		EventType: topic,
		Timestamp: time.Now().UTC(),
		Origin:    b.instanceID,
		Payload:   raw,
	}

	b.deliver(ctx, ev)

	wire, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", topic, err)
	}
	if err := b.rdb.Publish(ctx, channelPrefix+string(topic), wire).Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrBroadcastFailed, topic, err)
	}
	return nil
}

// Run consumes the Redis side of every topic until the context ends.
func (b *Bus) Run(ctx context.Context) error {
	channels := make([]string, 0, len(AllTopics))
	for _, t := range AllTopics {
		channels = append(channels, channelPrefix+string(t))
	}

	sub := b.rdb.Subscribe(ctx, channels...)
	defer sub.Close()

	ch := sub.Channel()
	b.log.WithField("instance", b.instanceID).Info("event bus consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("%w: subscription channel closed", errs.ErrBroadcastFailed)
			}
			var ev Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.WithError(err).WithField("channel", msg.Channel).Warn("discarding malformed event")
				continue
			}
			if ev.EventType == "" {
				ev.EventType = Topic(strings.TrimPrefix(msg.Channel, channelPrefix))
			}
			b.deliver(ctx, ev)
		}
	}
}

// deliver dedupes by event id and dispatches to the topic's handlers.
func (b *Bus) deliver(ctx context.Context, ev Envelope) {
	fresh, err := b.inbox.InsertEventInbox(ctx, ev.EventID, string(ev.EventType), time.Now().UTC())
	if err != nil {
		b.log.WithError(err).WithField("event", ev.EventID).Error("inbox insert failed, dropping event")
		return
	}
	if !fresh {
		return // duplicate delivery
	}

	b.mu.RLock()
	handlers := b.handlers[ev.EventType]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.log.WithField("type", ev.EventType).Debug("no handlers for event")
		return
	}
	for _, h := range handlers {
		h(ctx, ev)
	}
}

package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fazenda/lol-matchmaking/internal/errs"
)

// memInbox is an in-memory EventInbox.
type memInbox struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (i *memInbox) InsertEventInbox(ctx context.Context, eventID, eventType string, now time.Time) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.seen[eventID] {
		return false, nil
	}
	i.seen[eventID] = true
	return true, nil
}

func testBus(t *testing.T) *Bus {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	// Deliberately unreachable: these tests exercise the local side.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 10 * time.Millisecond})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, &memInbox{seen: map[string]bool{}}, log, "i-test")
}

func TestPublishDeliversLocallyEvenWhenBroadcastFails(t *testing.T) {
	b := testBus(t)

	var got []Envelope
	b.Subscribe(TopicQueueUpdate, func(ctx context.Context, ev Envelope) {
		got = append(got, ev)
	})

	err := b.Publish(context.Background(), TopicQueueUpdate, QueueUpdatePayload{PlayersInQueue: 3})
	require.ErrorIs(t, err, errs.ErrBroadcastFailed, "unreachable Redis surfaces as BroadcastFailed")

	// Self-delivery happened regardless; the caller decides whether the
	// operation can proceed without the broadcast.
	require.Len(t, got, 1)
	assert.Equal(t, TopicQueueUpdate, got[0].EventType)
	assert.NotEmpty(t, got[0].EventID)
	assert.Equal(t, "i-test", got[0].Origin)

	var p QueueUpdatePayload
	require.NoError(t, got[0].Decode(&p))
	assert.Equal(t, 3, p.PlayersInQueue)
}

func TestRedeliveryIsDropped(t *testing.T) {
	b := testBus(t)

	calls := 0
	b.Subscribe(TopicMatchFound, func(ctx context.Context, ev Envelope) { calls++ })

	ev := Envelope{
		EventID:   "fixed-id",
		EventType: TopicMatchFound,
		Timestamp: time.Now().UTC(),
		Payload:   []byte(`{"matchId":"m1"}`),
	}
	b.deliver(context.Background(), ev)
	b.deliver(context.Background(), ev)

	assert.Equal(t, 1, calls, "the inbox drops the duplicate")
}

func TestHandlersArePerTopic(t *testing.T) {
	b := testBus(t)

	var picks, bans int
	b.Subscribe(TopicDraftPick, func(ctx context.Context, ev Envelope) { picks++ })
	b.Subscribe(TopicDraftBan, func(ctx context.Context, ev Envelope) { bans++ })

	b.deliver(context.Background(), Envelope{EventID: "e1", EventType: TopicDraftPick, Payload: []byte(`{}`)})
	b.deliver(context.Background(), Envelope{EventID: "e2", EventType: TopicDraftPick, Payload: []byte(`{}`)})
	b.deliver(context.Background(), Envelope{EventID: "e3", EventType: TopicDraftBan, Payload: []byte(`{}`)})

	assert.Equal(t, 2, picks)
	assert.Equal(t, 1, bans)
}

func TestEventIDsAreOrderedWithinPublisher(t *testing.T) {
	now := time.Now().UTC()
	prev := NewEventID(now)
	for i := 0; i < 100; i++ {
		next := NewEventID(now)
		assert.Less(t, prev, next, "monotonic entropy keeps same-millisecond ids ordered")
		prev = next
	}
}

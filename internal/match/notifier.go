package match

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/fazenda/lol-matchmaking/internal/bus"
	"github.com/fazenda/lol-matchmaking/internal/gateway"
	"github.com/fazenda/lol-matchmaking/internal/store"
)

// Notifier turns bus events into pushes to this instance's connected
// players. Every instance runs one, so a notification reaches a player
// no matter which instance they are connected to.
type Notifier struct {
	store store.Store
	hub   *gateway.Hub
	log   *logrus.Logger
}

func NewNotifier(st store.Store, hub *gateway.Hub, log *logrus.Logger) *Notifier {
	return &Notifier{store: st, hub: hub, log: log}
}

// Register wires the notifier's consumers into the bus.
func (n *Notifier) Register(events bus.Subscriber) {
	events.Subscribe(bus.TopicQueueUpdate, n.broadcastAs(gateway.FrameQueueUpdate))

	events.Subscribe(bus.TopicMatchFound, n.toParticipants(gateway.FrameMatchFound, matchIDFromGeneric))
	events.Subscribe(bus.TopicMatchAcceptance, n.toParticipants(gateway.FrameMatchFound, matchIDFromGeneric))
	events.Subscribe(bus.TopicMatchCancelled, n.toParticipants(gateway.FrameMatchCancel, matchIDFromGeneric))

	events.Subscribe(bus.TopicDraftStarted, n.toParticipants(gateway.FrameDraftUpdate, matchIDFromGeneric))
	events.Subscribe(bus.TopicDraftPick, n.toParticipants(gateway.FrameDraftUpdate, matchIDFromGeneric))
	events.Subscribe(bus.TopicDraftBan, n.toParticipants(gateway.FrameDraftUpdate, matchIDFromGeneric))
	events.Subscribe(bus.TopicDraftEdit, n.toParticipants(gateway.FrameDraftUpdate, matchIDFromGeneric))
	events.Subscribe(bus.TopicDraftCompleted, n.toParticipants(gateway.FrameDraftUpdate, matchIDFromGeneric))

	events.Subscribe(bus.TopicGameStarted, n.toParticipants(gateway.FrameGameUpdate, matchIDFromGeneric))
	events.Subscribe(bus.TopicGameEnded, n.toParticipants(gateway.FrameGameUpdate, matchIDFromGeneric))
	events.Subscribe(bus.TopicGameVote, n.toParticipants(gateway.FrameVoteUpdate, matchIDFromGeneric))
	events.Subscribe(bus.TopicGameLinked, n.toParticipants(gateway.FrameMatchLinked, matchIDFromGeneric))
	events.Subscribe(bus.TopicSpectatorMute, n.toParticipants(gateway.FrameGameUpdate, matchIDFromGeneric))
}

// broadcastAs forwards the event payload to every local connection.
func (n *Notifier) broadcastAs(frameType string) bus.Handler {
	return func(ctx context.Context, ev bus.Envelope) {
		n.hub.Broadcast(gateway.Frame{Type: frameType, Payload: ev.Payload})
	}
}

// toParticipants forwards the event payload to the match's locally
// connected participants.
func (n *Notifier) toParticipants(frameType string, matchID func(bus.Envelope) string) bus.Handler {
	return func(ctx context.Context, ev bus.Envelope) {
		id := matchID(ev)
		if id == "" {
			return
		}
		m, err := n.store.GetMatch(ctx, id)
		if err != nil || m == nil {
			if err != nil {
				n.log.WithError(err).WithField("match", id).Warn("notifier match lookup failed")
			}
			return
		}
		n.hub.PushAll(m.Participants(), gateway.Frame{
			Type:    frameType,
			MatchID: id,
			Payload: ev.Payload,
		})
	}
}

func matchIDFromGeneric(ev bus.Envelope) string {
	var p struct {
		MatchID string `json:"matchId"`
	}
	if err := ev.Decode(&p); err != nil {
		return ""
	}
	return p.MatchID
}

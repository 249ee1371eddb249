package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/fazenda/lol-matchmaking/internal/bus"
	"github.com/fazenda/lol-matchmaking/internal/errs"
	"github.com/fazenda/lol-matchmaking/internal/session"
)

// DefaultRPCTimeout bounds every lcu_request round trip.
const DefaultRPCTimeout = 5 * time.Second

// Sink receives identified-player callbacks from the hub. The match
// service implements it.
type Sink interface {
	// OnIdentify runs after registration succeeds; a returned error
	// closes the connection.
	OnIdentify(ctx context.Context, summonerName string, f Frame) error
	// OnRegisterLCU records that the player's connection can serve LCU
	// requests.
	OnRegisterLCU(ctx context.Context, summonerName string, f Frame)
	// HandleAction processes a player-action frame. Errors are reported
	// back to the sender only.
	HandleAction(ctx context.Context, summonerName string, f Frame) error
	// OnDisconnect runs after the player's session is unregistered.
	OnDisconnect(ctx context.Context, summonerName string)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub tracks this instance's connections and routes frames, pushes, and
// LCU RPCs to them.
type Hub struct {
	registry   *session.Registry
	events     bus.Publisher
	sink       Sink
	log        *logrus.Logger
	instanceID string
	rpcTimeout time.Duration

	mu     sync.RWMutex
	conns  map[string]*Conn // connection id → conn
	byName map[string]*Conn // summoner name (lower) → conn
}

func NewHub(registry *session.Registry, events bus.Publisher, sink Sink, log *logrus.Logger, instanceID string) *Hub {
	return &Hub{
		registry:   registry,
		events:     events,
		sink:       sink,
		log:        log,
		instanceID: instanceID,
		rpcTimeout: DefaultRPCTimeout,
		conns:      make(map[string]*Conn),
		byName:     make(map[string]*Conn),
	}
}

// ServeWS upgrades the request and runs the connection until it dies.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := newConn(uuid.New().String(), h, sock, h.log)

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	ctx := r.Context()
	go c.writePump(context.WithoutCancel(ctx))
	c.readPump(context.WithoutCancel(ctx))
}

// identify completes registration: the session key is claimed in the
// registry and a stale connection on another instance is invalidated.
func (h *Hub) identify(ctx context.Context, c *Conn, f Frame) error {
	name := canonicalName(f)
	if name == "" {
		return errs.ErrInvalidInput
	}

	// A second identified connection for the same player on this
	// instance replaces the first.
	h.mu.Lock()
	if old, ok := h.byName[name]; ok && old != c {
		old.Send(Frame{Type: FrameSessionClosed, Message: "replaced by new connection"})
		go old.close()
	}
	h.byName[name] = c
	h.mu.Unlock()

	prev, err := h.registry.Register(ctx, name, c.ID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.summonerName = name
	c.mu.Unlock()

	if prev != nil {
		if err := h.events.Publish(ctx, bus.TopicSessionInvalidate, bus.SessionInvalidatePayload{
			SummonerName: name,
			InstanceID:   prev.InstanceID,
		}); err != nil {
			h.log.WithError(err).WithField("player", name).Warn("failed to broadcast session invalidation")
		}
	}

	if err := h.sink.OnIdentify(ctx, name, f); err != nil {
		return err
	}

	c.Send(Frame{Type: FrameAck, Message: "identified", SummonerName: name})
	h.log.WithFields(logrus.Fields{"player": name, "conn": c.ID}).Info("player identified")
	return nil
}

func canonicalName(f Frame) string {
	if f.GameName != "" && f.TagLine != "" {
		return strings.ToLower(f.GameName + "#" + f.TagLine)
	}
	return strings.ToLower(strings.TrimSpace(f.SummonerName))
}

func (h *Hub) registerLCU(ctx context.Context, c *Conn, f Frame) {
	name := c.SummonerName()
	if name == "" {
		return
	}
	h.sink.OnRegisterLCU(ctx, name, f)
	c.Send(Frame{Type: FrameAck, Message: "lcu registered"})
}

// dispatch routes a player frame into the sink; any error is reported
// back to this player only.
func (h *Hub) dispatch(ctx context.Context, c *Conn, f Frame) {
	name := c.SummonerName()
	if !f.IsPlayerAction() {
		c.SendError("invalid_input", "unknown frame type "+f.Type)
		return
	}
	if err := h.sink.HandleAction(ctx, name, f); err != nil {
		c.SendError(errs.Code(err), err.Error())
		return
	}
	c.Send(Frame{Type: FrameAck, Message: f.Type})
}

// drop finalizes a dead connection.
func (h *Hub) drop(ctx context.Context, c *Conn) {
	c.close()

	name := c.SummonerName()

	h.mu.Lock()
	delete(h.conns, c.ID)
	if name != "" && h.byName[name] == c {
		delete(h.byName, name)
	}
	h.mu.Unlock()

	if name != "" {
		h.registry.Unregister(ctx, name, c.ID)
		h.sink.OnDisconnect(ctx, name)
		h.log.WithField("player", name).Info("player disconnected")
	}
}

// Push sends a frame to a locally connected player. Returns false when
// the player is not connected to this instance.
func (h *Hub) Push(summonerName string, f Frame) bool {
	h.mu.RLock()
	c, ok := h.byName[strings.ToLower(summonerName)]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.Send(f)
}

// PushAll pushes a frame to every named player connected locally.
func (h *Hub) PushAll(names []string, f Frame) {
	for _, n := range names {
		h.Push(n, f)
	}
}

// Broadcast pushes a frame to every identified local connection.
func (h *Hub) Broadcast(f Frame) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.byName))
	for _, c := range h.byName {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Send(f)
	}
}

// LCURequest performs a gateway RPC against the named player's desktop.
// The player must be connected to this instance; requests for a player
// held elsewhere are refused with WrongInstance.
func (h *Hub) LCURequest(ctx context.Context, summonerName, method, path string, body json.RawMessage) (int, json.RawMessage, error) {
	h.mu.RLock()
	c, ok := h.byName[strings.ToLower(summonerName)]
	h.mu.RUnlock()
	if !ok {
		entry, err := h.registry.Lookup(ctx, summonerName)
		if err != nil {
			return 0, nil, err
		}
		if entry != nil && entry.InstanceID != h.instanceID {
			return 0, nil, errs.ErrWrongInstance
		}
		return 0, nil, errs.ErrGatewayDisconnected
	}

	res := c.request(ctx, method, path, body, h.rpcTimeout)
	if res.Err != nil {
		return 0, nil, res.Err
	}
	return res.Status, res.Body, nil
}

// HandleInvalidate closes the local connection for a player whose
// session was claimed by another instance.
func (h *Hub) HandleInvalidate(summonerName string) {
	name := strings.ToLower(summonerName)

	h.mu.Lock()
	c, ok := h.byName[name]
	if ok {
		delete(h.byName, name)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.registry.DropLocal(name)
	c.Send(Frame{Type: FrameSessionClosed, Message: "session opened elsewhere"})
	go c.close()
	h.log.WithField("player", name).Info("closed stale connection after invalidation")
}

// RunHeartbeats refreshes registry TTLs for local sessions until the
// context ends.
func (h *Hub) RunHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range h.registry.ListLocal() {
				if err := h.registry.Heartbeat(ctx, name); err != nil {
					h.log.WithError(err).WithField("player", name).Warn("session heartbeat failed")
				}
			}
		}
	}
}

// Local reports whether a player is connected to this instance.
func (h *Hub) Local(summonerName string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byName[strings.ToLower(summonerName)]
	return ok
}

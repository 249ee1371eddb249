package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/fazenda/lol-matchmaking/internal/errs"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 60 * time.Second
	maxMissedPings = 2
	identifyWait   = 15 * time.Second
	maxFrameSize   = 256 * 1024
	sendBuffer     = 64
)

// RPCResult is the resolution of one lcu_request.
type RPCResult struct {
	Status int
	Body   json.RawMessage
	Err    error
}

// Conn is one duplex connection to a desktop companion.
type Conn struct {
	ID   string
	hub  *Hub
	sock *websocket.Conn
	log  *logrus.Entry

	send chan []byte

	mu           sync.Mutex
	summonerName string // set after identify
	lcuReady     bool   // set after register_lcu_connection
	pending      map[string]chan RPCResult
	nextSeq      uint64
	missedPings  int
	closed       bool
}

func newConn(id string, hub *Hub, sock *websocket.Conn, log *logrus.Logger) *Conn {
	return &Conn{
		ID:      id,
		hub:     hub,
		sock:    sock,
		log:     log.WithField("conn", id),
		send:    make(chan []byte, sendBuffer),
		pending: make(map[string]chan RPCResult),
	}
}

// SummonerName returns the identified player, or "".
func (c *Conn) SummonerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summonerName
}

// LCUReady reports whether this connection advertised a routable LCU
// endpoint via register_lcu_connection.
func (c *Conn) LCUReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lcuReady
}

// Send queues a frame for delivery. Returns false when the connection is
// closed or its outbound queue is full.
func (c *Conn) Send(f Frame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		c.log.WithError(err).Warn("failed to marshal outbound frame")
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	// Non-blocking under the lock so close() cannot race the send.
	select {
	case c.send <- b:
		return true
	default:
		c.log.Warn("outbound queue full, dropping frame")
		return false
	}
}

// SendError reports a frame-level error back to this player only.
func (c *Conn) SendError(code, message string) {
	c.Send(Frame{Type: FrameError, Code: code, Message: message})
}

// request issues an lcu_request and blocks until the response, the
// timeout, or connection loss.
func (c *Conn) request(ctx context.Context, method, path string, body json.RawMessage, timeout time.Duration) RPCResult {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return RPCResult{Err: errs.ErrGatewayDisconnected}
	}
	c.nextSeq++
	id := c.ID + ":" + strconv.FormatUint(c.nextSeq, 10)
	ch := make(chan RPCResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if !c.Send(Frame{Type: FrameLCURequest, ID: id, Method: method, Path: path, Body: body}) {
		return RPCResult{Err: errs.ErrGatewayDisconnected}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return RPCResult{Err: ctx.Err()}
	case <-timer.C:
		return RPCResult{Err: errs.ErrRPCTimeout}
	case res := <-ch:
		return res
	}
}

// resolvePending matches an lcu_response / lcu_error frame to its waiter.
func (c *Conn) resolvePending(f Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		return // timed out already
	}
	if f.Type == FrameLCUError {
		ch <- RPCResult{Err: errs.ErrGatewayDisconnected}
		return
	}
	ch <- RPCResult{Status: f.Status, Body: f.Body}
}

// close tears the connection down once: fails every pending RPC, then
// closes the socket and the send queue.
func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = map[string]chan RPCResult{}
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- RPCResult{Err: errs.ErrGatewayDisconnected}
	}
	close(c.send)
	c.sock.Close()
}

// readPump consumes inbound frames until the connection dies. The first
// frame must be identify.
func (c *Conn) readPump(ctx context.Context) {
	defer c.hub.drop(ctx, c)

	c.sock.SetReadLimit(maxFrameSize)

	identified := false
	deadline := time.Now().Add(identifyWait)
	c.sock.SetReadDeadline(deadline)

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.SendError("invalid_input", "malformed frame")
			continue
		}

		if !identified {
			if f.Type != FrameIdentify {
				c.SendError("identify_expected", "first frame must be identify")
				return
			}
			if err := c.hub.identify(ctx, c, f); err != nil {
				c.SendError(errs.Code(err), err.Error())
				return
			}
			identified = true
			// After identify, reads are bounded by the ping cycle.
			c.sock.SetReadDeadline(time.Now().Add(pingInterval * (maxMissedPings + 1)))
			continue
		}

		c.sock.SetReadDeadline(time.Now().Add(pingInterval * (maxMissedPings + 1)))

		switch f.Type {
		case FramePong:
			c.mu.Lock()
			c.missedPings = 0
			c.mu.Unlock()
		case FrameLCUResponse, FrameLCUError:
			c.resolvePending(f)
		case FrameRegisterLCU:
			c.mu.Lock()
			c.lcuReady = true
			c.mu.Unlock()
			c.hub.registerLCU(ctx, c, f)
		default:
			c.hub.dispatch(ctx, c, f)
		}
	}
}

// writePump drains the send queue and emits the application-level ping
// every minute. Two unanswered pings close the connection.
func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				c.sock.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			c.missedPings++
			missed := c.missedPings
			c.mu.Unlock()
			if missed > maxMissedPings {
				c.log.Debug("closing connection after missed pings")
				return
			}
			b, _ := json.Marshal(Frame{Type: FramePing, TS: time.Now().UnixMilli()})
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

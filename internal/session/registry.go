// Package session maps summoner names to the instance and connection
// currently serving them. Redis is the shared truth; each instance also
// keeps the set of names it serves locally plus a last-known cache for
// degraded lookups.
package session

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

// TTL matches the heartbeat contract: expiry means the player is offline.
const TTL = 90 * time.Second

const keyPrefix = "session:"

// Entry is the stored session value. Stale is set on cache-served
// lookups when Redis is unreachable.
type Entry struct {
	InstanceID    string    `json:"instanceId"`
	ConnectionID  string    `json:"connectionId"`
	IdentifiedAt  time.Time `json:"identifiedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Stale         bool      `json:"-"`
}

// Registry implements the session registry for one instance.
type Registry struct {
	rdb        *redis.Client
	log        *logrus.Logger
	instanceID string

	mu    sync.RWMutex
	local map[string]string // summonerName → connectionID
	cache map[string]Entry  // last successful lookup per name
}

func NewRegistry(rdb *redis.Client, log *logrus.Logger, instanceID string) *Registry {
	return &Registry{
		rdb:        rdb,
		log:        log,
		instanceID: instanceID,
		local:      make(map[string]string),
		cache:      make(map[string]Entry),
	}
}

// Key returns the Redis key for a summoner name.
func Key(summonerName string) string {
	return keyPrefix + strings.ToLower(summonerName)
}

// Register claims the session key for this instance. If another instance
// held it, the previous entry is returned so the caller can publish an
// invalidation for the stale connection. Registration never succeeds
// silently when Redis is down.
func (r *Registry) Register(ctx context.Context, summonerName, connectionID string) (*Entry, error) {
	name := strings.ToLower(summonerName)
	now := time.Now().UTC()

	var prev *Entry
	raw, err := r.rdb.Get(ctx, Key(name)).Result()
	switch {
	case err == redis.Nil:
	case err != nil:
		return nil, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	default:
		var e Entry
		if jsonErr := json.Unmarshal([]byte(raw), &e); jsonErr == nil && e.InstanceID != r.instanceID {
			prev = &e
		}
	}

	entry := Entry{
		InstanceID:    r.instanceID,
		ConnectionID:  connectionID,
		IdentifiedAt:  now,
		LastHeartbeat: now,
	}
	b, _ := json.Marshal(entry)
	if err := r.rdb.Set(ctx, Key(name), b, TTL).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}

	r.mu.Lock()
	r.local[name] = connectionID
	r.cache[name] = entry
	r.mu.Unlock()

	return prev, nil
}

// Unregister deletes the key iff it still points at this instance and
// connection. Best effort: a Redis failure only logs.
func (r *Registry) Unregister(ctx context.Context, summonerName, connectionID string) {
	name := strings.ToLower(summonerName)

	r.mu.Lock()
	if r.local[name] == connectionID {
		delete(r.local, name)
	}
	r.mu.Unlock()

	raw, err := r.rdb.Get(ctx, Key(name)).Result()
	if err != nil {
		if err != redis.Nil {
			r.log.WithError(err).WithField("player", name).Warn("unregister lookup failed")
		}
		return
	}
	var e Entry
	if json.Unmarshal([]byte(raw), &e) != nil {
		return
	}
	if e.InstanceID != r.instanceID || e.ConnectionID != connectionID {
		return // someone else owns it now
	}
	if err := r.rdb.Del(ctx, Key(name)).Err(); err != nil {
		r.log.WithError(err).WithField("player", name).Warn("unregister delete failed")
	}
}

// Heartbeat refreshes the TTL and heartbeat timestamp for a locally
// served session. Called at most once per second per connection.
func (r *Registry) Heartbeat(ctx context.Context, summonerName string) error {
	name := strings.ToLower(summonerName)

	r.mu.RLock()
	connID, ok := r.local[name]
	entry := r.cache[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.InstanceID = r.instanceID
	entry.ConnectionID = connID
	entry.LastHeartbeat = time.Now().UTC()

	b, _ := json.Marshal(entry)
	if err := r.rdb.Set(ctx, Key(name), b, TTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}

	r.mu.Lock()
	r.cache[name] = entry
	r.mu.Unlock()
	return nil
}

// Lookup resolves a summoner name to its session entry, or nil when the
// player is offline. When Redis is unreachable the last-known entry is
// returned marked Stale.
func (r *Registry) Lookup(ctx context.Context, summonerName string) (*Entry, error) {
	name := strings.ToLower(summonerName)

	raw, err := r.rdb.Get(ctx, Key(name)).Result()
	if err == redis.Nil {
		r.mu.Lock()
		delete(r.cache, name)
		r.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		r.mu.RLock()
		cached, ok := r.cache[name]
		r.mu.RUnlock()
		if ok {
			cached.Stale = true
			return &cached, nil
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode session entry for %s: %w", name, err)
	}

	r.mu.Lock()
	r.cache[name] = e
	r.mu.Unlock()
	return &e, nil
}

// IsLocal reports whether this instance currently serves the player.
func (r *Registry) IsLocal(summonerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.local[strings.ToLower(summonerName)]
	return ok
}

// ListLocal returns the names this instance currently serves.
func (r *Registry) ListLocal() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.local))
	for name := range r.local {
		names = append(names, name)
	}
	return names
}

// LocalConnection returns the connection id serving a name on this
// instance, if any.
func (r *Registry) LocalConnection(summonerName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.local[strings.ToLower(summonerName)]
	return id, ok
}

// DropLocal removes a local mapping without touching Redis. Used when an
// invalidation event tells us our connection is stale.
func (r *Registry) DropLocal(summonerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.local, strings.ToLower(summonerName))
}

// StoreLCU keeps a player's local-client credentials alongside their
// session, with the same expiry.
func (r *Registry) StoreLCU(ctx context.Context, summonerName string, cfg any) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	key := "lcu:" + strings.ToLower(summonerName)
	if err := r.rdb.Set(ctx, key, b, TTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrRegistryUnavailable, err)
	}
	return nil
}

// Package ownership assigns each active match to exactly one instance.
// The conditional row update in the store is the source of truth; the
// Redis key is a hint for observability and fast lookups only.
package ownership

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/fazenda/lol-matchmaking/internal/store"
)

// RedisTTL is the lifetime of the owner hint key.
const RedisTTL = 60 * time.Second

// Service claims and keeps match leases for one instance.
type Service struct {
	store       store.Store
	rdb         *redis.Client
	log         *logrus.Logger
	instanceID  string
	heartbeat   time.Duration
	staleCutoff time.Duration
}

func New(st store.Store, rdb *redis.Client, log *logrus.Logger, instanceID string, heartbeat, staleCutoff time.Duration) *Service {
	return &Service{
		store:       st,
		rdb:         rdb,
		log:         log,
		instanceID:  instanceID,
		heartbeat:   heartbeat,
		staleCutoff: staleCutoff,
	}
}

// InstanceID returns this instance's identity.
func (s *Service) InstanceID() string {
	return s.instanceID
}

func ownerKey(matchID string) string {
	return "match:" + matchID + ":owner"
}

// TryClaim attempts to take the lease. Idempotent for the current owner.
func (s *Service) TryClaim(ctx context.Context, matchID string) (bool, error) {
	ok, err := s.store.TryClaimOwnership(ctx, matchID, s.instanceID, time.Now().UTC(), s.staleCutoff)
	if err != nil || !ok {
		return false, err
	}
	if err := s.rdb.Set(ctx, ownerKey(matchID), s.instanceID, RedisTTL).Err(); err != nil {
		s.log.WithError(err).WithField("match", matchID).Warn("owner hint write failed")
	}
	return true, nil
}

// Keep refreshes the lease until the context ends or the lease is lost.
// The returned channel closes on loss; the runner must stop driving the
// match then and emit nothing.
func (s *Service) Keep(ctx context.Context, matchID string) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := s.store.HeartbeatOwnership(ctx, matchID, s.instanceID, time.Now().UTC())
				if err != nil {
					s.log.WithError(err).WithField("match", matchID).Warn("lease heartbeat failed")
					continue // transient store trouble is not a loss
				}
				if !ok {
					s.log.WithField("match", matchID).Warn("lease lost")
					close(lost)
					return
				}
				if err := s.rdb.Expire(ctx, ownerKey(matchID), RedisTTL).Err(); err != nil {
					s.log.WithError(err).WithField("match", matchID).Debug("owner hint refresh failed")
				}
			}
		}
	}()
	return lost
}

// Release clears the lease when a match reaches a terminal state.
func (s *Service) Release(ctx context.Context, matchID string) {
	if err := s.store.ReleaseOwnership(ctx, matchID, s.instanceID); err != nil {
		s.log.WithError(err).WithField("match", matchID).Warn("lease release failed")
	}
	if err := s.rdb.Del(ctx, ownerKey(matchID)).Err(); err != nil {
		s.log.WithError(err).WithField("match", matchID).Debug("owner hint delete failed")
	}
}

// Owner reads the Redis hint for a match, or "" when absent.
func (s *Service) Owner(ctx context.Context, matchID string) string {
	v, err := s.rdb.Get(ctx, ownerKey(matchID)).Result()
	if err == redis.Nil {
		return ""
	}
	if err != nil {
		return ""
	}
	return v
}

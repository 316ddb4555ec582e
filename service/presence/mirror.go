package presence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	rds "WorkChat/service/storage/redis"
)

// presence key: wc:presence:<user>; TTL bounds staleness if this node dies
// without cleaning up.
func presenceKey(user string) string { return "wc:presence:" + user }

// RedisMirror mirrors online/offline marks into redis so sibling nodes
// can answer "is this user online" locally.
type RedisMirror struct {
	nodeID string
}

func NewRedisMirror(nodeID string) *RedisMirror {
	return &RedisMirror{nodeID: nodeID}
}

func (m *RedisMirror) Online(userID string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return rds.Get().Set(ctx, presenceKey(userID), m.nodeID, ttl).Err()
}

func (m *RedisMirror) Offline(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return rds.Get().Del(ctx, presenceKey(userID)).Err()
}

// Lookup reports which node currently claims the user, if any.
func Lookup(ctx context.Context, userID string) (nodeID string, online bool, err error) {
	val, err := rds.Get().Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

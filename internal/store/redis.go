package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/careline/consult/internal/types"
)

// presenceTTL bounds stale records left behind by appointments that
// never get cleaned up. Live connections refresh it on every write.
const presenceTTL = 24 * time.Hour

// RedisStore backs both the presence and notification stores with a
// shared Redis client, for deployments running more than one
// coordinator instance.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func presenceHashKey(appointmentId string) string {
	return fmt.Sprintf("presence:%s", appointmentId)
}

func notificationsKey(providerId string) string {
	return fmt.Sprintf("notifications:%s", providerId)
}

func (s *RedisStore) Get(ctx context.Context, appointmentId string, role types.Role) (PresenceRecord, bool, error) {
	raw, err := s.client.HGet(ctx, presenceHashKey(appointmentId), string(role)).Result()
	if err == redis.Nil {
		return PresenceRecord{}, false, nil
	}
	if err != nil {
		return PresenceRecord{}, false, err
	}

	var rec PresenceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return PresenceRecord{}, false, fmt.Errorf("decode presence record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, appointmentId string, role types.Role, rec PresenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	key := presenceHashKey(appointmentId)
	if err := s.client.HSet(ctx, key, string(role), data).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, presenceTTL).Err()
}

func (s *RedisStore) Snapshot(ctx context.Context, appointmentId string) (map[types.Role]PresenceRecord, error) {
	fields, err := s.client.HGetAll(ctx, presenceHashKey(appointmentId)).Result()
	if err != nil {
		return nil, err
	}

	snap := make(map[types.Role]PresenceRecord, len(fields))
	for field, raw := range fields {
		var rec PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode presence record: %w", err)
		}
		snap[types.Role(field)] = rec
	}
	return snap, nil
}

func (s *RedisStore) Push(ctx context.Context, providerId string, n types.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	key := notificationsKey(providerId)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	// keep the newest entries, evicting from the head
	pipe.LTrim(ctx, key, -MaxNotifications, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Pending(ctx context.Context, providerId string) ([]types.Notification, error) {
	entries, err := s.client.LRange(ctx, notificationsKey(providerId), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var pending []types.Notification
	for _, raw := range entries {
		var n types.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		if !n.Read {
			pending = append(pending, n)
		}
	}
	return pending, nil
}

func (s *RedisStore) MarkRead(ctx context.Context, providerId, notificationId string) error {
	key := notificationsKey(providerId)
	entries, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}

	for i, raw := range entries {
		var n types.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		if n.Id != notificationId {
			continue
		}

		n.Read = true
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return s.client.LSet(ctx, key, int64(i), data).Err()
	}
	return ErrNotFound
}

func (s *RedisStore) Clear(ctx context.Context, providerId string) error {
	return s.client.Del(ctx, notificationsKey(providerId)).Err()
}

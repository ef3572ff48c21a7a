package rcchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each snapshot slice as a JSON string under <prefix>:<slice>.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix defaults to "rcchat".
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rcchat"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(slice string) string {
	return s.prefix + ":" + slice
}

func (s *RedisStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	keys := []string{
		s.key(sliceCurrentUser), s.key(sliceUsers), s.key(sliceGroups), s.key(sliceChats),
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return snap, fmt.Errorf("redis mget: %w", err)
	}
	targets := []any{&snap.CurrentUser, &snap.Users, &snap.Groups, &snap.Chats}
	var errs []error
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok || raw == "" {
			continue // never saved
		}
		if err := json.Unmarshal([]byte(raw), targets[i]); err != nil {
			errs = append(errs, fmt.Errorf("cannot parse %s: %w", keys[i], err))
		}
	}
	return snap, errors.Join(errs...)
}

func (s *RedisStore) SaveCurrentUser(ctx context.Context, u *User) error {
	if u == nil {
		return s.rdb.Del(ctx, s.key(sliceCurrentUser)).Err()
	}
	return s.set(ctx, sliceCurrentUser, u)
}

func (s *RedisStore) SaveUsers(ctx context.Context, users []User) error {
	return s.set(ctx, sliceUsers, users)
}

func (s *RedisStore) SaveGroups(ctx context.Context, groups []Group) error {
	return s.set(ctx, sliceGroups, groups)
}

func (s *RedisStore) SaveChats(ctx context.Context, chats []Chat) error {
	return s.set(ctx, sliceChats, chats)
}

func (s *RedisStore) set(ctx context.Context, slice string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cannot marshal %s: %w", slice, err)
	}
	if err := s.rdb.Set(ctx, s.key(slice), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", slice, err)
	}
	return nil
}

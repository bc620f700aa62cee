package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/CloverLabsAI/roverfox/internal/domain"
)

const (
	profileKeyPrefix = "roverfox:profile:"
	profileIndexKey  = "roverfox:profiles"
	proxyKeyPrefix   = "roverfox:proxy:"
)

// Redis persists profiles as JSON values with a set index for listing.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

func profileKey(browserID string) string { return profileKeyPrefix + browserID }

func (s *Redis) Get(ctx context.Context, browserID string) (domain.Profile, error) {
	data, err := s.rdb.Get(ctx, profileKey(browserID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Profile{}, ErrNotFound
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("redis get profile: %w", err)
	}
	var p domain.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Profile{}, fmt.Errorf("redis decode profile %s: %w", browserID, err)
	}
	return p, nil
}

func (s *Redis) List(ctx context.Context) ([]domain.Profile, error) {
	ids, err := s.rdb.SMembers(ctx, profileIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list profiles: %w", err)
	}
	out := make([]domain.Profile, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Expired value with a stale index entry; drop it.
			s.rdb.SRem(ctx, profileIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Redis) Create(ctx context.Context, p domain.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis encode profile %s: %w", p.BrowserID, err)
	}
	ok, err := s.rdb.SetNX(ctx, profileKey(p.BrowserID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis create profile: %w", err)
	}
	if !ok {
		return ErrExists
	}
	if err := s.rdb.SAdd(ctx, profileIndexKey, p.BrowserID).Err(); err != nil {
		return fmt.Errorf("redis index profile: %w", err)
	}
	return nil
}

func (s *Redis) Update(ctx context.Context, browserID string, data domain.ProfileData) error {
	p, err := s.Get(ctx, browserID)
	if err != nil {
		return err
	}
	p.Data = data
	return s.put(ctx, p)
}

func (s *Redis) SaveStorageState(ctx context.Context, browserID string, state domain.StorageState) error {
	p, err := s.Get(ctx, browserID)
	if err != nil {
		return err
	}
	p.Data.StorageState = state
	return s.put(ctx, p)
}

func (s *Redis) put(ctx context.Context, p domain.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis encode profile %s: %w", p.BrowserID, err)
	}
	if err := s.rdb.Set(ctx, profileKey(p.BrowserID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis put profile: %w", err)
	}
	return nil
}

func (s *Redis) Delete(ctx context.Context, browserID string) error {
	n, err := s.rdb.Del(ctx, profileKey(browserID)).Result()
	if err != nil {
		return fmt.Errorf("redis delete profile: %w", err)
	}
	s.rdb.SRem(ctx, profileIndexKey, browserID)
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Redis) GetProxy(ctx context.Context, id int64) (domain.ProxyCredentials, error) {
	data, err := s.rdb.Get(ctx, proxyKeyPrefix+strconv.FormatInt(id, 10)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ProxyCredentials{}, ErrNotFound
	}
	if err != nil {
		return domain.ProxyCredentials{}, fmt.Errorf("redis get proxy: %w", err)
	}
	var c domain.ProxyCredentials
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.ProxyCredentials{}, fmt.Errorf("redis decode proxy %d: %w", id, err)
	}
	return c, nil
}

func (s *Redis) PutProxy(ctx context.Context, creds domain.ProxyCredentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("redis encode proxy %d: %w", creds.ID, err)
	}
	if err := s.rdb.Set(ctx, proxyKeyPrefix+strconv.FormatInt(creds.ID, 10), data, 0).Err(); err != nil {
		return fmt.Errorf("redis put proxy: %w", err)
	}
	return nil
}

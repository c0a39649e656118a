package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/testforge/dispatch/types"
)

const (
	runKeyPrefix     = "dispatch:run:"
	resultsKeyPrefix = "dispatch:results:"
)

// RedisStore persists completed runs in redis. Entries carry a TTL so the
// store does not grow without bound; long-term retention belongs to whatever
// consumes these keys downstream.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisClient builds a client from a redis URL and verifies connectivity.
func NewRedisClient(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis URL")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "error connecting to redis")
	}
	return client, nil
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func (s *RedisStore) SaveCompletedRun(record types.RunRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "error marshalling run record")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, runKeyPrefix+record.RunID, data, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "error saving run record")
	}
	return nil
}

func (s *RedisStore) SaveTestResult(runID string, result types.CompletedTest) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "error marshalling test result")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := resultsKeyPrefix + runID
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return errors.Wrap(err, "error saving test result")
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "error setting test result TTL")
	}
	return nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/logging"
	"github.com/blackcoderx/forge/pkg/model"
)

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "forge".
	Prefix string
}

// RedisStore keeps implementations as JSON strings guarded by WATCH/MULTI and
// results in one sorted set per request, scored by timestamp.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	log := logging.OrNop(logger).With(zap.String("component", "redis"))
	if opts.Prefix == "" {
		opts.Prefix = "forge"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", zap.String("addr", opts.Addr), zap.Error(err))
		client.Close()
		return nil, unavailable("connect redis", err)
	}
	log.Info("redis connection established", zap.String("addr", opts.Addr))
	return &RedisStore{client: client, prefix: opts.Prefix, log: log}, nil
}

func (s *RedisStore) implKey(k model.ImplementationKey) string {
	return s.prefix + ":impl:" + k.String()
}

func (s *RedisStore) resultsKey(requestID string) string {
	return s.prefix + ":results:" + requestID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":results"
}

func (s *RedisStore) Get(ctx context.Context, key model.ImplementationKey) (*model.Implementation, error) {
	data, err := s.client.Get(ctx, s.implKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("implementation %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, s.fail(ctx, "get implementation", err)
	}
	var impl model.Implementation
	if err := json.Unmarshal(data, &impl); err != nil {
		return nil, fmt.Errorf("failed to decode implementation %s: %w", key, err)
	}
	return &impl, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, expected int64, impl *model.Implementation) (*model.Implementation, error) {
	stored := next(expected, impl)
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode implementation: %w", err)
	}
	key := s.implKey(impl.Key)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var existing model.Implementation
			if err := json.Unmarshal(cur, &existing); err != nil {
				return fmt.Errorf("failed to decode implementation %s: %w", impl.Key, err)
			}
			current = existing.Version
		}
		if current != expected {
			return fmt.Errorf("implementation %s at version %d, expected %d: %w", impl.Key, current, expected, ErrVersionConflict)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return stored, nil
	case errors.Is(err, redis.TxFailedErr):
		return nil, fmt.Errorf("implementation %s changed during save: %w", impl.Key, ErrVersionConflict)
	case errors.Is(err, ErrVersionConflict):
		return nil, err
	default:
		return nil, s.fail(ctx, "save implementation", err)
	}
}

func (s *RedisStore) AppendExecutionResult(ctx context.Context, r model.ExecutionResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.resultsKey(r.RequestID), redis.Z{Score: float64(r.Timestamp.UnixNano()), Member: data})
		p.SAdd(ctx, s.indexKey(), r.RequestID)
		return nil
	})
	if err != nil {
		return s.fail(ctx, "append result", err)
	}
	return nil
}

func (s *RedisStore) ListExecutionResults(ctx context.Context, requestID string, since time.Time) ([]model.ExecutionResult, error) {
	ids := []string{requestID}
	if requestID == "" {
		var err error
		if ids, err = s.client.SMembers(ctx, s.indexKey()).Result(); err != nil {
			return nil, s.fail(ctx, "list results", err)
		}
	}
	lo := "-inf"
	if !since.IsZero() {
		lo = strconv.FormatInt(since.UnixNano(), 10)
	}

	var out []model.ExecutionResult
	for _, id := range ids {
		members, err := s.client.ZRangeByScore(ctx, s.resultsKey(id), &redis.ZRangeBy{Min: lo, Max: "+inf"}).Result()
		if err != nil {
			return nil, s.fail(ctx, "list results", err)
		}
		for _, m := range members {
			var r model.ExecutionResult
			if err := json.Unmarshal([]byte(m), &r); err != nil {
				return nil, fmt.Errorf("failed to decode result: %w", err)
			}
			out = append(out, r)
		}
	}
	if requestID == "" {
		sortResults(out)
	}
	return out, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		s.log.Error("failed to close redis connection", zap.Error(err))
		return err
	}
	return nil
}

func (s *RedisStore) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.log.Error("redis operation failed", zap.String("op", op), zap.Error(err))
	return unavailable(op, err)
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/presence/domain"
)

const defaultRedisPrefix = "festivo:"

// RedisStore keeps each collection in a hash and announces changes on a
// per-collection pub/sub channel.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (r *RedisStore) hashKey(collection string) string {
	return r.prefix + "coll:" + collection
}

func (r *RedisStore) channel(collection string) string {
	return r.prefix + "changes:" + collection
}

// Put writes the field and publishes the key on the change channel.
func (r *RedisStore) Put(ctx context.Context, collection, key string, value []byte) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.hashKey(collection), key, value)
	pipe.Publish(ctx, r.channel(collection), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, collection, key string) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, r.hashKey(collection), key)
	pipe.Publish(ctx, r.channel(collection), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, collection, key string) (domain.Record, error) {
	value, err := r.client.HGet(ctx, r.hashKey(collection), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Record{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("redis get %s/%s: %w", collection, key, err)
	}
	return domain.Record{Key: key, Value: value}, nil
}

func (r *RedisStore) load(ctx context.Context, collection string) ([]domain.Record, error) {
	fields, err := r.client.HGetAll(ctx, r.hashKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", collection, err)
	}
	records := make([]domain.Record, 0, len(fields))
	for key, value := range fields {
		records = append(records, domain.Record{Key: key, Value: []byte(value)})
	}
	sortRecords(records)
	return records, nil
}

// SubscribeCollection delivers the collection once the channel subscription
// is confirmed and again after every announced change.
func (r *RedisStore) SubscribeCollection(ctx context.Context, collection string, onChange func([]domain.Record)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(subCtx, r.channel(collection))
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", collection, err)
	}

	sub := &subscription{onChange: onChange}
	records, err := r.load(subCtx, collection)
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}
	sub.deliver(records)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				records, err := r.load(subCtx, collection)
				if err != nil {
					if subCtx.Err() == nil {
						r.logger.Warn("reload collection failed", zap.String("collection", collection), zap.Error(err))
					}
					continue
				}
				sub.deliver(records)
			}
		}
	}()

	return func() {
		sub.close()
		cancel()
		_ = pubsub.Close()
		<-done
	}, nil
}

// subscription serialises deliveries and guarantees none happen after close.
type subscription struct {
	mu       sync.Mutex
	closed   bool
	seen     uint64
	onChange func([]domain.Record)
}

func (s *subscription) deliver(records []domain.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.onChange(records)
}

// deliverVersion drops snapshots older than one already delivered.
func (s *subscription) deliverVersion(version uint64, records []domain.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || version < s.seen {
		return
	}
	s.seen = version
	s.onChange(records)
}

// close waits for an in-flight delivery to return.
func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cryptotrader/internal/core"
)

const (
	keyBalance    = "user_balance"
	keyLastSignal = "last_signal"
	keyLastOrder  = "last_order"

	// channelSignals doubles as the pub/sub channel name for live signals.
	channelSignals = "last_signal"

	orderResultKeyPrefix = "order_result:"
)

// defaultResultTTL keeps idempotency records long past any plausible
// redelivery window without growing the keyspace forever.
const defaultResultTTL = 7 * 24 * time.Hour

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// ResultTTL overrides the retention of per-order idempotency records.
	ResultTTL time.Duration
}

type RedisStore struct {
	client    *redis.Client
	resultTTL time.Duration
}

func NewRedisStore(opts RedisOptions) *RedisStore {
	ttl := opts.ResultTTL
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		resultTTL: ttl,
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client exposes the underlying connection for pub/sub subscribers.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) SaveBalance(ctx context.Context, bal core.Balance) error {
	return s.setJSON(ctx, keyBalance, bal, 0)
}

func (s *RedisStore) LoadBalance(ctx context.Context) (core.Balance, error) {
	var bal core.Balance
	if err := s.getJSON(ctx, keyBalance, &bal); err != nil {
		return core.Balance{}, err
	}
	return bal, nil
}

func (s *RedisStore) SaveOrderResult(ctx context.Context, clientOID string, res core.OrderResult) error {
	if err := s.setJSON(ctx, orderResultKeyPrefix+clientOID, res, s.resultTTL); err != nil {
		return err
	}
	return s.setJSON(ctx, keyLastOrder, res, 0)
}

func (s *RedisStore) LoadOrderResult(ctx context.Context, clientOID string) (core.OrderResult, error) {
	var res core.OrderResult
	if err := s.getJSON(ctx, orderResultKeyPrefix+clientOID, &res); err != nil {
		return core.OrderResult{}, err
	}
	return res, nil
}

func (s *RedisStore) LoadLastOrder(ctx context.Context) (core.OrderResult, error) {
	var res core.OrderResult
	if err := s.getJSON(ctx, keyLastOrder, &res); err != nil {
		return core.OrderResult{}, err
	}
	return res, nil
}

func (s *RedisStore) SaveSignal(ctx context.Context, sig core.Signal) error {
	return s.setJSON(ctx, keyLastSignal, sig, 0)
}

func (s *RedisStore) LoadSignal(ctx context.Context) (core.Signal, error) {
	var sig core.Signal
	if err := s.getJSON(ctx, keyLastSignal, &sig); err != nil {
		return core.Signal{}, err
	}
	return sig, nil
}

func (s *RedisStore) PublishSignal(ctx context.Context, sig core.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return s.client.Publish(ctx, channelSignals, data).Err()
}

// SignalChannel is the pub/sub channel live signals are published on.
func SignalChannel() string {
	return channelSignals
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

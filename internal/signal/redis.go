package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cryptotrader/internal/core"
	"cryptotrader/internal/metrics"
	"cryptotrader/internal/store"
)

// RedisSource subscribes to the live signal channel and feeds the pipeline.
// Malformed messages are counted and dropped; the subscription itself is
// resilient because go-redis reconnects the pub/sub under the hood.
type RedisSource struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisSource(client *redis.Client, log zerolog.Logger) *RedisSource {
	return &RedisSource{
		client: client,
		log:    log.With().Str("component", "signal_source").Logger(),
	}
}

// Run delivers decoded signals to out until ctx is done. out is closed on
// return so the consumer's loop terminates with it.
func (s *RedisSource) Run(ctx context.Context, out chan<- core.Signal) error {
	defer close(out)
	sub := s.client.Subscribe(ctx, store.SignalChannel())
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			sig, err := decode([]byte(msg.Payload))
			if err != nil {
				metrics.SignalsRejected.WithLabelValues("redis", "decode").Inc()
				s.log.Warn().Err(err).Msg("dropping undecodable signal message")
				continue
			}
			metrics.SignalsReceived.WithLabelValues("redis").Inc()
			select {
			case out <- sig:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decode accepts both the internal core.Signal encoding published by the
// webhook process and a raw TradingView payload published directly.
func decode(payload []byte) (core.Signal, error) {
	var sig core.Signal
	if err := json.Unmarshal(payload, &sig); err == nil && sig.Ticker != "" && sig.Side != "" {
		return sig, nil
	}
	return ParseAlert(payload, time.Now())
}

package notify

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"

	"github.com/floodwatch/floodwatch-cli/internal/model"
)

// RedisPublisher appends each change to a Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
}

// NewRedis connects lazily to addr; the first Publish dials.
func NewRedis(addr, stream string) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return NewRedisWithClient(client, stream)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream}
}

// Publish writes all changes in one pipelined round trip. Each entry carries
// the JSON payload under "data" plus flat fields for stream consumers.
func (p *RedisPublisher) Publish(ctx context.Context, changes []model.WarningChange) error {
	if len(changes) == 0 {
		return nil
	}
	payloads := make([][]byte, len(changes))
	for i, c := range changes {
		data, err := encodeChange(c)
		if err != nil {
			return err
		}
		payloads[i] = data
	}

	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, c := range changes {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: p.stream,
				Values: map[string]interface{}{
					"key":       changeKey(c),
					"level":     c.To.String(),
					"data":      string(payloads[i]),
					"timestamp": c.At.Unix(),
				},
			})
		}
		return nil
	})
	return eris.Wrapf(err, "notify: xadd %d changes to %s", len(changes), p.stream)
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

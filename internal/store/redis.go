// File: internal/store/redis.go
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/config"
)

// Redis is a KV shared between processes. Every write is published on a channel, so watchers in
// any process sharing the instance see each other's changes.
type Redis struct {
	rdb     *goredis.Client
	prefix  string
	channel string
	log     *zap.Logger
}

// NewRedis connects and pings the configured instance.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Redis, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedis(rdb, cfg, logger), nil
}

func newRedis(rdb *goredis.Client, cfg config.RedisConfig, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Redis{rdb: rdb, prefix: cfg.Prefix, channel: cfg.Channel, log: logger.Named("store.redis")}
	if r.channel == "" {
		r.channel = r.prefix + "changes"
	}
	r.log.Info("Connected to Redis.", zap.String("address", cfg.Address), zap.Int("db", cfg.DB))
	return r
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	vals, err := r.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *Redis) Set(ctx context.Context, values map[string][]byte) error {
	keys := make([]string, 0, len(values))
	for k, v := range values {
		if !json.Valid(v) {
			return fmt.Errorf("%w: key %s", ErrInvalidValue, k)
		}
		keys = append(keys, k)
	}

	cmds := make(map[string]*goredis.StatusCmd, len(keys))
	_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, k := range keys {
			cmds[k] = pipe.SetArgs(ctx, r.key(k), values[k], goredis.SetArgs{Get: true})
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	var changes []schemas.Change
	for _, k := range keys {
		var old []byte
		prev, err := cmds[k].Result()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return fmt.Errorf("failed to write setting %s: %w", k, err)
		default:
			if prev == string(values[k]) {
				continue
			}
			old = []byte(prev)
		}
		changes = append(changes, schemas.Change{Key: k, OldValue: old, NewValue: clone(values[k])})
	}
	return r.publish(ctx, changes)
}

func (r *Redis) Remove(ctx context.Context, keys ...string) error {
	cmds := make(map[string]*goredis.StringCmd, len(keys))
	_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, k := range keys {
			cmds[k] = pipe.GetDel(ctx, r.key(k))
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to remove settings: %w", err)
	}

	var changes []schemas.Change
	for _, k := range keys {
		old, err := cmds[k].Bytes()
		if err != nil {
			continue
		}
		changes = append(changes, schemas.Change{Key: k, OldValue: old})
	}
	return r.publish(ctx, changes)
}

func (r *Redis) publish(ctx context.Context, changes []schemas.Change) error {
	for _, c := range changes {
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to encode change: %w", err)
		}
		if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
			return fmt.Errorf("failed to publish change for %s: %w", c.Key, err)
		}
	}
	return nil
}

// Watch subscribes to the change channel. The subscription is released when ctx ends.
func (r *Redis) Watch(ctx context.Context) (<-chan schemas.Change, error) {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	out := make(chan schemas.Change, watchBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				change, err := decodeChange(msg.Payload)
				if err != nil {
					r.log.Warn("Ignoring malformed change notification.", zap.Error(err))
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func decodeChange(payload string) (schemas.Change, error) {
	var c schemas.Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, err
	}
	if strings.TrimSpace(c.Key) == "" {
		return c, fmt.Errorf("change without key")
	}
	return c, nil
}

// File: internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/config"
)

// ErrNotFound is returned by typed readers when a required key is absent.
var ErrNotFound = errors.New("key not found")

// ErrInvalidValue is returned when a value written to the store is not valid JSON.
var ErrInvalidValue = errors.New("value is not valid JSON")

// KV is the shared settings store. Values are raw JSON documents. Writes are last-writer-wins.
type KV interface {
	// Get returns the stored values for keys. Absent keys are omitted from the result.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	// Set writes every entry and notifies watchers of the keys whose value changed.
	Set(ctx context.Context, values map[string][]byte) error
	// Remove deletes keys and notifies watchers of the ones that existed.
	Remove(ctx context.Context, keys ...string) error
	// Watch streams changes until ctx ends, then closes the channel.
	Watch(ctx context.Context) (<-chan schemas.Change, error)
	Close() error
}

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (KV, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(cfg.FilePath, logger)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		s, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	case "redis":
		return NewRedis(ctx, cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// -- Change fan-out --

// watchBuffer is the per-watcher backlog. Changes beyond it are dropped for that watcher.
const watchBuffer = 64

// hub delivers in-process change notifications to watchers.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan schemas.Change
	nextID int
	stop   chan struct{}
	closed bool
	log    *zap.Logger
}

func (h *hub) subscribe(ctx context.Context) <-chan schemas.Change {
	ch := make(chan schemas.Change, watchBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	if h.subs == nil {
		h.subs = make(map[int]chan schemas.Change)
		h.stop = make(chan struct{})
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	stop := h.stop
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}()
	return ch
}

func (h *hub) publish(changes []schemas.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range changes {
		for _, ch := range h.subs {
			select {
			case ch <- c:
			default:
				if h.log != nil {
					h.log.Warn("Watcher is not keeping up, change dropped.", zap.String("key", c.Key))
				}
			}
		}
	}
}

// closeAll ends every watch. Later subscriptions receive a closed channel.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.stop != nil {
		close(h.stop)
	}
}

package transport

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/sentinel-agent/alertflow/internal/config"
)

// Dialer opens a connection for a registry key.
type Dialer func(ctx context.Context, key string, cfg config.NATSConfig) (Conn, error)

// DialHandler is the default Dialer: a connected Handler.
func DialHandler(logger zerolog.Logger) Dialer {
	return func(ctx context.Context, key string, cfg config.NATSConfig) (Conn, error) {
		h := NewHandler(key, cfg, logger)
		if err := h.Connect(ctx); err != nil {
			return nil, err
		}
		return h, nil
	}
}

// Registry shares one connection per key. Concurrent first requests for a
// key dial once; a failed dial is not cached.
type Registry struct {
	dial   Dialer
	logger zerolog.Logger

	mu    sync.RWMutex
	conns map[string]Conn
	group singleflight.Group
}

// NewRegistry returns an empty registry.
func NewRegistry(dial Dialer, logger zerolog.Logger) *Registry {
	return &Registry{
		dial:   dial,
		logger: logger.With().Str("component", "transport-registry").Logger(),
		conns:  make(map[string]Conn),
	}
}

// Get returns the connection for key, dialing it on first use.
func (r *Registry) Get(ctx context.Context, key string, cfg config.NATSConfig) (Conn, error) {
	r.mu.RLock()
	c, ok := r.conns[key]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, shared := r.group.Do(key, func() (interface{}, error) {
		r.mu.RLock()
		c, ok := r.conns[key]
		r.mu.RUnlock()
		if ok {
			return c, nil
		}

		c, err := r.dial(ctx, key, cfg)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.conns[key] = c
		r.mu.Unlock()
		r.logger.Info().Str("key", key).Msg("connection registered")
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug().Str("key", key).Msg("joined in-flight dial")
	}
	return v.(Conn), nil
}

// CloseConnection closes and forgets the connection for key. Unknown keys
// are a no-op.
func (r *Registry) CloseConnection(key string) error {
	r.mu.Lock()
	c, ok := r.conns[key]
	delete(r.conns, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// CloseAll closes every connection. All are attempted; errors are joined.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Conn)
	r.mu.Unlock()

	var errs []error
	for key, c := range conns {
		if err := c.Close(); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("close failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Keys lists registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.conns))
	for k := range r.conns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len is the number of open connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

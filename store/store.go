// Package store wraps the Redis coordination store every dispatcher
// process shares. All cross-process coordination - the task queue, the
// result channel, the node registry, and advisory locks - goes through the
// atomic primitives exposed here; there is no other shared state.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// NodeTTL is the registry entry expiry. A node that has not refreshed
	// its record within this window is dead as far as readers are
	// concerned, even if the key has not been physically evicted yet.
	NodeTTL = 300 * time.Second

	connectTimeout = 5 * time.Second
)

// StoreUnavailableError indicates the coordination store could not be
// reached at startup. Fatal for both roles; transient failures after
// startup are logged and retried by the callers instead.
type StoreUnavailableError struct {
	Addr string
	Err  error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("coordination store unavailable at %s: %v", e.Addr, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// IsStoreUnavailable checks if the error is or wraps a StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var storeErr *StoreUnavailableError
	return err != nil && errors.As(err, &storeErr)
}

// Store is a namespaced handle on the coordination store.
type Store struct {
	client    redis.UniversalClient
	namespace string
	log       zerolog.Logger
}

// New connects to the store at the given URL and verifies the connection.
func New(url, namespace string, log zerolog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid store URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := checkConnection(client); err != nil {
		return nil, &StoreUnavailableError{Addr: opts.Addr, Err: err}
	}
	log.Info().Str("addr", opts.Addr).Str("namespace", namespace).Msg("connected to coordination store")
	return NewWithClient(client, namespace, log), nil
}

// NewWithClient wraps an existing client. Used by tests to point the store
// at an in-process instance.
func NewWithClient(client redis.UniversalClient, namespace string, log zerolog.Logger) *Store {
	return &Store{
		client:    client,
		namespace: strings.TrimSuffix(namespace, ":"),
		log:       log,
	}
}

func checkConnection(client redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Key joins parts under the store's namespace.
func (s *Store) Key(parts ...string) string {
	return s.namespace + ":" + strings.Join(parts, ":")
}

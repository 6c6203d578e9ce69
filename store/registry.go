package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/argus-qa/test-dispatcher/types"
)

const (
	nodesKey = "nodes"

	// DefaultHeartbeatInterval is how often a worker refreshes its
	// registry entry. Comfortably inside NodeTTL so a single missed beat
	// does not mark the node dead.
	DefaultHeartbeatInterval = 30 * time.Second
)

// Registry tracks live worker nodes through expiring keys. Each worker
// owns exactly one entry and is the only writer of it; liveness filtering
// happens in the store itself via key expiry, so readers never need
// explicit health checks.
type Registry struct {
	store *Store

	mu   sync.Mutex
	node types.NodeInfo

	wg   sync.WaitGroup
	done chan struct{}
}

// NewRegistry creates a registry handle owning the given node record.
func NewRegistry(s *Store, node types.NodeInfo) *Registry {
	return &Registry{
		store: s,
		node:  node,
		done:  make(chan struct{}),
	}
}

// NodeID returns the owned node's identifier.
func (r *Registry) NodeID() string {
	return r.node.NodeID
}

// Node returns a snapshot of the owned node record.
func (r *Registry) Node() types.NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.node
}

// Register writes the node record under its registry key with the
// standard TTL.
func (r *Registry) Register(ctx context.Context) error {
	r.mu.Lock()
	r.node.LastUpdate = time.Now()
	node := r.node
	r.mu.Unlock()
	return r.write(ctx, node)
}

func (r *Registry) write(ctx context.Context, node types.NodeInfo) error {
	key := r.store.Key(nodesKey, node.NodeID)
	fields := node.Fields()
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := r.store.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("failed to write node record %s: %w", node.NodeID, err)
	}
	if err := r.store.client.Expire(ctx, key, NodeTTL).Err(); err != nil {
		return fmt.Errorf("failed to refresh TTL for node %s: %w", node.NodeID, err)
	}
	return nil
}

// UpdateStatus mutates the owned record and re-writes it, resetting the
// TTL. mutate runs under the registry's lock.
func (r *Registry) UpdateStatus(ctx context.Context, mutate func(*types.NodeInfo)) error {
	r.mu.Lock()
	mutate(&r.node)
	r.node.LastUpdate = time.Now()
	node := r.node
	r.mu.Unlock()
	return r.write(ctx, node)
}

// StartHeartbeat launches the background refresh loop. A failed refresh is
// logged and the loop carries on; a worker never dies just because one
// heartbeat write failed. Stop the loop with StopHeartbeat.
func (r *Registry) StartHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Register(ctx); err != nil {
					r.store.log.Error().Err(err).Str("node_id", r.NodeID()).Msg("heartbeat failed")
				}
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	r.store.log.Debug().Str("node_id", r.NodeID()).Dur("interval", interval).Msg("heartbeat started")
}

// StopHeartbeat stops the refresh loop and waits for it to exit.
func (r *Registry) StopHeartbeat() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	r.wg.Wait()
}

// Unregister deletes the node record. Idempotent; called on graceful
// shutdown. A crashed worker's entry simply expires instead.
func (r *Registry) Unregister(ctx context.Context) error {
	key := r.store.Key(nodesKey, r.NodeID())
	if err := r.store.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to unregister node %s: %w", r.NodeID(), err)
	}
	return nil
}

// ActiveNodes scans the registry namespace and returns every live node.
// Dead nodes disappear on their own once their keys expire.
func ActiveNodes(ctx context.Context, s *Store) ([]types.NodeInfo, error) {
	pattern := s.Key(nodesKey) + ":*"
	var nodes []types.NodeInfo
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read node record %s: %w", iter.Val(), err)
		}
		if len(fields) == 0 {
			// Expired between scan and read.
			continue
		}
		nodes = append(nodes, types.NodeInfoFromFields(fields))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan node registry: %w", err)
	}
	return nodes, nil
}

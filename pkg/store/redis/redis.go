package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/reconcile"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "raciflow"

// MatrixStore keeps the responsibility matrix in redis so several editing
// surfaces share one copy. Each Set bumps a revision counter and publishes
// it on the change channel.
type MatrixStore struct {
	client *redis.Client
	prefix string
}

// NewMatrixStore creates a store. An empty prefix uses DefaultPrefix.
func NewMatrixStore(client *redis.Client, prefix string) *MatrixStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &MatrixStore{client: client, prefix: prefix}
}

func (s *MatrixStore) matrixKey() string   { return s.prefix + ":matrix" }
func (s *MatrixStore) revisionKey() string { return s.prefix + ":matrix:rev" }
func (s *MatrixStore) snapshotKey() string { return s.prefix + ":flow_snapshot" }

// Channel is the pub/sub channel carrying new revisions.
func (s *MatrixStore) Channel() string { return s.prefix + ":matrix:changed" }

// Get returns the stored matrix, or an empty one if nothing was stored.
func (s *MatrixStore) Get(ctx context.Context) (*matrix.Matrix, error) {
	data, err := s.client.Get(ctx, s.matrixKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return matrix.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to GET %s: %w", s.matrixKey(), err)
	}
	m := matrix.New()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to decode matrix: %w", err)
	}
	return m, nil
}

// Set replaces the stored matrix atomically with the revision bump.
func (s *MatrixStore) Set(ctx context.Context, m *matrix.Matrix) error {
	if m == nil {
		m = matrix.New()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode matrix: %w", err)
	}

	var rev *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.matrixKey(), data, 0)
		rev = pipe.Incr(ctx, s.revisionKey())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to SET %s: %w", s.matrixKey(), err)
	}
	if err := s.client.Publish(ctx, s.Channel(), rev.Val()).Err(); err != nil {
		return fmt.Errorf("failed to publish revision: %w", err)
	}
	return nil
}

// Revision returns how many times the matrix was written.
func (s *MatrixStore) Revision(ctx context.Context) (int64, error) {
	rev, err := s.client.Get(ctx, s.revisionKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to GET %s: %w", s.revisionKey(), err)
	}
	return rev, nil
}

// Subscribe returns a channel receiving revision numbers until ctx ends.
func (s *MatrixStore) Subscribe(ctx context.Context) (<-chan int64, error) {
	sub := s.client.Subscribe(ctx, s.Channel())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.Channel(), err)
	}

	out := make(chan int64, 1)
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
				var rev int64
				if _, err := fmt.Sscan(msg.Payload, &rev); err != nil {
					continue
				}
				select {
				case out <- rev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// LoadFlowSnapshot implements reconcile.SnapshotStore.
func (s *MatrixStore) LoadFlowSnapshot(ctx context.Context) (*reconcile.FlowSnapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to GET %s: %w", s.snapshotKey(), err)
	}
	snap := reconcile.NewFlowSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to decode flow snapshot: %w", err)
	}
	return snap, nil
}

// SaveFlowSnapshot implements reconcile.SnapshotStore.
func (s *MatrixStore) SaveFlowSnapshot(ctx context.Context, snap *reconcile.FlowSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode flow snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.snapshotKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to SET %s: %w", s.snapshotKey(), err)
	}
	return nil
}

// Clear deletes every key of this store.
func (s *MatrixStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.matrixKey(), s.revisionKey(), s.snapshotKey()).Err(); err != nil {
		return fmt.Errorf("failed to DEL keys: %w", err)
	}
	return nil
}

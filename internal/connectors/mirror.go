package connectors

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Mirror writes every object to a primary store and a set of replicas.
// Reads, listings and existence checks only consult the primary.
type Mirror struct {
	primary  Store
	replicas []Store
	strict   bool
	logger   zerolog.Logger
}

// NewMirror builds a Mirror. In strict mode a failed replica write fails the
// whole Put; otherwise it is logged and skipped.
func NewMirror(primary Store, replicas []Store, strict bool, logger zerolog.Logger) *Mirror {
	return &Mirror{
		primary:  primary,
		replicas: replicas,
		strict:   strict,
		logger:   logger.With().Str("component", "mirror").Logger(),
	}
}

func (m *Mirror) Name() string {
	return "mirror:" + m.primary.Name()
}

func (m *Mirror) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body %s: %w", key, err)
	}
	if err := m.primary.Put(ctx, bucket, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("connector %s put: %w", m.primary.Name(), err)
	}
	for _, replica := range m.replicas {
		if err := replica.Put(ctx, bucket, key, bytes.NewReader(data), int64(len(data))); err != nil {
			m.logger.Error().
				Err(err).
				Str("connector", replica.Name()).
				Str("key", key).
				Msg("connector failed to store object")
			if m.strict {
				return fmt.Errorf("connector %s put: %w", replica.Name(), err)
			}
		}
	}
	return nil
}

func (m *Mirror) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return m.primary.Get(ctx, bucket, key)
}

// Delete removes the object everywhere. Replica failures are logged only.
func (m *Mirror) Delete(ctx context.Context, bucket, key string) error {
	if err := m.primary.Delete(ctx, bucket, key); err != nil {
		return fmt.Errorf("connector %s delete: %w", m.primary.Name(), err)
	}
	for _, replica := range m.replicas {
		if err := replica.Delete(ctx, bucket, key); err != nil {
			m.logger.Warn().
				Err(err).
				Str("connector", replica.Name()).
				Str("key", key).
				Msg("connector failed to delete object")
		}
	}
	return nil
}

func (m *Mirror) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	return m.primary.List(ctx, bucket, prefix)
}

func (m *Mirror) Exists(ctx context.Context, bucket, key string) (bool, error) {
	return m.primary.Exists(ctx, bucket, key)
}

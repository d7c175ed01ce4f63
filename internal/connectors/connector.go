package connectors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is durable key/blob storage for uploaded contract pages.
// An empty bucket selects the backend's configured default target
// (S3 bucket, Azure container, SFTP/FTPS base directory).
type Store interface {
	Name() string
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// LoadFromEnv instantiates the stores declared in the CONNECTORS env variable
// (default "s3"). The first one is the primary; any further stores become
// mirror replicas.
func LoadFromEnv(ctx context.Context, logger zerolog.Logger, strict bool) (Store, error) {
	raw := os.Getenv("CONNECTORS")
	if strings.TrimSpace(raw) == "" {
		raw = "s3"
	}
	var instances []Store
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(strings.ToLower(token))
		if token == "" {
			continue
		}
		var (
			store Store
			err   error
		)
		switch token {
		case "s3":
			store, err = NewS3Store(ctx)
		case "azure":
			store, err = NewAzureBlobStore(ctx)
		case "sftp":
			store, err = NewSFTPStore()
		case "ftps":
			store, err = NewFTPSStore()
		case "memory":
			store = NewMemoryStore()
		default:
			err = fmt.Errorf("unknown connector %q", token)
		}
		if err != nil {
			logger.Error().Err(err).Str("connector", token).Msg("failed to init connector")
			if len(instances) == 0 {
				// the primary is mandatory, replicas are best effort
				return nil, fmt.Errorf("init primary connector %s: %w", token, err)
			}
			continue
		}
		logger.Info().Str("connector", store.Name()).Msg("initialized connector")
		instances = append(instances, store)
	}
	if len(instances) == 0 {
		return nil, errors.New("no connectors configured")
	}
	if len(instances) == 1 {
		return instances[0], nil
	}
	return NewMirror(instances[0], instances[1:], strict, logger), nil
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

// trimKeyPrefix turns a backend path back into the caller-visible key.
func trimKeyPrefix(prefix, full string) string {
	if prefix == "" {
		return full
	}
	return strings.TrimPrefix(strings.TrimPrefix(full, strings.TrimSuffix(prefix, "/")), "/")
}

package analysis

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ddobak/contract-gateway/internal/connectors"
)

const (
	DefaultKeyPrefix = "contract/origin-images"
	maxUploadWorkers = 10
)

type UploaderOptions struct {
	// Bucket is passed to the store as is; empty selects its default.
	Bucket    string
	KeyPrefix string
	Workers   int
}

// Uploader writes a submission's pages to the object store in parallel.
type Uploader struct {
	store   connectors.Store
	bucket  string
	prefix  string
	workers int
	logger  zerolog.Logger
}

func NewUploader(store connectors.Store, opts UploaderOptions, logger zerolog.Logger) *Uploader {
	prefix := strings.Trim(opts.KeyPrefix, "/")
	if opts.KeyPrefix == "" {
		prefix = DefaultKeyPrefix
	}
	workers := opts.Workers
	if workers <= 0 || workers > maxUploadWorkers {
		workers = maxUploadWorkers
	}
	return &Uploader{
		store:   store,
		bucket:  opts.Bucket,
		prefix:  prefix,
		workers: workers,
		logger:  logger.With().Str("component", "uploader").Logger(),
	}
}

// Bucket is the bucket pages are written to.
func (u *Uploader) Bucket() string {
	return u.bucket
}

// Keys returns the storage keys for n pages of contractID, in page order.
func (u *Uploader) Keys(contractID string, n int) []string {
	keys := make([]string, n)
	for i := range keys {
		name := fmt.Sprintf("%03d.jpg", i+1)
		if u.prefix == "" {
			keys[i] = contractID + "/" + name
			continue
		}
		keys[i] = u.prefix + "/" + contractID + "/" + name
	}
	return keys
}

// Upload puts every page and returns their keys in input order. The first
// failing put aborts the batch: pages not yet started are skipped, puts
// already running finish, and the *UploadError is returned with no keys.
// Objects written before the failure are left in place.
func (u *Uploader) Upload(ctx context.Context, contractID string, pages []PageFile) ([]string, error) {
	if len(pages) == 0 {
		return nil, ErrFilesMissing
	}
	keys := u.Keys(contractID, len(pages))
	stored := make([]string, len(pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(len(pages), u.workers))
	for i := range pages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return &UploadError{Index: i + 1, Key: keys[i], Err: err}
			}
			page := pages[i]
			if err := u.store.Put(ctx, u.bucket, keys[i], bytes.NewReader(page.Data), int64(len(page.Data))); err != nil {
				u.logger.Error().
					Err(err).
					Str("contract_id", contractID).
					Int("page", i+1).
					Str("key", keys[i]).
					Msg("page upload failed")
				return &UploadError{Index: i + 1, Key: keys[i], Err: err}
			}
			stored[i] = keys[i]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	u.logger.Debug().
		Str("contract_id", contractID).
		Int("pages", len(stored)).
		Msg("pages uploaded")
	return stored, nil
}

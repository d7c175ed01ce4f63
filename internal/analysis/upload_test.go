package analysis

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ddobak/contract-gateway/internal/connectors"
)

// hookStore wraps a MemoryStore and lets tests delay or fail puts.
type hookStore struct {
	*connectors.MemoryStore
	beforePut func(key string) error
	puts      atomic.Int32
}

func newHookStore(beforePut func(key string) error) *hookStore {
	return &hookStore{MemoryStore: connectors.NewMemoryStore(), beforePut: beforePut}
}

func (h *hookStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	h.puts.Add(1)
	if h.beforePut != nil {
		if err := h.beforePut(key); err != nil {
			return err
		}
	}
	return h.MemoryStore.Put(ctx, bucket, key, body, size)
}

func TestUploaderKeys(t *testing.T) {
	cases := []struct {
		prefix string
		want   string
	}{
		{"", "contract/origin-images/C1234567/002.jpg"},
		{"/tenant/pages/", "tenant/pages/C1234567/002.jpg"},
		{"/", "C1234567/002.jpg"},
	}
	for _, tc := range cases {
		u := NewUploader(connectors.NewMemoryStore(), UploaderOptions{KeyPrefix: tc.prefix}, zerolog.Nop())
		keys := u.Keys("C1234567", 10)
		if len(keys) != 10 || keys[1] != tc.want || !strings.HasSuffix(keys[9], "/010.jpg") {
			t.Fatalf("prefix %q: unexpected keys %v", tc.prefix, keys)
		}
	}
}

func TestUploadKeepsInputOrder(t *testing.T) {
	store := newHookStore(func(string) error {
		time.Sleep(time.Duration(rand.IntN(20)) * time.Millisecond)
		return nil
	})
	u := NewUploader(store, UploaderOptions{}, zerolog.Nop())
	pages := jpegPages(5)

	for run := 0; run < 5; run++ {
		keys, err := u.Upload(context.Background(), "C1234567", pages)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		want := u.Keys("C1234567", 5)
		if len(keys) != 5 {
			t.Fatalf("expected 5 keys, got %d", len(keys))
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Fatalf("key %d = %s, want %s", i, keys[i], want[i])
			}
			rc, err := store.Get(context.Background(), "", keys[i])
			if err != nil {
				t.Fatalf("get %s: %v", keys[i], err)
			}
			body, _ := io.ReadAll(rc)
			rc.Close()
			if string(body) != string(pages[i].Data) {
				t.Fatalf("page %d stored under wrong key", i+1)
			}
		}
	}
}

func TestUploadReportsFailedPage(t *testing.T) {
	boom := errors.New("disk full")
	store := newHookStore(func(key string) error {
		time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
		if strings.HasSuffix(key, "/003.jpg") {
			return boom
		}
		return nil
	})
	u := NewUploader(store, UploaderOptions{}, zerolog.Nop())

	keys, err := u.Upload(context.Background(), "C1234567", jpegPages(5))
	if keys != nil {
		t.Fatalf("expected no keys, got %v", keys)
	}
	var upErr *UploadError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected *UploadError, got %v", err)
	}
	if upErr.Index != 3 || upErr.Key != "contract/origin-images/C1234567/003.jpg" {
		t.Fatalf("unexpected failure %+v", upErr)
	}
	if !errors.Is(err, ErrUploadFailed) || !errors.Is(err, boom) {
		t.Fatalf("error chain incomplete: %v", err)
	}
}

func TestUploadSkipsPagesAfterFailure(t *testing.T) {
	store := newHookStore(func(key string) error {
		if strings.HasSuffix(key, "/001.jpg") {
			return errors.New("refused")
		}
		return nil
	})
	u := NewUploader(store, UploaderOptions{Workers: 1}, zerolog.Nop())

	if _, err := u.Upload(context.Background(), "C1234567", jpegPages(5)); err == nil {
		t.Fatalf("expected failure")
	}
	if n := store.puts.Load(); n != 1 {
		t.Fatalf("expected pages after the failure to be skipped, saw %d puts", n)
	}
}

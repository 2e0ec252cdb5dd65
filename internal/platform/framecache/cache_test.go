package framecache

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestCache(t *testing.T, sentinel int64) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), sentinel, zerolog.Nop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestPutGet(t *testing.T) {
	c := newTestCache(t, 631)
	data := []byte("frame-bytes")

	if err := c.Put("1.2.3", 0, data); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := c.Get("1.2.3", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("expected %q, got %q", data, got)
	}
}

func TestGet_Miss(t *testing.T) {
	c := newTestCache(t, 631)
	if _, err := c.Get("1.2.3", 7); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss, got %v", err)
	}
}

func TestSentinelSizeIsMissAndEvicted(t *testing.T) {
	c := newTestCache(t, 16)
	placeholder := make([]byte, 16)
	if err := c.Put("1.2.3", 0, placeholder); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := c.Get("1.2.3", 0); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss for sentinel-sized file, got %v", err)
	}
	// The placeholder must be gone so a rewrite can land.
	if _, err := os.Stat(c.framePath("1.2.3", 0)); !os.IsNotExist(err) {
		t.Error("expected placeholder file to be evicted")
	}
}

func TestNearSentinelSizeIsServed(t *testing.T) {
	c := newTestCache(t, 16)
	if err := c.Put("1.2.3", 0, make([]byte, 17)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := c.Get("1.2.3", 0); err != nil {
		t.Errorf("17-byte file must be a hit, got %v", err)
	}
}

func TestZeroPaddedLayout(t *testing.T) {
	c := newTestCache(t, 0)
	if err := c.Put("1.2.3", 42, []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	want := filepath.Join(c.root, "1.2.3", "000042.png")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected frame at %s: %v", want, err)
	}
}

func TestConcurrentWritersSameKey(t *testing.T) {
	c := newTestCache(t, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Put("1.2.3", 0, bytes.Repeat([]byte("a"), 1024))
		}()
	}
	wg.Wait()

	got, err := c.Get("1.2.3", 0)
	if err != nil {
		t.Fatalf("get after concurrent puts: %v", err)
	}
	// Whatever writer won, the file must be complete.
	if len(got) != 1024 {
		t.Errorf("expected a complete 1024-byte frame, got %d bytes", len(got))
	}
	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(c.root, "1.2.3"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "000042.png" && e.Name() != "000000.png" {
			t.Errorf("unexpected leftover file %s", e.Name())
		}
	}
}

func TestPurgeStudy(t *testing.T) {
	c := newTestCache(t, 0)
	if err := c.Put("1.2.3", 0, []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.PurgeStudy("1.2.3"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := c.Get("1.2.3", 0); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after purge, got %v", err)
	}
}

package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryStorage(t *testing.T) {
	testStorageContract(t, NewMemoryStorage())
}

func TestFileStorage(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage failed: %v", err)
	}

	testStorageContract(t, storage)

	// No temporary files left behind after a write.
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("Leftover temp files: %v", matches)
	}
}

func TestFileStorage_KeySanitized(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage failed: %v", err)
	}

	if err := storage.Write(context.Background(), "app:cache/v1", []byte("{}")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "app_cache_v1.json")); err != nil {
		t.Errorf("Expected sanitized snapshot file: %v", err)
	}
}

func TestNewFileStorage_EmptyDir(t *testing.T) {
	if _, err := NewFileStorage(""); err == nil {
		t.Error("NewFileStorage(\"\") should fail")
	}
}

func TestRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	storage := NewRedisStorage(client)
	testStorageContract(t, storage)

	// Blobs carry their own expiry; Redis must not expire them.
	if ttl := mr.TTL("contract"); ttl != 0 {
		t.Errorf("Redis TTL = %v, want none", ttl)
	}
}

func TestRedisStorage_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	mr.SetError("ERR storage unavailable")
	storage := NewRedisStorage(client)

	if _, err := storage.Read(context.Background(), "k"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Read error = %v, want wrapped server error", err)
	}
	if err := storage.Write(context.Background(), "k", []byte("x")); err == nil {
		t.Error("Write should fail when Redis errors")
	}
}

func TestNewRedisStorage_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisStorage should panic with nil redis client")
		}
	}()
	NewRedisStorage(nil)
}

// testStorageContract exercises the behaviour every Storage must share.
func testStorageContract(t *testing.T, storage Storage) {
	t.Helper()
	ctx := context.Background()

	if _, err := storage.Read(ctx, "contract"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read of missing key error = %v, want ErrNotFound", err)
	}

	if err := storage.Write(ctx, "contract", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := storage.Write(ctx, "contract", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}

	data, err := storage.Read(ctx, "contract")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != `{"a":2}` {
		t.Errorf("Read = %s, want {\"a\":2}", data)
	}
}

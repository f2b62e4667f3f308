package persist

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// failingStorage returns err from every operation.
type failingStorage struct {
	err error
}

func (f failingStorage) Read(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingStorage) Write(context.Context, string, []byte) error  { return f.err }

func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func TestAdapter_LoadEmpty(t *testing.T) {
	adapter := NewAdapter(NewMemoryStorage(), "cache", quietLogger(), 0)

	records := adapter.Load(time.UnixMilli(1500))
	if len(records) != 0 {
		t.Errorf("Load() on empty storage returned %d records, want 0", len(records))
	}
}

func TestAdapter_LoadDropsExpired(t *testing.T) {
	storage := NewMemoryStorage()
	blob := `{
		"key1": {"value": "value1", "timestamp": 1000, "ttl": 1000},
		"key2": {"value": "value2", "timestamp": 0, "ttl": 1000},
		"key3": {"value": "value3", "timestamp": 500, "ttl": 1000}
	}`
	if err := storage.Write(context.Background(), "cache", []byte(blob)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	adapter := NewAdapter(storage, "cache", quietLogger(), time.Second)
	records := adapter.Load(time.UnixMilli(1500))

	if _, ok := records["key1"]; !ok {
		t.Error("key1 should survive (expires at 2000)")
	}
	if _, ok := records["key2"]; ok {
		t.Error("key2 should be dropped (expired at 1000)")
	}
	if _, ok := records["key3"]; ok {
		t.Error("key3 should be dropped (expires exactly at 1500)")
	}

	var value string
	if err := json.Unmarshal(records["key1"].Value, &value); err != nil || value != "value1" {
		t.Errorf("key1 value = %q (err %v), want value1", value, err)
	}
}

func TestAdapter_SaveRoundTrip(t *testing.T) {
	storage := NewMemoryStorage()
	adapter := NewAdapter(storage, "cache", quietLogger(), 0)

	adapter.Save(map[string]Record{
		"a": {Value: json.RawMessage(`{"n":1}`), Timestamp: 1000, TTL: 5000},
	})

	raw, err := storage.Read(context.Background(), "cache")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	var decoded map[string]map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Snapshot is not a JSON object: %v", err)
	}
	for _, field := range []string{"value", "timestamp", "ttl"} {
		if _, ok := decoded["a"][field]; !ok {
			t.Errorf("Persisted record missing %q field: %s", field, raw)
		}
	}

	records := adapter.Load(time.UnixMilli(2000))
	if rec, ok := records["a"]; !ok || rec.TTL != 5000 {
		t.Errorf("Round trip lost record: %+v", records)
	}
}

func TestAdapter_CorruptBlob(t *testing.T) {
	storage := NewMemoryStorage()
	_ = storage.Write(context.Background(), "cache", []byte("not json"))

	before := testutil.ToFloat64(persistErrors.WithLabelValues("load"))
	records := NewAdapter(storage, "cache", quietLogger(), 0).Load(time.Now())

	if len(records) != 0 {
		t.Errorf("Corrupt snapshot should yield no records, got %d", len(records))
	}
	if got := testutil.ToFloat64(persistErrors.WithLabelValues("load")) - before; got != 1 {
		t.Errorf("load error counter delta = %v, want 1", got)
	}
}

func TestAdapter_FailuresAreSwallowed(t *testing.T) {
	adapter := NewAdapter(failingStorage{err: errors.New("quota exceeded")}, "cache", quietLogger(), 0)

	before := testutil.ToFloat64(persistErrors.WithLabelValues("save"))

	// Neither call may panic or surface the error.
	adapter.Save(map[string]Record{"k": {Value: json.RawMessage(`1`), Timestamp: 1, TTL: 1}})
	if records := adapter.Load(time.Now()); len(records) != 0 {
		t.Errorf("Load on failing storage returned %d records", len(records))
	}

	if got := testutil.ToFloat64(persistErrors.WithLabelValues("save")) - before; got != 1 {
		t.Errorf("save error counter delta = %v, want 1", got)
	}
}

func TestRecord_Expired(t *testing.T) {
	rec := Record{Timestamp: 1000, TTL: 500}

	if rec.Expired(time.UnixMilli(1499)) {
		t.Error("Record should be valid just before expiry")
	}
	if !rec.Expired(time.UnixMilli(1500)) {
		t.Error("Record should be expired at timestamp+ttl")
	}
	if !rec.ExpiresAt().Equal(time.UnixMilli(1500)) {
		t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt(), time.UnixMilli(1500))
	}
}

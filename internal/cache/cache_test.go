package cache

import (
	"testing"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
)

func TestRegion_GetSetDelete(t *testing.T) {
	t.Parallel()
	col := NewCollector(nil)
	r, err := NewRegion[[]byte](col, conduit.RegionTariffs, 100, time.Minute, BytesWeigher)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("should not find missing key")
	}

	r.Set("k1", []byte("v1"))
	// otter processes Set asynchronously; wait briefly.
	time.Sleep(50 * time.Millisecond)

	val, ok := r.Get("k1")
	if !ok {
		t.Fatal("should find k1")
	}
	if string(val) != "v1" {
		t.Errorf("value = %q, want %q", val, "v1")
	}

	r.Delete("k1")
	if _, ok := r.Get("k1"); ok {
		t.Error("should not find deleted key")
	}
}

func TestRegion_TTLExpiry(t *testing.T) {
	t.Parallel()
	r, err := NewRegion[string](nil, conduit.RegionMappings, 100, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}

	r.SetTTL("expiring", "data", 50*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// Get checks the per-entry deadline.
	time.Sleep(50 * time.Millisecond)
	if _, ok := r.Get("expiring"); ok {
		t.Error("entry should be expired")
	}
}

func TestRegion_Purge(t *testing.T) {
	t.Parallel()
	r, err := NewRegion[int](nil, conduit.RegionCredentials, 100, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}

	r.Set("a", 1)
	r.Set("b", 2)
	time.Sleep(50 * time.Millisecond)

	r.Purge()

	if _, ok := r.Get("a"); ok {
		t.Error("purge should remove all keys")
	}
	if _, ok := r.Get("b"); ok {
		t.Error("purge should remove all keys")
	}
}

func TestRegion_NilIsInert(t *testing.T) {
	t.Parallel()
	var r *Region[string]
	r.Set("k", "v")
	if _, ok := r.Get("k"); ok {
		t.Error("nil region should cache nothing")
	}
	r.Delete("k")
	r.Purge()
}

func TestRegion_RecordsIntoCollector(t *testing.T) {
	t.Parallel()
	col := NewCollector(nil)
	r, err := NewRegion[[]byte](col, conduit.RegionVirtualKeys, 100, time.Minute, BytesWeigher)
	if err != nil {
		t.Fatal(err)
	}

	r.Get("a") // miss
	r.Set("a", []byte("payload"))
	time.Sleep(50 * time.Millisecond)
	r.Get("a") // hit
	r.Get("a") // hit

	snaps := col.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("snapshot regions = %d, want 1", len(snaps))
	}
	s := snaps[0]
	if s.Region != conduit.RegionVirtualKeys {
		t.Errorf("region = %q", s.Region)
	}
	if s.Hits != 2 || s.Misses != 1 || s.Sets != 1 {
		t.Errorf("hits/misses/sets = %d/%d/%d, want 2/1/1", s.Hits, s.Misses, s.Sets)
	}
	if s.EntryCount != 1 {
		t.Errorf("entry count = %d, want 1", s.EntryCount)
	}
	if want := int64(len("a") + len("payload")); s.MemoryBytes != want {
		t.Errorf("memory bytes = %d, want %d", s.MemoryBytes, want)
	}
}

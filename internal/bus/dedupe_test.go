package bus

import (
	"testing"
	"time"
)

func TestDedupeCache(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDedupeCache(time.Minute, 3)
	d.now = func() time.Time { return now }

	if d.IsDuplicate("a") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.IsDuplicate("a") {
		t.Fatal("second sighting not reported")
	}

	now = now.Add(time.Minute)
	if d.IsDuplicate("a") {
		t.Error("entry should have expired after ttl")
	}
}

func TestDedupeCacheBounded(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDedupeCache(time.Hour, 2)
	d.now = func() time.Time { return now }

	d.IsDuplicate("a")
	now = now.Add(time.Second)
	d.IsDuplicate("b")
	now = now.Add(time.Second)
	d.IsDuplicate("c")

	if d.Len() != 2 {
		t.Fatalf("Len = %d, want 2", d.Len())
	}
	if d.IsDuplicate("a") {
		t.Error("oldest entry should have been evicted")
	}
}

func TestDedupeCacheDisabled(t *testing.T) {
	d := NewDedupeCache(0, 10)
	d.IsDuplicate("a")
	if d.IsDuplicate("a") {
		t.Error("zero ttl should disable dedupe")
	}
	var nilCache *DedupeCache
	if nilCache.IsDuplicate("a") {
		t.Error("nil cache reported a duplicate")
	}
	if d.IsDuplicate("") {
		t.Error("empty key reported a duplicate")
	}
}

func TestDedupeCacheForget(t *testing.T) {
	d := NewDedupeCache(time.Minute, 10)
	d.IsDuplicate("a")
	d.Forget("a")
	if d.IsDuplicate("a") {
		t.Error("forgotten key reported as duplicate")
	}
	if !d.IsDuplicate("a") {
		t.Error("key recorded after Forget was not remembered")
	}

	var nilCache *DedupeCache
	nilCache.Forget("a")
}

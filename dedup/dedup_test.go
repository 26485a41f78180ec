package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/nimbusdata/cdp-core/clock"
)

func TestSeenOrMarkFirstTimeIsFalse(t *testing.T) {
	mc := clock.NewManual(time.Now())
	s, err := NewMemorySet(mc, time.Minute, 100)
	if err != nil {
		t.Fatalf("NewMemorySet: %v", err)
	}

	seen, err := s.SeenOrMark(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("SeenOrMark: %v", err)
	}
	if seen {
		t.Fatalf("expected first occurrence to report seen=false")
	}
}

func TestSeenOrMarkSecondTimeIsTrue(t *testing.T) {
	mc := clock.NewManual(time.Now())
	s, _ := NewMemorySet(mc, time.Minute, 100)
	ctx := context.Background()

	s.SeenOrMark(ctx, "evt-1")
	seen, err := s.SeenOrMark(ctx, "evt-1")
	if err != nil {
		t.Fatalf("SeenOrMark: %v", err)
	}
	if !seen {
		t.Fatalf("expected duplicate occurrence to report seen=true")
	}
}

func TestSeenOrMarkExpiresAfterTTL(t *testing.T) {
	base := time.Now()
	mc := clock.NewManual(base)
	s, _ := NewMemorySet(mc, time.Minute, 100)
	ctx := context.Background()

	s.SeenOrMark(ctx, "evt-1")
	mc.Advance(2 * time.Minute)

	seen, err := s.SeenOrMark(ctx, "evt-1")
	if err != nil {
		t.Fatalf("SeenOrMark: %v", err)
	}
	if seen {
		t.Fatalf("expected id to be treated as fresh again after TTL elapsed")
	}
}

func TestLRUBoundEvictsOldestWhenFull(t *testing.T) {
	mc := clock.NewManual(time.Now())
	s, _ := NewMemorySet(mc, time.Hour, 2)
	ctx := context.Background()

	s.SeenOrMark(ctx, "a")
	s.SeenOrMark(ctx, "b")
	s.SeenOrMark(ctx, "c") // evicts "a"

	if got := s.Len(); got != 2 {
		t.Fatalf("expected set bounded to 2 entries, got %d", got)
	}

	seen, _ := s.SeenOrMark(ctx, "a")
	if seen {
		t.Fatalf("expected evicted id to be treated as fresh again")
	}
}

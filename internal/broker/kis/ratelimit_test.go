package kis

import (
	"context"
	"testing"
	"time"
)

func TestBucketAllowsBurst(t *testing.T) {
	t.Parallel()

	b := NewBucket(5, 1000)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
}

func TestBucketBlocksWhenEmpty(t *testing.T) {
	t.Parallel()

	// 1 token, refill far too slow to matter within the test.
	b := NewBucket(1, 0.001)
	ctx := context.Background()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := b.Wait(waitCtx); err == nil {
		t.Fatal("expected Wait to fail on empty bucket")
	}
}

func TestBucketRefills(t *testing.T) {
	t.Parallel()

	b := NewBucket(1, 100) // 100 tokens/s → ~10ms per token
	ctx := context.Background()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := b.Wait(waitCtx); err != nil {
		t.Fatalf("refilled Wait: %v", err)
	}
}

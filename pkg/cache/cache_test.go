package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheSetPeekDelete(t *testing.T) {
	c := New[string](Options{TTL: 50 * time.Millisecond, StaleWhileRevalidate: 20 * time.Millisecond, MaxEntries: 10}, MetricsHooks{})

	c.Set("alpha", "value", 50*time.Millisecond)
	if val, ok := c.Peek("alpha"); !ok || val != "value" {
		t.Fatalf("expected peeked value")
	}
	if c.Len() != 1 {
		t.Fatalf("expected one entry, got %d", c.Len())
	}

	c.Delete("alpha")
	if _, ok := c.Peek("alpha"); ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestCacheGetHitMissStaleRefresh(t *testing.T) {
	var results sync.Map
	hooks := MetricsHooks{OnResult: func(r string) {
		n, _ := results.LoadOrStore(r, new(int32))
		atomic.AddInt32(n.(*int32), 1)
	}}
	c := New[int](Options{TTL: 20 * time.Millisecond, StaleWhileRevalidate: 50 * time.Millisecond, MaxEntries: 10}, hooks)

	var calls int32
	refreshCalled := make(chan struct{}, 1)
	loader := func(_ context.Context, _ string) (int, bool, error) {
		count := atomic.AddInt32(&calls, 1)
		if count == 2 {
			refreshCalled <- struct{}{}
		}
		return int(count), true, nil
	}

	val, ok, err := c.Get(context.Background(), "alpha", loader)
	if err != nil || !ok || val != 1 {
		t.Fatalf("expected first load")
	}

	val, ok, err = c.Get(context.Background(), "alpha", loader)
	if err != nil || !ok || val != 1 {
		t.Fatalf("expected cache hit")
	}

	time.Sleep(25 * time.Millisecond)
	val, ok, err = c.Get(context.Background(), "alpha", loader)
	if err != nil || !ok || val != 1 {
		t.Fatalf("expected stale value")
	}

	select {
	case <-refreshCalled:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected refresh to run")
	}

	time.Sleep(10 * time.Millisecond)
	val, ok = c.Peek("alpha")
	if !ok || val != 2 {
		t.Fatalf("expected refreshed value")
	}

	if n, ok := results.Load("hit"); !ok || atomic.LoadInt32(n.(*int32)) < 1 {
		t.Fatalf("expected hit to be reported")
	}
}

func TestCacheRefreshSurvivesCallerCancel(t *testing.T) {
	c := New[int](Options{TTL: 10 * time.Millisecond, StaleWhileRevalidate: time.Second}, MetricsHooks{})
	c.Set("k", 1, 10*time.Millisecond)
	time.Sleep(15 * time.Millisecond)

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	_, _, _ = c.Get(ctx, "k", func(ctx context.Context, _ string) (int, bool, error) {
		time.Sleep(5 * time.Millisecond)
		done <- ctx.Err()
		return 2, true, nil
	})
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected refresh context to stay alive, got %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected refresh to run")
	}
}

func TestCacheNegativeTTL(t *testing.T) {
	c := New[string](Options{TTL: 50 * time.Millisecond, NegativeTTL: 30 * time.Millisecond, MaxEntries: 10}, MetricsHooks{})

	var calls int32
	errBoom := errors.New("boom")
	loader := func(_ context.Context, _ string) (string, bool, error) {
		atomic.AddInt32(&calls, 1)
		return "", false, errBoom
	}

	_, ok, err := c.Get(context.Background(), "neg", loader)
	if ok || !errors.Is(err, errBoom) {
		t.Fatalf("expected negative load error")
	}

	_, ok, err = c.Get(context.Background(), "neg", loader)
	if ok || !errors.Is(err, errBoom) {
		t.Fatalf("expected cached negative error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected single loader call, got %d", n)
	}

	time.Sleep(35 * time.Millisecond)
	_, _, _ = c.Get(context.Background(), "neg", loader)
	if n := atomic.LoadInt32(&calls); n < 2 {
		t.Fatalf("expected loader to run after negative ttl")
	}
}

func TestCacheErrorsNotCachedWithoutNegativeTTL(t *testing.T) {
	c := New[string](Options{TTL: time.Minute}, MetricsHooks{})

	var calls int32
	loader := func(_ context.Context, _ string) (string, bool, error) {
		atomic.AddInt32(&calls, 1)
		return "", false, errors.New("rpc down")
	}
	_, _, _ = c.Get(context.Background(), "k", loader)
	_, _, _ = c.Get(context.Background(), "k", loader)

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected every miss to reach the loader, got %d", n)
	}
}

func TestCacheEviction(t *testing.T) {
	c := New[string](Options{TTL: time.Minute, MaxEntries: 2}, MetricsHooks{})

	c.Set("first", "one", time.Minute)
	c.Set("second", "two", time.Minute)
	c.Set("third", "three", time.Minute)

	if _, ok := c.Peek("first"); ok {
		t.Fatalf("expected first entry to be evicted")
	}
	if _, ok := c.Peek("second"); !ok {
		t.Fatalf("expected second entry to remain")
	}
	if _, ok := c.Peek("third"); !ok {
		t.Fatalf("expected third entry to remain")
	}
}

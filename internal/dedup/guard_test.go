package dedup

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeClaims struct {
	mu      sync.Mutex
	claimed map[string]bool
	err     error
}

func (f *fakeClaims) ClaimExists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimed[key], f.err
}

func TestGuard_ReserveCommit(t *testing.T) {
	cache, mr := setupRedisCache(t)
	guard := NewGuard(cache, &fakeClaims{}, testLogger())
	ctx := context.Background()

	res, already, err := guard.Reserve(ctx, "crypto:polygon:0x01")
	if err != nil || already || res == nil {
		t.Fatalf("Reserve = %v, %v, %v", res, already, err)
	}
	held, _ := mr.Get(redisKeyPrefix + "crypto:polygon:0x01")
	if !strings.HasPrefix(held, inFlightPrefix) {
		t.Fatalf("in-flight marker = %q", held)
	}
	if ttl := mr.TTL(redisKeyPrefix + "crypto:polygon:0x01"); ttl != DefaultInFlightTTL {
		t.Fatalf("in-flight ttl = %v", ttl)
	}

	if err := res.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, already, _ := guard.Reserve(ctx, "crypto:polygon:0x01"); !already {
		t.Fatal("committed key was reservable again")
	}
}

func TestGuard_ReleaseAllowsRetry(t *testing.T) {
	cache, _ := setupRedisCache(t)
	guard := NewGuard(cache, &fakeClaims{}, testLogger())
	ctx := context.Background()

	res, _, err := guard.Reserve(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if _, already, _ := guard.Reserve(ctx, "k"); !already {
		t.Fatal("concurrent reserve should see the key as claimed")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := res.Release(cancelled); err != nil {
		t.Fatalf("Release on cancelled context: %v", err)
	}
	if _, already, err := guard.Reserve(ctx, "k"); err != nil || already {
		t.Fatalf("Reserve after release = %v, %v", already, err)
	}
}

func TestGuard_DurableRecordWins(t *testing.T) {
	cache, mr := setupRedisCache(t)
	claims := &fakeClaims{claimed: map[string]bool{"crypto:base:0x02": true}}
	guard := NewGuard(cache, claims, testLogger())

	res, already, err := guard.Reserve(context.Background(), "crypto:base:0x02")
	if err != nil || !already || res != nil {
		t.Fatalf("Reserve = %v, %v, %v; want alreadyClaimed", res, already, err)
	}
	if got, _ := mr.Get(redisKeyPrefix + "crypto:base:0x02"); got != claimedValue {
		t.Fatalf("claimed marker not restored, got %q", got)
	}
}

func TestGuard_ClaimsErrorPropagates(t *testing.T) {
	cache, _ := setupRedisCache(t)
	boom := errors.New("db down")
	guard := NewGuard(cache, &fakeClaims{err: boom}, testLogger())

	if _, _, err := guard.Reserve(context.Background(), "k"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestGuard_ConcurrentDoubleReserve(t *testing.T) {
	cache, _ := setupRedisCache(t)
	guard := NewGuard(cache, &fakeClaims{}, testLogger(), WithTTLs(time.Minute, time.Hour))

	const callers = 16
	var winners int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, already, err := guard.Reserve(context.Background(), "crypto:solana:sig")
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			if !already && res != nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
}

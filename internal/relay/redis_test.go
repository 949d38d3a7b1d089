package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/squarejellyfish/ntuber/internal/models"
)

// fakeRedis keeps string keys with their TTLs. Only the commands the
// channel issues are implemented; anything else panics via the nil embed.
type fakeRedis struct {
	redis.Cmdable

	mu      sync.Mutex
	vals    map[string]string
	ttls    map[string]time.Duration
	expires int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{vals: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	}
	return ""
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vals[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.vals[key] = toString(value)
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[key] = toString(value)
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Expire(ctx context.Context, key string, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vals[key]; !ok {
		return redis.NewBoolResult(false, nil)
	}
	f.expires++
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.vals[k]; ok {
			delete(f.vals, k)
			delete(f.ttls, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// age simulates time passing by shortening every TTL.
func (f *fakeRedis) age(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, ttl := range f.ttls {
		f.ttls[k] = ttl - d
	}
}

func (f *fakeRedis) ttl(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ttls[key]
}

func TestRedisChannelRefreshesWriterClaim(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	ch := NewRedisChannel(rdb, time.Hour, true, slog.Default())
	s := models.Sample{RideID: 7, Lat: 25.01, Lng: 121.53, Publisher: "0xBBB"}

	if err := ch.Publish(ctx, s); err != nil {
		t.Fatalf("publish: %v", err)
	}
	rdb.age(50 * time.Minute)
	if err := ch.Publish(ctx, s); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if rdb.expires != 1 {
		t.Fatalf("expected the writer claim to be refreshed, got %d expires", rdb.expires)
	}
	if got := rdb.ttl(WriterKey(7)); got != time.Hour {
		t.Fatalf("writer ttl = %v; want it reset to 1h", got)
	}
	if got := rdb.ttl(PositionKey(7)); got != time.Hour {
		t.Fatalf("position ttl = %v; want 1h", got)
	}
}

func TestRedisChannelStrictRejectsForeignWriter(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	ch := NewRedisChannel(rdb, time.Hour, true, slog.Default())

	if err := ch.Publish(ctx, models.Sample{RideID: 7, Lat: 25.01, Lng: 121.53, Publisher: "0xBBB"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	err := ch.Publish(ctx, models.Sample{RideID: 7, Lat: 25.9, Lng: 121.9, Publisher: "0xEVE"})
	if !errors.Is(err, ErrForeignPublisher) {
		t.Fatalf("expected ErrForeignPublisher, got %v", err)
	}
	if rdb.expires != 0 {
		t.Fatalf("a foreign publish must not refresh the claim, got %d expires", rdb.expires)
	}
	got, ok, err := ch.Latest(ctx, 7)
	if err != nil || !ok || got.Publisher != "0xBBB" {
		t.Fatalf("unexpected latest %+v ok=%v err=%v", got, ok, err)
	}

	if err := ch.Forget(ctx, 7); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok, _ := ch.Latest(ctx, 7); ok {
		t.Fatal("expected no sample after forget")
	}
}

package schema

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// --- MemoryCache ---

func TestMemoryCache_SetAndGet(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	if _, found, _ := c.Get(ctx, "/a.json"); found {
		t.Fatal("found = true on empty cache")
	}
	if err := c.Set(ctx, "/a.json", []byte(`{"title":"A"}`)); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	doc, found, err := c.Get(ctx, "/a.json")
	if err != nil || !found {
		t.Fatalf("Get = (%q, %v, %v), want hit", doc, found, err)
	}
	if string(doc) != `{"title":"A"}` {
		t.Errorf("doc = %s", doc)
	}
}

func TestMemoryCache_copiesInput(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	buf := []byte(`{"title":"A"}`)
	_ = c.Set(ctx, "/a.json", buf)
	buf[2] = 'X'

	doc, _, _ := c.Get(ctx, "/a.json")
	if string(doc) != `{"title":"A"}` {
		t.Errorf("cached doc changed with caller buffer: %s", doc)
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Date(2024, 8, 30, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_ = c.Set(ctx, "/a.json", []byte(`{}`))
	now = now.Add(2 * time.Minute)

	if _, found, _ := c.Get(ctx, "/a.json"); found {
		t.Error("found = true, want false (expired)")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (expired entry removed)", c.Len())
	}
}

func TestMemoryCache_noTTL(t *testing.T) {
	c := NewMemoryCache(0)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_ = c.Set(ctx, "/a.json", []byte(`{}`))
	now = now.Add(24 * time.Hour)

	if _, found, _ := c.Get(ctx, "/a.json"); !found {
		t.Error("entries should not expire when ttl is disabled")
	}
}

// --- RedisCache ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisCache_SetAndGet(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisCache(client, 5*time.Minute)
	ctx := context.Background()

	if _, found, err := c.Get(ctx, "/schemas/checkout.json"); err != nil || found {
		t.Fatalf("Get on empty = (found %v, err %v)", found, err)
	}
	if err := c.Set(ctx, "/schemas/checkout.json", []byte(`{"title":"Checkout"}`)); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	if !mr.Exists("bandflow:schema:/schemas/checkout.json") {
		t.Error("expected namespaced key in redis")
	}
	if ttl := mr.TTL("bandflow:schema:/schemas/checkout.json"); ttl != 5*time.Minute {
		t.Errorf("TTL = %v, want 5m", ttl)
	}

	doc, found, err := c.Get(ctx, "/schemas/checkout.json")
	if err != nil || !found {
		t.Fatalf("Get = (found %v, err %v), want hit", found, err)
	}
	if string(doc) != `{"title":"Checkout"}` {
		t.Errorf("doc = %s", doc)
	}
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisCache(client, time.Second)
	ctx := context.Background()

	if err := c.Set(ctx, "/a.json", []byte(`{}`)); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, found, _ := c.Get(ctx, "/a.json"); found {
		t.Error("found = true, want false (expired)")
	}
}

func TestRedisCache_HealthCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisCache(client, time.Minute)

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck error: %v", err)
	}

	mr.Close()
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should fail when redis is down")
	}
}

func TestRedisCache_withLoader(t *testing.T) {
	_, client := newTestRedis(t)
	srv := newSchemaServer(t, checkoutDocs())
	l := newTestLoader(srv.URL, NewRedisCache(client, time.Minute))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s, err := l.Load(ctx, "/schemas/checkout.json")
		if err != nil {
			t.Fatalf("Load() #%d error = %v", i, err)
		}
		if s.Title != "Equipment Checkout" {
			t.Errorf("Title = %q", s.Title)
		}
	}
	if n := srv.count("/schemas/checkout.json"); n != 1 {
		t.Errorf("root fetched %d times, want 1 (second load served from redis)", n)
	}
}

package redistier

import (
	"bytes"
	"context"
	"testing"

	"github.com/ggoodman/render-gateway/cachestore"
	"github.com/redis/go-redis/v9"
)

func TestRedisTier(t *testing.T) {
	// Skip test if Redis is not available
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.FlushDB(ctx)

	tier, err := New(Config{Client: client, KeyPrefix: "render-gateway:test:"})
	if err != nil {
		t.Fatalf("Failed to create Redis tier: %v", err)
	}
	defer tier.Close(ctx)

	t.Run("LoadMissing", func(t *testing.T) {
		if _, ok, err := tier.Load(ctx, "/missing"); ok || err != nil {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
	})

	t.Run("StoreLoadDelete", func(t *testing.T) {
		if err := tier.Store(ctx, "/a.png", []byte("record")); err != nil {
			t.Fatal(err)
		}
		b, ok, err := tier.Load(ctx, "/a.png")
		if err != nil || !ok || !bytes.Equal(b, []byte("record")) {
			t.Fatalf("load = %q %v %v", b, ok, err)
		}
		if err := tier.Delete(ctx, "/a.png"); err != nil {
			t.Fatal(err)
		}
		if _, ok, _ := tier.Load(ctx, "/a.png"); ok {
			t.Fatal("record survived delete")
		}
	})

	t.Run("BehindStore", func(t *testing.T) {
		s, err := cachestore.New(cachestore.Options{Durable: tier})
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close(ctx)
		data := []byte("shared across replicas")
		if err := s.Put(ctx, "/shared.css", cachestore.Entry{Data: data}); err != nil {
			t.Fatal(err)
		}

		other, err := cachestore.New(cachestore.Options{Durable: tier})
		if err != nil {
			t.Fatal(err)
		}
		defer other.Close(ctx)
		got := other.Lookup(ctx, "/shared.css")
		if !bytes.Equal(got[cachestore.Digest(data)].Data, data) {
			t.Fatalf("lookup = %v", got.Digests())
		}
	})
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for nil client")
	}
}

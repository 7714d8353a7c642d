package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pedro-meseguer/xai-business/internal/auth"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url://"); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestPutAndGetPrincipal(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	want := auth.Principal{TenantID: "t1", ClientID: "client-1", Enabled: true}
	if err := store.PutPrincipal(ctx, "hash-1", want, time.Minute); err != nil {
		t.Fatalf("PutPrincipal failed: %v", err)
	}

	got, ok, err := store.GetPrincipal(ctx, "hash-1")
	if err != nil || !ok {
		t.Fatalf("GetPrincipal failed: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	if !s.Exists("apikey:hash-1") {
		t.Error("expected key under the apikey: prefix")
	}
}

func TestPrincipalExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.PutPrincipal(ctx, "hash-2", auth.Principal{TenantID: "t1", ClientID: "c", Enabled: true}, time.Second); err != nil {
		t.Fatalf("PutPrincipal failed: %v", err)
	}

	s.FastForward(2 * time.Second)

	_, ok, err := store.GetPrincipal(ctx, "hash-2")
	if err != nil {
		t.Fatalf("GetPrincipal failed: %v", err)
	}
	if ok {
		t.Error("expected cache miss after ttl")
	}
}

func TestInvalidatePrincipal(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.PutPrincipal(ctx, "hash-3", auth.Principal{TenantID: "t1", ClientID: "c", Enabled: true}, time.Minute); err != nil {
		t.Fatalf("PutPrincipal failed: %v", err)
	}
	if err := store.Invalidate(ctx, "hash-3"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, ok, _ := store.GetPrincipal(ctx, "hash-3"); ok {
		t.Error("expected cache miss after invalidate")
	}
	if err := store.Invalidate(ctx, "never-cached"); err != nil {
		t.Errorf("Invalidate of unknown key failed: %v", err)
	}
}

func TestResolverUsesRedisCache(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	keyHash := auth.HashKey("live-key")
	if err := store.PutPrincipal(ctx, keyHash, auth.Principal{TenantID: "t9", ClientID: "cached", Enabled: true}, time.Minute); err != nil {
		t.Fatalf("PutPrincipal failed: %v", err)
	}

	// nil client lookup: a cache hit must not reach the store
	resolver := auth.NewResolver(nil, store, time.Minute)
	principal, err := resolver.Resolve(ctx, "live-key")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if principal.ClientID != "cached" {
		t.Errorf("expected cached principal, got %+v", principal)
	}
}

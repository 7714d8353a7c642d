package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pedro-meseguer/xai-business/internal/store"
)

type fakeClients struct {
	byHash map[string]store.APIClient
	calls  int
}

func (f *fakeClients) GetAPIClientByKeyHash(_ context.Context, keyHash string) (store.APIClient, error) {
	f.calls++
	client, ok := f.byHash[keyHash]
	if !ok {
		return store.APIClient{}, store.ErrNotFound
	}
	return client, nil
}

type mapCache struct {
	items map[string]Principal
}

func (c *mapCache) GetPrincipal(_ context.Context, keyHash string) (Principal, bool, error) {
	p, ok := c.items[keyHash]
	return p, ok, nil
}

func (c *mapCache) PutPrincipal(_ context.Context, keyHash string, p Principal, _ time.Duration) error {
	c.items[keyHash] = p
	return nil
}

func TestHashKeyIsStableHex(t *testing.T) {
	got := HashKey("secret")
	if got != HashKey("secret") {
		t.Fatal("expected stable hash")
	}
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
	if got == HashKey("Secret") {
		t.Fatal("expected distinct hashes for distinct keys")
	}
}

func TestGenerateKeyIsPrefixedAndUnique(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	b, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if !strings.HasPrefix(a, keyPrefix) || a == b {
		t.Fatalf("unexpected keys %q %q", a, b)
	}
}

func TestResolverResolvesAndCaches(t *testing.T) {
	clients := &fakeClients{byHash: map[string]store.APIClient{
		HashKey("k1"): {ID: "client-1", TenantID: "t1", Enabled: true},
	}}
	cache := &mapCache{items: map[string]Principal{}}
	resolver := NewResolver(clients, cache, time.Minute)

	for i := 0; i < 3; i++ {
		principal, err := resolver.Resolve(context.Background(), " k1 ")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if principal.TenantID != "t1" || principal.ClientID != "client-1" {
			t.Fatalf("unexpected principal %+v", principal)
		}
	}
	if clients.calls != 1 {
		t.Fatalf("expected one store lookup, got %d", clients.calls)
	}
}

func TestResolverRejects(t *testing.T) {
	clients := &fakeClients{byHash: map[string]store.APIClient{
		HashKey("off"): {ID: "client-2", TenantID: "t1", Enabled: false},
	}}
	resolver := NewResolver(clients, nil, 0)

	cases := []struct {
		key  string
		want error
	}{
		{key: "", want: ErrMissingKey},
		{key: "unknown", want: ErrInvalidKey},
		{key: "off", want: ErrDisabledClient},
	}
	for _, tc := range cases {
		_, err := resolver.Resolve(context.Background(), tc.key)
		if !errors.Is(err, tc.want) {
			t.Fatalf("Resolve(%q) error = %v, want %v", tc.key, err, tc.want)
		}
	}
}

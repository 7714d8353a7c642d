package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pedro-meseguer/xai-business/internal/store"
)

const keyPrefix = "xai_"

var (
	ErrMissingKey     = errors.New("missing api key")
	ErrInvalidKey     = errors.New("invalid api key")
	ErrDisabledClient = errors.New("api client disabled")
)

// Principal is the trusted caller identity every report operation runs as.
type Principal struct {
	TenantID string `json:"tenant_id"`
	ClientID string `json:"client_id"`
	Enabled  bool   `json:"enabled"`
}

// HashKey is what api_clients stores; plaintext keys are never persisted.
func HashKey(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}

func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

type clientLookup interface {
	GetAPIClientByKeyHash(context.Context, string) (store.APIClient, error)
}

// Cache holds resolved principals by key hash.
type Cache interface {
	GetPrincipal(ctx context.Context, keyHash string) (Principal, bool, error)
	PutPrincipal(ctx context.Context, keyHash string, principal Principal, ttl time.Duration) error
}

type Resolver struct {
	clients clientLookup
	cache   Cache
	ttl     time.Duration
}

// NewResolver builds a resolver; cache may be nil.
func NewResolver(clients clientLookup, cache Cache, ttl time.Duration) *Resolver {
	return &Resolver{clients: clients, cache: cache, ttl: ttl}
}

// Resolve maps an opaque key to its principal. Cache failures fall through
// to the store.
func (r *Resolver) Resolve(ctx context.Context, apiKey string) (Principal, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return Principal{}, ErrMissingKey
	}
	keyHash := HashKey(apiKey)

	if r.cache != nil {
		if principal, ok, err := r.cache.GetPrincipal(ctx, keyHash); err == nil && ok {
			return checkEnabled(principal)
		}
	}

	client, err := r.clients.GetAPIClientByKeyHash(ctx, keyHash)
	if errors.Is(err, store.ErrNotFound) {
		return Principal{}, ErrInvalidKey
	}
	if err != nil {
		return Principal{}, fmt.Errorf("resolve api key: %w", err)
	}

	principal := Principal{TenantID: client.TenantID, ClientID: client.ID, Enabled: client.Enabled}
	if r.cache != nil && r.ttl > 0 {
		_ = r.cache.PutPrincipal(ctx, keyHash, principal, r.ttl)
	}
	return checkEnabled(principal)
}

func checkEnabled(principal Principal) (Principal, error) {
	if !principal.Enabled {
		return Principal{}, ErrDisabledClient
	}
	return principal, nil
}

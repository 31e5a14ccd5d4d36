package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// KeyPrefix starts every tenant API key.
const KeyPrefix = "vxd_"

// Tenant is the authenticated caller of the tenant API.
type Tenant struct {
	ID           string
	Name         string
	SystemPrompt string
	Model        string
	LanguageCode string
	RateLimit    int
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 12 characters of the plaintext key
}

// TenantLookup is the interface for retrieving tenants by their key hash.
type TenantLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Tenant, error)
}

// Service authenticates tenant keys and the operator admin key.
type Service struct {
	store    TenantLookup
	adminKey string
}

// NewService creates a new authentication service. An empty adminKey
// disables the admin API.
func NewService(store TenantLookup, adminKey string) *Service {
	return &Service{store: store, adminKey: adminKey}
}

// Authenticate resolves a plaintext tenant key to its tenant.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (*Tenant, error) {
	t, err := s.store.GetByKeyHash(ctx, HashKey(plaintext))
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("tenant not found")
	}
	return t, nil
}

// IsAdmin reports whether token matches the configured admin key.
func (s *Service) IsAdmin(token string) bool {
	if s.adminKey == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminKey)) == 1
}

// GenerateAPIKey creates a new API key with the "vxd_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(b)

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:12],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// Package fingerprint maps tenant identities to opaque, non-reversible
// fingerprints used in every structure shared across tenants.
package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/ristretto"
	"github.com/malbeclabs/netintel/intel/internal/domain"
	"golang.org/x/crypto/hkdf"
)

const (
	minSecretLen = 32
	prefix       = "fp_"
	hkdfInfo     = "netintel tenant fingerprint v1"
)

type Service struct {
	key   []byte
	cache *ristretto.Cache
}

// New derives the fingerprint key from secret. The secret never leaves the
// service and is not retained after derivation.
func New(secret []byte) (*Service, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("fingerprint secret must be at least %d bytes", minSecretLen)
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive fingerprint key: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create fingerprint cache: %w", err)
	}

	return &Service{key: key, cache: cache}, nil
}

func (s *Service) Fingerprint(tenantID domain.TenantID) (domain.Fingerprint, error) {
	if tenantID == "" {
		return "", errors.New("tenant id is required")
	}
	if v, ok := s.cache.Get(string(tenantID)); ok {
		return v.(domain.Fingerprint), nil
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(tenantID))
	fp := domain.Fingerprint(prefix + hex.EncodeToString(mac.Sum(nil)))

	s.cache.Set(string(tenantID), fp, 1)
	return fp, nil
}

func (s *Service) Close() {
	s.cache.Close()
}

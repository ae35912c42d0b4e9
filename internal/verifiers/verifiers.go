// Package verifiers implements a shared caller-id to signature-verifier
// cache: a map under a single writer lock, returning a shared verifier
// handle usable without the lock held. The mutex-guarded map idiom mirrors
// internal/consensus's lease bookkeeping.
package verifiers

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
)

// Verifier checks a detached signature against a bound public key.
type Verifier interface {
	// Verify checks sig over digest (the canonical signed-headers digest)
	// and returns an error if the signature does not verify.
	Verify(digest, sig []byte) error
}

type pubKeyVerifier struct {
	key crypto.PublicKey
}

func (v pubKeyVerifier) Verify(digest, sig []byte) error {
	switch k := v.key.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(k, digest, sig) {
			return errors.New("verifiers: ed25519 signature invalid")
		}
		return nil
	case *rsa.PublicKey:
		sum := sha256.Sum256(digest)
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, sum[:], sig); err != nil {
			return fmt.Errorf("verifiers: rsa signature invalid: %w", err)
		}
		return nil
	case *ecdsa.PublicKey:
		sum := sha256.Sum256(digest)
		if !ecdsa.VerifyASN1(k, sum[:], sig) {
			return errors.New("verifiers: ecdsa signature invalid")
		}
		return nil
	default:
		return fmt.Errorf("verifiers: unsupported key type %T", v.key)
	}
}

// Cache is the caller-id -> Verifier mapping guarded by a single writer
// lock: verifiers are constructed at most once per caller-id over the
// frontend's lifetime.
type Cache struct {
	mu    sync.Mutex
	byID  map[string]Verifier
}

// NewCache constructs an empty verifier cache.
func NewCache() *Cache {
	return &Cache{byID: make(map[string]Verifier)}
}

// GetOrCreate returns the cached verifier for callerID, constructing and
// storing one from cert on first use. The lock is held only for the
// find/insert; the returned Verifier is safe to use without it.
func (c *Cache) GetOrCreate(callerID string, cert *x509.Certificate) (Verifier, error) {
	c.mu.Lock()
	if v, ok := c.byID[callerID]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := FromCertificate(cert)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.byID[callerID]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.byID[callerID] = v
	c.mu.Unlock()
	return v, nil
}

// FromCertificate builds a Verifier bound to cert's public key.
func FromCertificate(cert *x509.Certificate) (Verifier, error) {
	if cert == nil {
		return nil, errors.New("verifiers: certificate required")
	}
	switch cert.PublicKey.(type) {
	case ed25519.PublicKey, *rsa.PublicKey, *ecdsa.PublicKey:
		return pubKeyVerifier{key: cert.PublicKey}, nil
	default:
		return nil, fmt.Errorf("verifiers: unsupported key type %T", cert.PublicKey)
	}
}

// Evict removes a cached verifier, used when a caller's certificate is
// revoked and must be re-resolved on next use.
func (c *Cache) Evict(callerID string) {
	c.mu.Lock()
	delete(c.byID, callerID)
	c.mu.Unlock()
}

// Len reports the number of cached verifiers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

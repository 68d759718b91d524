package signature

import (
	"crypto/rsa"
	"sync"

	"github.com/juju/errors"

	"ocppmesh/internal/crypto"
)

// KeyStore maps key ids to trusted public keys.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]*rsa.PublicKey
}

func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]*rsa.PublicKey)}
}

// Add trusts a PKIX DER public key under its fingerprint, or under id when
// one is given, and returns the id used.
func (s *KeyStore) Add(id string, pub []byte) (string, error) {
	key, err := crypto.ParseRSAPublicKey(pub)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = crypto.KeyID(pub)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = key
	return id, nil
}

// AddFile trusts the hex encoded public key stored at path.
func (s *KeyStore) AddFile(id, path string) (string, error) {
	pub, err := crypto.LoadPublicKey(path)
	if err != nil {
		return "", errors.Annotatef(err, "trusting key %q", id)
	}
	return s.Add(id, pub)
}

func (s *KeyStore) Lookup(id string) (*rsa.PublicKey, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	return key, ok
}

func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

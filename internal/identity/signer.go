package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrBadSignature = errors.New("signature does not verify")
	ErrUnknownDID   = errors.New("no signing key for DID")
)

// Signer signs commit bytes on behalf of one account.
type Signer interface {
	DID() string
	Sign(data []byte) ([]byte, error)
}

// PublicKey verifies signatures produced by a Signer.
type PublicKey interface {
	Verify(data, sig []byte) error
}

// Resolver maps a DID to its currently valid signing key.
type Resolver interface {
	ResolveSigningKey(ctx context.Context, did string) (PublicKey, error)
}

// Ed25519PublicKey is a PublicKey backed by crypto/ed25519.
type Ed25519PublicKey ed25519.PublicKey

func (k Ed25519PublicKey) Verify(data, sig []byte) error {
	if len(k) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(k))
	}
	if !ed25519.Verify(ed25519.PublicKey(k), data, sig) {
		return ErrBadSignature
	}
	return nil
}

// KeySigner signs with an in-memory Ed25519 key.
type KeySigner struct {
	did  string
	priv ed25519.PrivateKey
}

func NewKeySigner(did string, priv ed25519.PrivateKey) *KeySigner {
	return &KeySigner{did: did, priv: priv}
}

func (s *KeySigner) DID() string { return s.did }

func (s *KeySigner) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

// PublicKey returns the verification half of the signer's key.
func (s *KeySigner) PublicKey() Ed25519PublicKey {
	return Ed25519PublicKey(s.priv.Public().(ed25519.PublicKey))
}

// KeyResolver resolves did:key DIDs, which carry their own public key.
type KeyResolver struct{}

func (KeyResolver) ResolveSigningKey(_ context.Context, did string) (PublicKey, error) {
	pub, err := DecodeDIDKey(did)
	if err != nil {
		return nil, err
	}
	return Ed25519PublicKey(pub), nil
}

// StaticResolver serves keys from a fixed table, falling back to Next for
// DIDs it does not know.
type StaticResolver struct {
	mu   sync.RWMutex
	keys map[string]PublicKey
	Next Resolver
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{keys: make(map[string]PublicKey)}
}

// Set registers key as the signing key for did, replacing any previous key.
func (r *StaticResolver) Set(did string, key PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[did] = key
}

func (r *StaticResolver) ResolveSigningKey(ctx context.Context, did string) (PublicKey, error) {
	r.mu.RLock()
	key, ok := r.keys[did]
	r.mu.RUnlock()
	if ok {
		return key, nil
	}
	if r.Next != nil {
		return r.Next.ResolveSigningKey(ctx, did)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDID, did)
}

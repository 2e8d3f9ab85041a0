// Package identity manages account signing keys. Keys are Ed25519 and
// accounts are named by self-certifying did:key DIDs, so the DID alone is
// enough to verify a commit signature.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/multiformats/go-multibase"
)

const didKeyPrefix = "did:key:"

// ed25519Multicodec is the varint multicodec prefix for Ed25519 public keys
// (0xED).
var ed25519Multicodec = []byte{0xed, 0x01}

var (
	ErrInvalidDIDKey = errors.New("invalid did:key")
	ErrInvalidKey    = errors.New("invalid key material")
)

// Identity holds an Ed25519 keypair and the derived DID. It is what gets
// persisted in the identity file.
type Identity struct {
	DID        string `json:"did"`
	PublicKey  string `json:"public_key"`  // base64, 32 bytes
	PrivateKey string `json:"private_key"` // base64, 32-byte seed
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return FromSeed(priv.Seed())
}

// FromSeed derives an identity from a 32-byte Ed25519 seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes", ErrInvalidKey, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		DID:        EncodeDIDKey(pub),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(seed),
	}, nil
}

// Load reads an identity file.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	if _, err := id.SigningKey(); err != nil {
		return nil, err
	}
	return &id, nil
}

// LoadOrCreate reads the identity at path, generating and persisting a new
// one when the file does not exist.
func LoadOrCreate(path string, logger *slog.Logger) (*Identity, error) {
	id, err := Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return id, err
	}
	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("generated new identity", slog.String("did", id.DID), slog.String("path", path))
	}
	return id, nil
}

// Save writes the identity to path with owner-only permissions.
func (id *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	return SafeWrite(path, data, 0o600)
}

// SigningKey returns the Ed25519 private key.
func (id *Identity) SigningKey() (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode seed: %v", ErrInvalidKey, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes", ErrInvalidKey, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// VerifyKey returns the Ed25519 public key.
func (id *Identity) VerifyKey() (ed25519.PublicKey, error) {
	pub, err := base64.StdEncoding.DecodeString(id.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode public key: %v", ErrInvalidKey, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(pub))
	}
	return ed25519.PublicKey(pub), nil
}

// Signer returns a Signer for this identity.
func (id *Identity) Signer() (*KeySigner, error) {
	priv, err := id.SigningKey()
	if err != nil {
		return nil, err
	}
	return NewKeySigner(id.DID, priv), nil
}

// EncodeDIDKey encodes a raw Ed25519 public key as did:key:z... (multicodec
// prefix, base58btc multibase).
func EncodeDIDKey(pub ed25519.PublicKey) string {
	prefixed := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	prefixed = append(prefixed, ed25519Multicodec...)
	prefixed = append(prefixed, pub...)
	encoded, _ := multibase.Encode(multibase.Base58BTC, prefixed)
	return didKeyPrefix + encoded
}

// DecodeDIDKey extracts the Ed25519 public key from a did:key DID.
func DecodeDIDKey(did string) (ed25519.PublicKey, error) {
	rest, ok := strings.CutPrefix(did, didKeyPrefix)
	if !ok || len(rest) < 2 || rest[0] != 'z' {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDIDKey, did)
	}
	enc, raw, err := multibase.Decode(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDIDKey, err)
	}
	if enc != multibase.Base58BTC {
		return nil, fmt.Errorf("%w: not base58btc", ErrInvalidDIDKey)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize ||
		raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrInvalidDIDKey)
	}
	return ed25519.PublicKey(raw[len(ed25519Multicodec):]), nil
}

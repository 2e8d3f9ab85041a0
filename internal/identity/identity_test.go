package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// Test vectors generated from Python nacl with deterministic seed bytes(range(32)).
const (
	testSeedB64   = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="
	testPubkeyB64 = "A6EHv/POEL4dcN0Y50vAmWfk1jCbpQ1fHdyGZBJVMbg="
	testDID       = "did:key:z6MkehRgf7yJbgaGfYsdoAsKdBPE3dj2CYhowQdcjqSJgvVd"
)

func testIdentity(t *testing.T) *Identity {
	t.Helper()
	seed, err := base64.StdEncoding.DecodeString(testSeedB64)
	if err != nil {
		t.Fatal(err)
	}
	id, err := FromSeed(seed)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	return id
}

func TestFromSeed_KnownVector(t *testing.T) {
	id := testIdentity(t)
	if id.DID != testDID {
		t.Errorf("DID mismatch\n  got:  %s\n  want: %s", id.DID, testDID)
	}
	if id.PublicKey != testPubkeyB64 {
		t.Errorf("public key got %s, want %s", id.PublicKey, testPubkeyB64)
	}
}

func TestDecodeDIDKey_KnownVector(t *testing.T) {
	pub, err := DecodeDIDKey(testDID)
	if err != nil {
		t.Fatalf("DecodeDIDKey: %v", err)
	}
	want, _ := base64.StdEncoding.DecodeString(testPubkeyB64)
	if !bytes.Equal(pub, want) {
		t.Fatalf("pubkey got %x, want %x", []byte(pub), want)
	}
}

func TestDID_RoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeDIDKey(EncodeDIDKey(pub))
	if err != nil {
		t.Fatalf("DecodeDIDKey round-trip: %v", err)
	}
	if !bytes.Equal(decoded, pub) {
		t.Fatalf("got %x, want %x", []byte(decoded), []byte(pub))
	}
}

func TestDecodeDIDKey_Invalid(t *testing.T) {
	for _, did := range []string{
		"bad:key:z123",
		"did:key:z",
		"did:key:z0OIl", // not in the base58btc alphabet
		"did:key:mAAEC", // base64 multibase
		"did:web:example.com",
	} {
		if _, err := DecodeDIDKey(did); !errors.Is(err, ErrInvalidDIDKey) {
			t.Errorf("%q: got %v, want ErrInvalidDIDKey", did, err)
		}
	}
}

func TestSigner_VerifiesThroughKeyResolver(t *testing.T) {
	id := testIdentity(t)
	signer, err := id.Signer()
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}

	msg := []byte("test message")
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	key, err := KeyResolver{}.ResolveSigningKey(context.Background(), signer.DID())
	if err != nil {
		t.Fatalf("ResolveSigningKey: %v", err)
	}
	if err := key.Verify(msg, sig); err != nil {
		t.Errorf("Verify: %v", err)
	}
	sig[0] ^= 0xff
	if err := key.Verify(msg, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered signature: got %v, want ErrBadSignature", err)
	}
}

func TestStaticResolver(t *testing.T) {
	id := testIdentity(t)
	signer, _ := id.Signer()

	r := NewStaticResolver()
	r.Set("did:example:alice", signer.PublicKey())

	if _, err := r.ResolveSigningKey(context.Background(), "did:example:alice"); err != nil {
		t.Fatalf("known DID: %v", err)
	}
	if _, err := r.ResolveSigningKey(context.Background(), "did:example:bob"); !errors.Is(err, ErrUnknownDID) {
		t.Fatalf("unknown DID: got %v", err)
	}

	r.Next = KeyResolver{}
	if _, err := r.ResolveSigningKey(context.Background(), testDID); err != nil {
		t.Fatalf("fallback to did:key: %v", err)
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.json")

	first, err := LoadOrCreate(path, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %o, want 0600", info.Mode().Perm())
	}

	second, err := LoadOrCreate(path, nil)
	if err != nil {
		t.Fatalf("LoadOrCreate again: %v", err)
	}
	if first.DID != second.DID {
		t.Errorf("identity changed across loads: %s vs %s", first.DID, second.DID)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreate(path, nil); err == nil {
		t.Error("expected error for corrupt identity file")
	}
}

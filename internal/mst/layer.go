package mst

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// MaxKeyLen bounds the byte length of a tree key.
const MaxKeyLen = 1024

// LayerForKey returns the tree layer of key: the number of leading zero
// 4-bit groups in sha256(key). This is a fixed protocol constant (fanout 16);
// changing it changes every root CID.
func LayerForKey(key string) int {
	digest := sha256.Sum256([]byte(key))
	layer := 0
	for _, b := range digest {
		if b == 0 {
			layer += 2
			continue
		}
		if b < 0x10 {
			layer++
		}
		break
	}
	return layer
}

// ValidateKey checks that key has the form collection/record-key, both
// halves non-empty and drawn from [A-Za-z0-9._~:-].
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLen {
		return fmt.Errorf("%w: length %d", ErrInvalidKey, len(key))
	}
	collection, rkey, ok := strings.Cut(key, "/")
	if !ok || collection == "" || rkey == "" || strings.Contains(rkey, "/") {
		return fmt.Errorf("%w: %q is not collection/rkey", ErrInvalidKey, key)
	}
	for i := 0; i < len(key); i++ {
		if key[i] != '/' && !validKeyChar(key[i]) {
			return fmt.Errorf("%w: %q has illegal byte %q", ErrInvalidKey, key, key[i])
		}
	}
	return nil
}

func validKeyChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '.', '-', '_', '~', ':':
		return true
	}
	return false
}

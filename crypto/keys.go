package crypto

import (
	"fmt"
	"os"
)

// LoadOrGenerateSignKeypair reads a raw 64-byte Ed25519 private key
// (stdlib seed+public encoding) from path, generating and persisting a
// fresh one if path does not exist.
func LoadOrGenerateSignKeypair(path string) (*SignKeypair, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		kp, genErr := NewSignKeypair()
		if genErr != nil {
			return nil, genErr
		}
		if writeErr := os.WriteFile(path, kp.Private[:], 0600); writeErr != nil {
			return nil, writeErr
		}
		return kp, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) != 64 {
		return nil, fmt.Errorf("crypto: %s: expected 64-byte signing key, got %d bytes", path, len(b))
	}
	kp := &SignKeypair{}
	copy(kp.Private[:], b)
	copy(kp.Public[:], b[32:])
	return kp, nil
}

// LoadOrGenerateDHKeypair reads a raw 32-byte X25519 private scalar
// from path, generating and persisting a fresh one if path does not
// exist.
func LoadOrGenerateDHKeypair(path string) (*DHKeypair, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		kp, genErr := NewDHKeypair()
		if genErr != nil {
			return nil, genErr
		}
		if writeErr := os.WriteFile(path, kp.Private[:], 0600); writeErr != nil {
			return nil, writeErr
		}
		return kp, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) != PrivateKeySize {
		return nil, fmt.Errorf("crypto: %s: expected %d-byte DH key, got %d bytes", path, PrivateKeySize, len(b))
	}
	kp := &DHKeypair{}
	copy(kp.Private[:], b)
	pub, err := dhPublicFromPrivate(kp.Private)
	if err != nil {
		return nil, err
	}
	kp.Public = pub
	return kp, nil
}

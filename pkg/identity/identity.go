// Package identity generates and verifies the relay's one fixed signature
// suite: Ed25519 key pairs encoded as lowercase hex. There is no
// multi-algorithm key abstraction here since the relay never negotiates
// a suite.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// KeyPair holds an Ed25519 key pair, both halves hex-encoded for wire and
// config use.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

// Generate creates a new Ed25519 key pair encoded as lowercase hex.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("identity: generate key pair: %w", err)
	}
	return KeyPair{
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv),
	}, nil
}

// Sign signs bytes with a hex-encoded Ed25519 private key, returning a
// hex-encoded signature.
func Sign(data []byte, hexPrivateKey string) (string, error) {
	priv, err := decodePrivateKey(hexPrivateKey)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, data)
	return hex.EncodeToString(sig), nil
}

// Verify reports whether hexSignature is a valid Ed25519 signature over data
// by the holder of hexPublicKey. Malformed hex or key/signature lengths
// return false rather than an error: callers treat verification failure of
// any kind identically.
func Verify(data []byte, hexSignature, hexPublicKey string) bool {
	pub, err := decodePublicKey(hexPublicKey)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(hexSignature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// SelfTest signs and verifies a fixed string against a candidate key pair,
// used by the REST registration handler to reject mismatched public/private
// keys before issuing a token.
const selfTestString = "agentrelay-keypair-selftest"

func SelfTest(hexPublicKey, hexPrivateKey string) bool {
	sig, err := Sign([]byte(selfTestString), hexPrivateKey)
	if err != nil {
		return false
	}
	return Verify([]byte(selfTestString), sig, hexPublicKey)
}

func decodePrivateKey(hexKey string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("identity: decode private key: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	return ed25519.PrivateKey(b), nil
}

func decodePublicKey(hexKey string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("identity: decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

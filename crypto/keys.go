package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	privateKeyPEMType = "PRIVATE KEY"
	fingerprintBytes  = 16
	fingerprintGroup  = 4
)

// EnsureX25519PrivateKey returns the identity key stored at path, creating
// one the first time.
func EnsureX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	key, err := LoadX25519PrivateKey(path)
	switch {
	case err == nil:
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	if key, err = GenerateX25519PrivateKey(); err != nil {
		return nil, err
	}
	if err := SaveX25519PrivateKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateX25519PrivateKey creates a fresh identity key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate identity key: %w", err)
	}
	return key, nil
}

// LoadX25519PrivateKey reads a PKCS#8 PEM identity key.
func LoadX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read identity key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != privateKeyPEMType {
		return nil, fmt.Errorf("crypto: %s holds no %q PEM block", path, privateKeyPEMType)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse identity key: %w", err)
	}
	key, ok := parsed.(*ecdh.PrivateKey)
	if !ok || key.Curve() != ecdh.X25519() {
		return nil, fmt.Errorf("crypto: %s is not an X25519 key", path)
	}
	return key, nil
}

// SaveX25519PrivateKey writes key as PKCS#8 PEM readable only by the owner.
// The file is replaced atomically.
func SaveX25519PrivateKey(path string, key *ecdh.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("crypto: encode identity key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("crypto: create key directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".identity-*.pem")
	if err != nil {
		return fmt.Errorf("crypto: stage identity key: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("crypto: restrict identity key: %w", err)
	}
	if err := pem.Encode(tmp, &pem.Block{Type: privateKeyPEMType, Bytes: der}); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("crypto: write identity key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("crypto: write identity key: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("crypto: install identity key: %w", err)
	}
	return nil
}

// EncodePublicKey returns the base64 form published in the roster.
func EncodePublicKey(key *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key.Bytes())
}

// ParsePublicKey parses a roster public key.
func ParsePublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("crypto: decode public key: %w", err)
	}
	key, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	return key, nil
}

// KeyFingerprint is the hex of the first 16 bytes of SHA-256 over the key.
func KeyFingerprint(key *ecdh.PublicKey) string {
	sum := sha256.Sum256(key.Bytes())
	return hex.EncodeToString(sum[:fingerprintBytes])
}

// FormatFingerprint upper-cases a fingerprint and splits it into groups of
// four characters for reading aloud.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.Join(strings.Fields(fingerprint), ""))
	groups := make([]string, 0, (len(clean)+fingerprintGroup-1)/fingerprintGroup)
	for len(clean) > fingerprintGroup {
		groups = append(groups, clean[:fingerprintGroup])
		clean = clean[fingerprintGroup:]
	}
	if clean != "" {
		groups = append(groups, clean)
	}
	return strings.Join(groups, " ")
}

// RosterFingerprint formats the fingerprint of a roster public key.
func RosterFingerprint(encoded string) (string, error) {
	key, err := ParsePublicKey(encoded)
	if err != nil {
		return "", err
	}
	return FormatFingerprint(KeyFingerprint(key)), nil
}

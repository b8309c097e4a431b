package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestEnsureX25519PrivateKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.pem")

	first, err := EnsureX25519PrivateKey(path)
	if err != nil {
		t.Fatalf("first EnsureX25519PrivateKey failed: %v", err)
	}
	second, err := EnsureX25519PrivateKey(path)
	if err != nil {
		t.Fatalf("second EnsureX25519PrivateKey failed: %v", err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatalf("expected stable private key across runs")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 key file, got %v", info.Mode().Perm())
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read key dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("staging files left behind: %v", entries)
	}
}

func TestLoadRejectsForeignKeys(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not pem"), 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if _, err := EnsureX25519PrivateKey(garbage); err == nil {
		t.Fatalf("expected error for a corrupt key file, not a silent replacement")
	}

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate P-256 key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(ecKey)
	if err != nil {
		t.Fatalf("marshal P-256 key: %v", err)
	}
	foreign := filepath.Join(dir, "p256.pem")
	if err := os.WriteFile(foreign, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write P-256 key: %v", err)
	}
	if _, err := LoadX25519PrivateKey(foreign); err == nil || !strings.Contains(err.Error(), "not an X25519 key") {
		t.Fatalf("expected curve mismatch error, got %v", err)
	}
}

func TestPublicKeyEncodingRoundTrip(t *testing.T) {
	key, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	encoded := EncodePublicKey(key.PublicKey())
	parsed, err := ParsePublicKey(encoded)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if !parsed.Equal(key.PublicKey()) {
		t.Fatalf("parsed key does not match")
	}

	if _, err := ParsePublicKey("not base64!"); err == nil {
		t.Fatalf("expected error for invalid encoding")
	}
	if _, err := ParsePublicKey("AAAA"); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestFingerprintFormatting(t *testing.T) {
	key, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	fingerprint := KeyFingerprint(key.PublicKey())
	if len(fingerprint) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(fingerprint))
	}

	formatted := FormatFingerprint(fingerprint)
	if strings.Count(formatted, " ") != 7 {
		t.Fatalf("expected 8 groups, got %q", formatted)
	}
	if FormatFingerprint("abcdef") != "ABCD EF" {
		t.Fatalf("unexpected short formatting: %q", FormatFingerprint("abcdef"))
	}
	if FormatFingerprint("ab cd") != "ABCD" {
		t.Fatalf("whitespace must be ignored: %q", FormatFingerprint("ab cd"))
	}
	if FormatFingerprint("") != "" {
		t.Fatalf("expected empty fingerprint to stay empty")
	}

	roster, err := RosterFingerprint(EncodePublicKey(key.PublicKey()))
	if err != nil {
		t.Fatalf("RosterFingerprint failed: %v", err)
	}
	if roster != formatted {
		t.Fatalf("roster fingerprint %q differs from %q", roster, formatted)
	}
	if _, err := RosterFingerprint("???"); err == nil {
		t.Fatalf("expected error for invalid roster key")
	}
}

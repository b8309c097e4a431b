// Package crypto provides identity keys and the per-conversation cipher used
// to produce message ciphertext.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"securechat/chat"
)

const (
	boxVersion     byte = 1
	sessionKeySize      = chacha20poly1305.KeySize
	kdfInfo             = "securechat/v1 conversation key"
)

var (
	// ErrDecrypt is returned when ciphertext fails authentication.
	ErrDecrypt = errors.New("crypto: message authentication failed")
	// ErrMalformed is returned for ciphertext that is too short or of an unknown version.
	ErrMalformed = errors.New("crypto: malformed ciphertext")
)

// ComputeSharedSecret runs X25519 between a local private key and a peer public key.
func ComputeSharedSecret(local *ecdh.PrivateKey, remote *ecdh.PublicKey) ([]byte, error) {
	if local == nil || remote == nil {
		return nil, errors.New("crypto: both keys are required")
	}
	secret, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// DeriveSessionKey expands a shared secret into the conversation key for
// two identities. Both sides derive the same key regardless of argument order.
func DeriveSessionKey(sharedSecret []byte, localID, remoteID string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("crypto: shared secret is required")
	}

	salt := []byte(chat.ConversationKey(localID, remoteID))
	reader := hkdf.New(sha256.New, sharedSecret, salt, []byte(kdfInfo))
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under a random nonce.
// The output is version || nonce || sealed.
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}

	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = boxVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(out, out[1:], plaintext, additionalData), nil
}

// Open reverses Seal.
func Open(key, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}
	if len(ciphertext) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformed
	}
	if ciphertext[0] != boxVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, ciphertext[0])
	}

	nonce := ciphertext[1 : 1+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, ciphertext[1+aead.NonceSize():], additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Box encrypts one conversation. Ciphertext is bound to the conversation key
// so it cannot be replayed into another conversation.
type Box struct {
	key []byte
	aad []byte
}

// NewBox derives the conversation cipher between self and peer.
func NewBox(local *ecdh.PrivateKey, localID string, remote *ecdh.PublicKey, remoteID string) (*Box, error) {
	secret, err := ComputeSharedSecret(local, remote)
	if err != nil {
		return nil, err
	}
	key, err := DeriveSessionKey(secret, localID, remoteID)
	if err != nil {
		return nil, err
	}
	return &Box{
		key: key,
		aad: []byte(chat.ConversationKey(localID, remoteID)),
	}, nil
}

// Encrypt implements chat.Crypto.
func (b *Box) Encrypt(plaintext []byte) ([]byte, error) {
	return Seal(b.key, plaintext, b.aad)
}

// Decrypt implements chat.Crypto.
func (b *Box) Decrypt(ciphertext []byte) ([]byte, error) {
	return Open(b.key, ciphertext, b.aad)
}

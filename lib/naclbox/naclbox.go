// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

// Package naclbox wraps the NaCl box construction (X25519 key
// agreement + XSalsa20-Poly1305 authenticated encryption) behind a
// small key-pair API.
//
// Sealed messages use the layout
//
//	nonce (24 bytes) || ciphertext (plaintext length + 16-byte MAC)
//
// with a fresh random nonce drawn per call, so the minimum valid
// sealed message is 40 bytes. Both peers hold an X25519 key pair;
// sealing uses the sender's private key and the recipient's public
// key, opening uses the recipient's private key and the sender's
// public key.
package naclbox

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of X25519 private and public keys.
	KeySize = 32

	// NonceSize is the length of the random nonce prefixed to every
	// sealed message.
	NonceSize = 24

	// Overhead is the length added to the plaintext by the
	// XSalsa20-Poly1305 MAC.
	Overhead = box.Overhead

	// minSealedSize is the smallest well-formed sealed message: a
	// nonce plus the MAC of an empty plaintext.
	minSealedSize = NonceSize + Overhead
)

var (
	ErrInvalidKeyLength     = errors.New("naclbox: key must be exactly 32 bytes")
	ErrKeyMismatch          = errors.New("naclbox: public key does not match private key")
	ErrTooShort             = errors.New("naclbox: sealed message too short")
	ErrAuthenticationFailed = errors.New("naclbox: decryption failed (wrong keys or tampered message)")
)

// PublicKey is a raw X25519 public key.
type PublicKey [KeySize]byte

// Base64 returns the standard base64 encoding of the key, the format
// used on the wire and in key files.
func (p PublicKey) Base64() string {
	return base64.StdEncoding.EncodeToString(p[:])
}

// Fingerprint returns a short hex digest of the key (first 8 bytes of
// its BLAKE3 hash) for pairing verification displays.
func (p PublicKey) Fingerprint() string {
	sum := blake3.Sum256(p[:])
	return hex.EncodeToString(sum[:8])
}

// KeyPair is an X25519 key pair. The zero value is not usable; build
// one with Generate, FromBytes, or FromBase64. A constructed pair
// always satisfies public == DerivePublicKey(private), and the fields
// cannot be modified afterwards.
type KeyPair struct {
	private [KeySize]byte
	public  [KeySize]byte
}

// Generate creates a new random key pair.
func Generate() (*KeyPair, error) {
	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("naclbox: generating key pair: %w", err)
	}
	return &KeyPair{private: *private, public: *public}, nil
}

// FromBytes builds a key pair from raw key material. Both keys must be
// exactly 32 bytes, and the public key must be the one derived from
// the private key; a pair that fails either check is rejected rather
// than silently accepted with a broken identity.
func FromBytes(private, public []byte) (*KeyPair, error) {
	if len(private) != KeySize || len(public) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	derived, err := DerivePublicKey(private)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(derived[:], public) {
		return nil, ErrKeyMismatch
	}
	pair := &KeyPair{}
	copy(pair.private[:], private)
	copy(pair.public[:], public)
	return pair, nil
}

// FromBase64 builds a key pair from base64-encoded key material, the
// storage format of key files.
func FromBase64(private, public string) (*KeyPair, error) {
	privateBytes, err := base64.StdEncoding.DecodeString(private)
	if err != nil {
		return nil, fmt.Errorf("naclbox: decoding private key: %w", err)
	}
	publicBytes, err := base64.StdEncoding.DecodeString(public)
	if err != nil {
		return nil, fmt.Errorf("naclbox: decoding public key: %w", err)
	}
	return FromBytes(privateBytes, publicBytes)
}

// DerivePublicKey computes the X25519 public key for a private key.
// The derivation is deterministic. Clamping happens inside the scalar
// multiplication; the private key bytes are used as stored.
func DerivePublicKey(private []byte) (PublicKey, error) {
	if len(private) != KeySize {
		return PublicKey{}, ErrInvalidKeyLength
	}
	derived, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, fmt.Errorf("naclbox: deriving public key: %w", err)
	}
	var public PublicKey
	copy(public[:], derived)
	return public, nil
}

// Public returns a copy of the public key.
func (k *KeyPair) Public() PublicKey {
	return k.public
}

// Bytes returns fresh copies of the raw private and public keys.
// Callers exporting the private key should zero their copy when done
// (lib/secret.Zero).
func (k *KeyPair) Bytes() (private, public []byte) {
	private = make([]byte, KeySize)
	public = make([]byte, KeySize)
	copy(private, k.private[:])
	copy(public, k.public[:])
	return private, public
}

// Base64 returns the base64 encoding of both keys, the storage format
// of key files.
func (k *KeyPair) Base64() (private, public string) {
	return base64.StdEncoding.EncodeToString(k.private[:]),
		base64.StdEncoding.EncodeToString(k.public[:])
}

// Equal reports whether both pairs hold identical key material. The
// comparison is not constant-time: pairs identify peers held locally,
// they are not verified against attacker-supplied input.
func (k *KeyPair) Equal(other *KeyPair) bool {
	if other == nil {
		return false
	}
	return k.private == other.private && k.public == other.public
}

// Seal encrypts plaintext from sender to recipient. The result is
// nonce || ciphertext with a fresh random nonce, so sealing the same
// plaintext twice never produces the same bytes. Empty plaintext is
// legal and seals to exactly 40 bytes.
func Seal(plaintext []byte, sender *KeyPair, recipient PublicKey) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("naclbox: generating nonce: %w", err)
	}
	recipientKey := [KeySize]byte(recipient)
	return box.Seal(nonce[:], plaintext, &nonce, &recipientKey, &sender.private), nil
}

// Open decrypts a sealed message from sender to recipient. Failure is
// deliberately opaque: a wrong key, a corrupted nonce, and a tampered
// ciphertext are indistinguishable and all return
// ErrAuthenticationFailed.
func Open(sealed []byte, recipient *KeyPair, sender PublicKey) ([]byte, error) {
	if len(sealed) < minSealedSize {
		return nil, ErrTooShort
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	senderKey := [KeySize]byte(sender)
	plaintext, ok := box.Open(nil, sealed[NonceSize:], &nonce, &senderKey, &recipient.private)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

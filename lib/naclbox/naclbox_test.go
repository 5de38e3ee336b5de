// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

package naclbox

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func generatePair(t *testing.T) *KeyPair {
	t.Helper()
	pair, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return pair
}

func TestGenerateDerivesMatchingPublicKey(t *testing.T) {
	t.Parallel()
	pair := generatePair(t)

	private, public := pair.Bytes()
	derived, err := DerivePublicKey(private)
	if err != nil {
		t.Fatalf("DerivePublicKey: %v", err)
	}
	if !bytes.Equal(derived[:], public) {
		t.Fatalf("derived public key %x does not match generated %x", derived, public)
	}
}

func TestDerivePublicKeyDeterministic(t *testing.T) {
	t.Parallel()
	private := make([]byte, KeySize)
	if _, err := rand.Read(private); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	first, err := DerivePublicKey(private)
	if err != nil {
		t.Fatalf("DerivePublicKey: %v", err)
	}
	second, err := DerivePublicKey(private)
	if err != nil {
		t.Fatalf("DerivePublicKey: %v", err)
	}
	if first != second {
		t.Fatalf("derivation not deterministic: %x vs %x", first, second)
	}
}

func TestDerivePublicKeyRejectsBadLength(t *testing.T) {
	t.Parallel()
	for _, size := range []int{0, 16, 31, 33, 64} {
		if _, err := DerivePublicKey(make([]byte, size)); !errors.Is(err, ErrInvalidKeyLength) {
			t.Errorf("DerivePublicKey with %d bytes: got %v, want ErrInvalidKeyLength", size, err)
		}
	}
}

func TestFromBytes(t *testing.T) {
	t.Parallel()
	pair := generatePair(t)
	private, public := pair.Bytes()

	rebuilt, err := FromBytes(private, public)
	if err != nil {
		t.Fatalf("FromBytes with valid material: %v", err)
	}
	if !rebuilt.Equal(pair) {
		t.Fatal("rebuilt pair does not equal the original")
	}
}

func TestFromBytesRejectsMismatchedPublic(t *testing.T) {
	t.Parallel()
	pair := generatePair(t)
	private, public := pair.Bytes()
	public[0] ^= 0x01

	if _, err := FromBytes(private, public); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("FromBytes with corrupted public key: got %v, want ErrKeyMismatch", err)
	}
}

func TestFromBytesRejectsBadLengths(t *testing.T) {
	t.Parallel()
	pair := generatePair(t)
	private, public := pair.Bytes()

	tests := []struct {
		name    string
		private []byte
		public  []byte
	}{
		{"short private", private[:31], public},
		{"long private", append(private, 0), public},
		{"short public", private, public[:31]},
		{"long public", private, append(public, 0)},
		{"nil private", nil, public},
		{"nil public", private, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := FromBytes(test.private, test.public); !errors.Is(err, ErrInvalidKeyLength) {
				t.Fatalf("FromBytes: got %v, want ErrInvalidKeyLength", err)
			}
		})
	}
}

func TestFromBase64RoundTrip(t *testing.T) {
	t.Parallel()
	pair := generatePair(t)
	private, public := pair.Base64()

	rebuilt, err := FromBase64(private, public)
	if err != nil {
		t.Fatalf("FromBase64: %v", err)
	}
	if !rebuilt.Equal(pair) {
		t.Fatal("rebuilt pair does not equal the original")
	}
}

func TestFromBase64RejectsInvalidEncoding(t *testing.T) {
	t.Parallel()
	pair := generatePair(t)
	private, public := pair.Base64()

	if _, err := FromBase64("not base64!!", public); err == nil {
		t.Fatal("FromBase64 accepted an invalid private key encoding")
	}
	if _, err := FromBase64(private, "not base64!!"); err == nil {
		t.Fatal("FromBase64 accepted an invalid public key encoding")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()
	alice := generatePair(t)
	bob := generatePair(t)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("hi")},
		{"json", []byte(`{"data":"ls -la\n"}`)},
		{"binary", bytes.Repeat([]byte{0x00, 0xff, 0x7f}, 100)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sealed, err := Seal(test.plaintext, alice, bob.Public())
			if err != nil {
				t.Fatalf("Seal: %v", err)
			}
			if got, want := len(sealed), NonceSize+len(test.plaintext)+Overhead; got != want {
				t.Fatalf("sealed length = %d, want %d", got, want)
			}

			opened, err := Open(sealed, bob, alice.Public())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if !bytes.Equal(opened, test.plaintext) {
				t.Fatalf("Open = %q, want %q", opened, test.plaintext)
			}
		})
	}
}

func TestSealOpenLargePayload(t *testing.T) {
	t.Parallel()
	alice := generatePair(t)
	bob := generatePair(t)

	plaintext := make([]byte, 10240)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	sealed, err := Seal(plaintext, alice, bob.Public())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := Open(sealed, bob, alice.Public())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatal("large payload did not roundtrip byte-for-byte")
	}
}

func TestSealProducesFreshNonce(t *testing.T) {
	t.Parallel()
	alice := generatePair(t)
	bob := generatePair(t)
	plaintext := []byte("same message twice")

	first, err := Seal(plaintext, alice, bob.Public())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	second, err := Seal(plaintext, alice, bob.Public())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatal("two seals of the same plaintext produced identical bytes")
	}

	for name, sealed := range map[string][]byte{"first": first, "second": second} {
		opened, err := Open(sealed, bob, alice.Public())
		if err != nil {
			t.Fatalf("Open %s seal: %v", name, err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Fatalf("%s seal opened to %q, want %q", name, opened, plaintext)
		}
	}
}

func TestOpenRejectsTamperedMessage(t *testing.T) {
	t.Parallel()
	alice := generatePair(t)
	bob := generatePair(t)

	sealed, err := Seal([]byte("integrity matters"), alice, bob.Public())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Corrupt one byte in each region of the sealed layout: the
	// nonce, the ciphertext body, and the trailing MAC.
	for _, position := range []int{0, NonceSize / 2, NonceSize, len(sealed) / 2, len(sealed) - 1} {
		tampered := bytes.Clone(sealed)
		tampered[position] ^= 0x01
		if _, err := Open(tampered, bob, alice.Public()); !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("Open with byte %d corrupted: got %v, want ErrAuthenticationFailed", position, err)
		}
	}
}

func TestOpenRejectsWrongKeys(t *testing.T) {
	t.Parallel()
	alice := generatePair(t)
	bob := generatePair(t)
	eve := generatePair(t)

	sealed, err := Seal([]byte("for bob only"), alice, bob.Public())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := Open(sealed, eve, alice.Public()); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Open with wrong recipient key: got %v, want ErrAuthenticationFailed", err)
	}
	if _, err := Open(sealed, bob, eve.Public()); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Open with wrong sender key: got %v, want ErrAuthenticationFailed", err)
	}
}

func TestOpenRejectsShortMessage(t *testing.T) {
	t.Parallel()
	alice := generatePair(t)
	bob := generatePair(t)

	for _, size := range []int{0, 1, NonceSize, minSealedSize - 1} {
		if _, err := Open(make([]byte, size), bob, alice.Public()); !errors.Is(err, ErrTooShort) {
			t.Errorf("Open with %d bytes: got %v, want ErrTooShort", size, err)
		}
	}
}

func TestKeyPairEqual(t *testing.T) {
	t.Parallel()
	alice := generatePair(t)
	bob := generatePair(t)

	if !alice.Equal(alice) {
		t.Fatal("pair does not equal itself")
	}
	if alice.Equal(bob) {
		t.Fatal("distinct pairs compare equal")
	}
	if alice.Equal(nil) {
		t.Fatal("pair equals nil")
	}
}

func TestBytesReturnsCopies(t *testing.T) {
	t.Parallel()
	pair := generatePair(t)

	private, public := pair.Bytes()
	private[0] ^= 0xff
	public[0] ^= 0xff

	privateAgain, publicAgain := pair.Bytes()
	if bytes.Equal(private, privateAgain) || bytes.Equal(public, publicAgain) {
		t.Fatal("mutating exported key bytes changed the pair")
	}
}

func TestPublicKeyBase64(t *testing.T) {
	t.Parallel()
	pair := generatePair(t)

	decoded, err := base64.StdEncoding.DecodeString(pair.Public().Base64())
	if err != nil {
		t.Fatalf("decoding Base64 output: %v", err)
	}
	public := pair.Public()
	if !bytes.Equal(decoded, public[:]) {
		t.Fatal("Base64 does not encode the raw public key")
	}
}

func TestPublicKeyFingerprint(t *testing.T) {
	t.Parallel()
	alice := generatePair(t)
	bob := generatePair(t)

	fingerprint := alice.Public().Fingerprint()
	if len(fingerprint) != 16 {
		t.Fatalf("Fingerprint length = %d, want 16", len(fingerprint))
	}
	if fingerprint != strings.ToLower(fingerprint) {
		t.Fatal("Fingerprint is not lowercase hex")
	}
	if fingerprint != alice.Public().Fingerprint() {
		t.Fatal("Fingerprint is not stable")
	}
	if fingerprint == bob.Public().Fingerprint() {
		t.Fatal("distinct keys produced the same fingerprint")
	}
}

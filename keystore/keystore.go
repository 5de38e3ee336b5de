// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore persists naclbox key pairs as passphrase-encrypted
// files. The file body is an age ciphertext (scrypt recipient) whose
// plaintext is a small JSON document holding the base64 key pair, so
// a key file at rest is useless without its passphrase.
package keystore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/HuaMick/myagents-relay/lib/naclbox"
	"github.com/HuaMick/myagents-relay/lib/secret"
)

// defaultWorkFactor is the scrypt cost exponent (N = 2^18) used when
// the caller does not choose one. Tests pass a small factor; the
// default is sized for interactive keygen.
const defaultWorkFactor = 18

// maxWorkFactor is age's upper bound; beyond it SetWorkFactor panics.
const maxWorkFactor = 30

// keyFile is the JSON plaintext inside the age ciphertext.
type keyFile struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// Save writes keys to path, encrypted under passphrase with an scrypt
// work factor of 2^workFactor (values ≤ 0 select the default). The
// file is created 0600, with missing parent directories created 0700.
// The JSON plaintext is zeroed once sealed.
func Save(path string, keys *naclbox.KeyPair, passphrase []byte, workFactor int) error {
	if workFactor <= 0 {
		workFactor = defaultWorkFactor
	}
	if workFactor > maxWorkFactor {
		return fmt.Errorf("keystore: work factor %d exceeds maximum %d", workFactor, maxWorkFactor)
	}

	privateKey, publicKey := keys.Base64()
	plaintext, err := json.Marshal(keyFile{PrivateKey: privateKey, PublicKey: publicKey})
	if err != nil {
		return fmt.Errorf("keystore: encoding key file: %w", err)
	}
	defer secret.Zero(plaintext)

	// age takes the passphrase as a string; the heap copy is brief
	// and call-scoped.
	recipient, err := age.NewScryptRecipient(string(passphrase))
	if err != nil {
		return fmt.Errorf("keystore: building scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(workFactor)

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return fmt.Errorf("keystore: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("keystore: sealing key file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("keystore: finalizing age encryption: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("keystore: creating key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, ciphertext.Bytes(), 0o600); err != nil {
		return fmt.Errorf("keystore: writing key file: %w", err)
	}
	return nil
}

// Load reads and decrypts the key file at path. A wrong passphrase
// and a corrupt file both surface as a wrapped age error. The decoded
// pair is re-validated: a file whose public key does not derive from
// its private key is rejected.
func Load(path string, passphrase []byte) (*naclbox.KeyPair, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: reading key file: %w", err)
	}

	identity, err := age.NewScryptIdentity(string(passphrase))
	if err != nil {
		return nil, fmt.Errorf("keystore: building scrypt identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypting %s: %w", path, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypting %s: %w", path, err)
	}
	defer secret.Zero(plaintext)

	var file keyFile
	if err := json.Unmarshal(plaintext, &file); err != nil {
		return nil, fmt.Errorf("keystore: decoding key file %s: %w", path, err)
	}
	keys, err := naclbox.FromBase64(file.PrivateKey, file.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: %s holds an invalid key pair: %w", path, err)
	}
	return keys, nil
}

// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HuaMick/myagents-relay/lib/naclbox"
)

var (
	// ErrMissingField is returned when a wire envelope omits (or
	// leaves empty) one of its four required fields.
	ErrMissingField = errors.New("relay: envelope is missing a required field")

	// ErrInvalidSenderKey is returned when the sender_public_key field
	// does not decode to exactly 32 bytes.
	ErrInvalidSenderKey = errors.New("relay: sender public key must be exactly 32 bytes")

	// ErrDecryptionFailed is returned by Open when the sealed payload
	// does not authenticate under the given keys.
	ErrDecryptionFailed = errors.New("relay: envelope decryption failed")

	// ErrMalformedPayload is returned by Open when decryption succeeds
	// but the plaintext is not the expected JSON.
	ErrMalformedPayload = errors.New("relay: decrypted payload is not valid JSON")
)

// Envelope is one protocol message: a sealed payload plus the
// cleartext routing metadata the relay is allowed to see. Payload
// always holds encrypted bytes (nonce || ciphertext); plaintext never
// appears on the wire. Envelopes are shared across subscriber
// channels — treat them as immutable.
type Envelope struct {
	Type            MessageType
	Payload         []byte
	SenderPublicKey naclbox.PublicKey
	Timestamp       time.Time
}

// Seal encrypts payload's JSON encoding from ourKeys to recipientKeys
// and wraps it in an envelope stamped with our public key and the
// current UTC time.
func Seal(messageType MessageType, payload any, ourKeys, recipientKeys *naclbox.KeyPair) (*Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("relay: encoding payload: %w", err)
	}
	sealed, err := naclbox.Seal(plaintext, ourKeys, recipientKeys.Public())
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:            messageType,
		Payload:         sealed,
		SenderPublicKey: ourKeys.Public(),
		Timestamp:       time.Now().UTC(),
	}, nil
}

// Open decrypts the sealed payload with our private key and the
// sender's public key, then decodes the plaintext JSON into payload.
// Decryption uses the keys the caller pairs with, not the envelope's
// self-declared sender key: a forged header cannot redirect
// authentication.
func (e *Envelope) Open(ourKeys, senderKeys *naclbox.KeyPair, payload any) error {
	plaintext, err := naclbox.Open(e.Payload, ourKeys, senderKeys.Public())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	if err := json.Unmarshal(plaintext, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return nil
}

// wireEnvelope is the JSON shape envelopes take on the WebSocket.
// All four fields are required; the payload and sender key are
// standard base64, the timestamp is RFC 3339 UTC.
type wireEnvelope struct {
	Type            string `json:"type"`
	Payload         string `json:"payload"`
	SenderPublicKey string `json:"sender_public_key"`
	Timestamp       string `json:"timestamp"`
}

var (
	_ json.Marshaler   = (*Envelope)(nil)
	_ json.Unmarshaler = (*Envelope)(nil)
)

// MarshalJSON encodes the envelope in its wire shape.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	name, ok := messageTypeWireNames[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, int(e.Type))
	}
	return json.Marshal(wireEnvelope{
		Type:            name,
		Payload:         base64.StdEncoding.EncodeToString(e.Payload),
		SenderPublicKey: e.SenderPublicKey.Base64(),
		Timestamp:       e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON decodes an envelope from its wire shape, validating
// every field. Malformed input of any kind returns an error; it never
// panics, because the bytes come straight from the network.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("relay: decoding envelope: %w", err)
	}

	// No legal envelope has an empty field, so empty and absent are
	// rejected alike.
	for _, field := range []struct {
		name  string
		value string
	}{
		{"type", wire.Type},
		{"payload", wire.Payload},
		{"sender_public_key", wire.SenderPublicKey},
		{"timestamp", wire.Timestamp},
	} {
		if field.value == "" {
			return fmt.Errorf("%w: %q", ErrMissingField, field.name)
		}
	}

	messageType, err := ParseMessageType(wire.Type)
	if err != nil {
		return err
	}

	payload, err := base64.StdEncoding.DecodeString(wire.Payload)
	if err != nil {
		return fmt.Errorf("relay: decoding payload: %w", err)
	}

	senderKey, err := base64.StdEncoding.DecodeString(wire.SenderPublicKey)
	if err != nil {
		return fmt.Errorf("relay: decoding sender public key: %w", err)
	}
	if len(senderKey) != naclbox.KeySize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidSenderKey, len(senderKey))
	}

	timestamp, err := time.Parse(time.RFC3339, wire.Timestamp)
	if err != nil {
		return fmt.Errorf("relay: parsing timestamp: %w", err)
	}

	e.Type = messageType
	e.Payload = payload
	copy(e.SenderPublicKey[:], senderKey)
	e.Timestamp = timestamp
	return nil
}

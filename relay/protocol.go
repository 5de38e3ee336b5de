// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the client side of an end-to-end encrypted
// relay protocol. Two paired peers — a controlling client and a remote
// agent — exchange typed JSON envelopes through an untrusted WebSocket
// relay server; every payload is sealed with NaCl box (lib/naclbox)
// before it leaves the process, so the relay sees only ciphertext.
//
// The package is organized around the protocol data flow:
//
//   - protocol.go: message types and the payload structs they carry
//   - envelope.go: the sealed envelope and its JSON wire format
//   - state.go: the guarded connection state machine
//   - client.go: the WebSocket client with reconnect and fan-out
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies what an envelope's sealed payload contains.
// The set is closed: an envelope with a type name outside this table
// is rejected during decode, never passed through with a default.
type MessageType int

const (
	// MessageTypeTerminalInput carries keyboard bytes from the client
	// to the agent's terminal.
	MessageTypeTerminalInput MessageType = iota

	// MessageTypeTerminalOutput carries terminal output bytes from the
	// agent back to the client.
	MessageTypeTerminalOutput

	// MessageTypeResize announces the client's terminal dimensions.
	MessageTypeResize

	// MessageTypePairingRequest introduces the client's public key to
	// the agent at the start of a session.
	MessageTypePairingRequest

	// MessageTypeVoiceAudioFrame carries one frame of recorded audio.
	MessageTypeVoiceAudioFrame

	// MessageTypeVoiceTranscript carries an incremental or final
	// speech-to-text result.
	MessageTypeVoiceTranscript

	// MessageTypeVoiceControl starts, stops, or cancels a voice
	// exchange.
	MessageTypeVoiceControl

	// MessageTypeVoiceStatus reports the agent's voice pipeline state.
	MessageTypeVoiceStatus
)

// messageTypeWireNames is the authoritative mapping between enum
// values and the names that appear in envelope JSON. The reverse map
// is derived from it so the two directions cannot drift apart.
var messageTypeWireNames = map[MessageType]string{
	MessageTypeTerminalInput:   "terminal_input",
	MessageTypeTerminalOutput:  "terminal_output",
	MessageTypeResize:          "resize",
	MessageTypePairingRequest:  "pairing_request",
	MessageTypeVoiceAudioFrame: "voice.audio_frame",
	MessageTypeVoiceTranscript: "voice.transcript",
	MessageTypeVoiceControl:    "voice.control",
	MessageTypeVoiceStatus:     "voice.status",
}

var messageTypesByWireName = func() map[string]MessageType {
	byName := make(map[string]MessageType, len(messageTypeWireNames))
	for messageType, name := range messageTypeWireNames {
		byName[name] = messageType
	}
	return byName
}()

// ErrUnknownMessageType is returned when a wire name or enum value
// falls outside the closed message type set.
var ErrUnknownMessageType = errors.New("relay: unknown message type")

// String returns the wire name, or "unknown(N)" for values outside
// the closed set.
func (t MessageType) String() string {
	if name, ok := messageTypeWireNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// ParseMessageType maps a wire name to its MessageType. Unknown names
// are a hard error: silently defaulting would let a peer smuggle an
// unhandled payload past type dispatch.
func ParseMessageType(name string) (MessageType, error) {
	messageType, ok := messageTypesByWireName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMessageType, name)
	}
	return messageType, nil
}

// MarshalJSON encodes the type as its wire name.
func (t MessageType) MarshalJSON() ([]byte, error) {
	name, ok := messageTypeWireNames[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, int(t))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a wire name into the type.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("relay: message type must be a JSON string: %w", err)
	}
	parsed, err := ParseMessageType(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Payload structs, one per message type. An envelope's payload is the
// sealed JSON encoding of the struct matching its Type; receivers
// switch on Envelope.Type and decode into the corresponding struct.

// TerminalInputPayload carries keyboard bytes, UTF-8 passed through
// as-is (control sequences included).
type TerminalInputPayload struct {
	Data string `json:"data"`
}

// TerminalOutputPayload carries raw terminal output, escape sequences
// and all.
type TerminalOutputPayload struct {
	Data string `json:"data"`
}

// ResizePayload carries terminal dimensions in character cells.
type ResizePayload struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// PairingRequestPayload introduces the sender's public key (base64)
// so the agent can address replies.
type PairingRequestPayload struct {
	ClientPublicKey string `json:"client_public_key"`
}

// VoiceAudioFramePayload carries one frame of encoded audio. The
// bytes are opaque to the protocol; encoding/json transports them as
// base64 inside the sealed plaintext.
type VoiceAudioFramePayload struct {
	Data []byte `json:"data"`
}

// VoiceTranscriptPayload carries a speech-to-text result. Partial
// results stream with IsFinal false; the closing result sets it.
type VoiceTranscriptPayload struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"is_final"`
}

// VoiceAction is a voice session control verb.
type VoiceAction string

const (
	VoiceActionStart  VoiceAction = "start"
	VoiceActionStop   VoiceAction = "stop"
	VoiceActionCancel VoiceAction = "cancel"
)

// VoiceControlPayload starts, stops, or cancels a voice exchange.
type VoiceControlPayload struct {
	Action VoiceAction `json:"action"`
}

// VoiceStatus describes the agent's voice pipeline state.
type VoiceStatus string

const (
	VoiceStatusReady      VoiceStatus = "ready"
	VoiceStatusProcessing VoiceStatus = "processing"
	VoiceStatusError      VoiceStatus = "error"
)

// VoiceStatusPayload reports the agent's voice pipeline state, with a
// human-readable message for the error case.
type VoiceStatusPayload struct {
	Status  VoiceStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

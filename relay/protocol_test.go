// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"errors"
	"testing"
)

// wireNameTable pins the enum-to-wire-name mapping. A renamed
// constant or edited map shows up here as a protocol break.
var wireNameTable = []struct {
	messageType MessageType
	wireName    string
}{
	{MessageTypeTerminalInput, "terminal_input"},
	{MessageTypeTerminalOutput, "terminal_output"},
	{MessageTypeResize, "resize"},
	{MessageTypePairingRequest, "pairing_request"},
	{MessageTypeVoiceAudioFrame, "voice.audio_frame"},
	{MessageTypeVoiceTranscript, "voice.transcript"},
	{MessageTypeVoiceControl, "voice.control"},
	{MessageTypeVoiceStatus, "voice.status"},
}

func TestMessageTypeString(t *testing.T) {
	t.Parallel()
	for _, test := range wireNameTable {
		if got := test.messageType.String(); got != test.wireName {
			t.Errorf("%d.String(): got %q, want %q", int(test.messageType), got, test.wireName)
		}
	}
	if got := MessageType(99).String(); got != "unknown(99)" {
		t.Errorf("String() for out-of-range value: got %q, want %q", got, "unknown(99)")
	}
}

func TestParseMessageType(t *testing.T) {
	t.Parallel()
	for _, test := range wireNameTable {
		got, err := ParseMessageType(test.wireName)
		if err != nil {
			t.Fatalf("ParseMessageType(%q): %v", test.wireName, err)
		}
		if got != test.messageType {
			t.Errorf("ParseMessageType(%q): got %v, want %v", test.wireName, got, test.messageType)
		}
	}
}

func TestParseMessageTypeUnknown(t *testing.T) {
	t.Parallel()
	names := []string{
		"",
		"bogus",
		"TERMINAL_INPUT",
		"terminal input",
		"voice.audioframe",
	}
	for _, name := range names {
		_, err := ParseMessageType(name)
		if !errors.Is(err, ErrUnknownMessageType) {
			t.Errorf("ParseMessageType(%q): got %v, want ErrUnknownMessageType", name, err)
		}
	}
}

func TestMessageTypeJSONRoundTrip(t *testing.T) {
	t.Parallel()
	for _, test := range wireNameTable {
		data, err := json.Marshal(test.messageType)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", test.messageType, err)
		}
		if want := `"` + test.wireName + `"`; string(data) != want {
			t.Errorf("Marshal(%v): got %s, want %s", test.messageType, data, want)
		}

		var got MessageType
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal(%s): %v", data, err)
		}
		if got != test.messageType {
			t.Errorf("Unmarshal(%s): got %v, want %v", data, got, test.messageType)
		}
	}
}

func TestMessageTypeMarshalOutOfRange(t *testing.T) {
	t.Parallel()
	_, err := json.Marshal(MessageType(42))
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("Marshal of out-of-range value: got %v, want ErrUnknownMessageType", err)
	}
}

func TestMessageTypeUnmarshalRejectsBadInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
	}{
		{"unknown name", `"bogus"`},
		{"number", `42`},
		{"object", `{"type":"resize"}`},
		{"empty string", `""`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			var got MessageType
			if err := json.Unmarshal([]byte(test.input), &got); err == nil {
				t.Fatalf("Unmarshal(%s): expected error, got %v", test.input, got)
			}
		})
	}
}

// TestPayloadWireShapes pins the JSON field names each payload struct
// puts inside the sealed plaintext. Both peers must agree on these.
func TestPayloadWireShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{
			name:    "terminal input",
			payload: TerminalInputPayload{Data: "ls -la\n"},
			want:    `{"data":"ls -la\n"}`,
		},
		{
			// encoding/json escapes the raw ESC control byte as \u001b.
			name:    "terminal output",
			payload: TerminalOutputPayload{Data: "\x1b[31mrow\x1b[0m"},
			want:    `{"data":"\u001b[31mrow\u001b[0m"}`,
		},
		{
			name:    "resize",
			payload: ResizePayload{Rows: 43, Cols: 132},
			want:    `{"rows":43,"cols":132}`,
		},
		{
			name:    "pairing request",
			payload: PairingRequestPayload{ClientPublicKey: "a2V5"},
			want:    `{"client_public_key":"a2V5"}`,
		},
		{
			name:    "voice audio frame",
			payload: VoiceAudioFramePayload{Data: []byte{0x01, 0x02, 0x03}},
			want:    `{"data":"AQID"}`,
		},
		{
			name:    "voice transcript partial",
			payload: VoiceTranscriptPayload{Transcript: "open the", IsFinal: false},
			want:    `{"transcript":"open the","is_final":false}`,
		},
		{
			name:    "voice control",
			payload: VoiceControlPayload{Action: VoiceActionStart},
			want:    `{"action":"start"}`,
		},
		{
			name:    "voice status without message",
			payload: VoiceStatusPayload{Status: VoiceStatusReady},
			want:    `{"status":"ready"}`,
		},
		{
			name:    "voice status with message",
			payload: VoiceStatusPayload{Status: VoiceStatusError, Message: "no microphone"},
			want:    `{"status":"error","message":"no microphone"}`,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			data, err := json.Marshal(test.payload)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(data) != test.want {
				t.Errorf("got %s, want %s", data, test.want)
			}
		})
	}
}

// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/HuaMick/myagents-relay/keystore"
	"github.com/HuaMick/myagents-relay/lib/naclbox"
	"github.com/HuaMick/myagents-relay/lib/secret"
	"github.com/HuaMick/myagents-relay/relay"
)

// detachByte is Ctrl-], the telnet escape. Raw mode passes Ctrl-C
// through to the agent, so detaching needs a key of its own.
const detachByte = 0x1d

// pairingCodeLength is the exact length of a relay pairing code.
const pairingCodeLength = 6

// attachOptions are the resolved inputs for an attach session after
// flags and the config file are merged.
type attachOptions struct {
	relayHost   string
	pairingCode string
	keyFile     string
	peerKeyFile string
}

// withConfig fills unset options from the config file. Flag values
// win. The pairing code is per-session and never comes from a file.
func (o attachOptions) withConfig(config *Config) attachOptions {
	if o.relayHost == "" {
		o.relayHost = config.RelayHost
	}
	if o.keyFile == "" {
		o.keyFile = config.KeyFile
	}
	if o.peerKeyFile == "" {
		o.peerKeyFile = config.PeerKeyFile
	}
	return o
}

func (o attachOptions) validate() error {
	if o.relayHost == "" {
		return fmt.Errorf("attach: --relay is required (or relay_host in a config file)")
	}
	if o.pairingCode == "" {
		return fmt.Errorf("attach: --code is required")
	}
	if o.keyFile == "" {
		return fmt.Errorf("attach: --key is required (or key_file in a config file)")
	}
	if o.peerKeyFile == "" {
		return fmt.Errorf("attach: --peer-key is required (or peer_key_file in a config file)")
	}
	return nil
}

// normalizePairingCode uppercases the code and checks its shape:
// exactly six ASCII letters or digits. Validation lives here at the
// CLI edge; the protocol itself treats the code as opaque.
func normalizePairingCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != pairingCodeLength {
		return "", fmt.Errorf("pairing code must be exactly %d characters", pairingCodeLength)
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("pairing code must be letters and digits only, got %q", raw)
		}
	}
	return code, nil
}

func runAttach(args []string) error {
	flagSet := pflag.NewFlagSet("attach", pflag.ContinueOnError)
	relayHost := flagSet.String("relay", "", "relay server host, e.g. relay.example.com")
	pairingCode := flagSet.String("code", "", "pairing code shown by the agent")
	keyFile := flagSet.String("key", "", "path to this client's encrypted key pair")
	peerKeyFile := flagSet.String("peer-key", "", "path to the agent's encrypted key pair")
	configFile := flagSet.String("config", "", "path to a YAML config file")
	passphraseFile := flagSet.String("passphrase-file", "", `read the key passphrase from this file ("-" for stdin)`)
	verbose := flagSet.Bool("verbose", false, "log connection details to stderr")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	options := attachOptions{
		relayHost:   *relayHost,
		pairingCode: *pairingCode,
		keyFile:     *keyFile,
		peerKeyFile: *peerKeyFile,
	}
	if *configFile != "" {
		config, err := loadConfig(*configFile)
		if err != nil {
			return err
		}
		options = options.withConfig(config)
	}
	if err := options.validate(); err != nil {
		return err
	}

	code, err := normalizePairingCode(options.pairingCode)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	// A --passphrase-file is read once and shared across both key
	// files; "-" reads from stdin, which cannot be consumed twice.
	var passphrase *secret.Buffer
	if *passphraseFile != "" {
		passphrase, err = secret.ReadFromPath(*passphraseFile)
		if err != nil {
			return err
		}
		defer passphrase.Close()
	}

	ourKeys, err := loadKeyPair(options.keyFile, passphrase)
	if err != nil {
		return err
	}
	peerKeys, err := loadKeyPair(options.peerKeyFile, passphrase)
	if err != nil {
		return err
	}

	return attach(options.relayHost, code, ourKeys, peerKeys, *verbose)
}

// loadKeyPair decrypts one key file, prompting for its passphrase
// unless a shared one was supplied via --passphrase-file.
func loadKeyPair(path string, passphrase *secret.Buffer) (*naclbox.KeyPair, error) {
	if passphrase != nil {
		return keystore.Load(path, passphrase.Bytes())
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return nil, fmt.Errorf("no terminal available for passphrase prompt (use --passphrase-file)")
	}

	fmt.Fprintf(os.Stderr, "Passphrase for %s: ", path)
	passphraseBytes, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}

	prompted, err := secret.NewFromBytes(passphraseBytes)
	if err != nil {
		secret.Zero(passphraseBytes)
		return nil, err
	}
	defer prompted.Close()

	return keystore.Load(path, prompted.Bytes())
}

// attach runs one terminal bridge session: connect, pair, then relay
// bytes both ways until the user detaches with Ctrl-] or the relay
// gives up reconnecting.
func attach(relayHost, pairingCode string, ourKeys, peerKeys *naclbox.KeyPair, verbose bool) error {
	client := relay.NewClient(relay.ClientConfig{Logger: newAttachLogger(verbose)})
	defer client.Close()
	client.SetKeys(ourKeys, peerKeys)

	outputs, cancelOutputs := client.SubscribeType(relay.MessageTypeTerminalOutput)
	defer cancelOutputs()

	// Observer callbacks run under the state machine's lock; hand
	// each change to the select loop instead of printing inline.
	stateChanges := make(chan relay.StateChange, 16)
	removeObserver := client.OnStateChange(func(change relay.StateChange) {
		select {
		case stateChanges <- change:
		default:
		}
	})
	defer removeObserver()

	ctx := context.Background()
	if err := client.Connect(ctx, relayHost, pairingCode); err != nil {
		return err
	}
	if err := client.SendPairingRequest(ctx); err != nil {
		return err
	}

	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("set terminal raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChannel
		term.Restore(stdinFd, oldState)
		client.Close()
		os.Exit(0)
	}()

	// Announce the terminal size now and after every SIGWINCH so the
	// remote pty tracks the local window.
	resizeSignals := make(chan os.Signal, 1)
	signal.Notify(resizeSignals, syscall.SIGWINCH)
	defer signal.Stop(resizeSignals)
	sendSize := func() {
		width, height, sizeErr := term.GetSize(stdinFd)
		if sizeErr != nil {
			return
		}
		_ = client.SendResize(ctx, height, width)
	}
	sendSize()
	go func() {
		for range resizeSignals {
			sendSize()
		}
	}()

	fmt.Fprintf(os.Stderr, "attached to %s (detach with Ctrl-])\r\n", relayHost)

	detached := make(chan error, 1)
	go func() {
		detached <- forwardInput(ctx, client)
	}()

	linkDown := false
	for {
		select {
		case err := <-detached:
			fmt.Fprint(os.Stderr, "\r\ndetached\r\n")
			return err

		case envelope, ok := <-outputs:
			if !ok {
				return nil
			}
			var output relay.TerminalOutputPayload
			if err := envelope.Open(ourKeys, peerKeys, &output); err != nil {
				fmt.Fprintf(os.Stderr, "\r\n[myagents-term] dropping output that failed authentication: %v\r\n", err)
				continue
			}
			if _, err := os.Stdout.WriteString(output.Data); err != nil {
				return err
			}

		case change := <-stateChanges:
			switch {
			case change.State == relay.StateReconnecting:
				linkDown = true
				fmt.Fprint(os.Stderr, "\r\n[myagents-term] connection lost, reconnecting...\r\n")
			case change.State == relay.StateError:
				linkDown = true
				fmt.Fprintf(os.Stderr, "\r\n[myagents-term] %s\r\n", change.ErrorMessage)
			case change.State == relay.StateConnected && linkDown:
				// The agent may have restarted its session while we
				// were away: reintroduce our key and current size.
				linkDown = false
				_ = client.SendPairingRequest(ctx)
				sendSize()
				fmt.Fprint(os.Stderr, "\r\n[myagents-term] reconnected\r\n")
			}

		case err := <-client.Errors():
			if errors.Is(err, relay.ErrMaxReconnectAttempts) {
				return err
			}
			if verbose {
				fmt.Fprintf(os.Stderr, "\r\n[myagents-term] %v\r\n", err)
			}
		}
	}
}

// forwardInput copies stdin to the agent until the detach byte
// appears or stdin closes. Bytes typed while the link is down are
// dropped rather than queued; the status line reports the outage.
func forwardInput(ctx context.Context, client *relay.Client) error {
	buffer := make([]byte, 4096)
	for {
		n, readErr := os.Stdin.Read(buffer)
		if n > 0 {
			chunk := buffer[:n]
			if cut := bytes.IndexByte(chunk, detachByte); cut >= 0 {
				if cut > 0 {
					_ = client.SendTerminalInput(ctx, string(chunk[:cut]))
				}
				return nil
			}
			if err := client.SendTerminalInput(ctx, string(chunk)); err != nil {
				if errors.Is(err, relay.ErrClientClosed) {
					return nil
				}
				if !errors.Is(err, relay.ErrNotConnected) {
					return err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

// newAttachLogger builds the relay client's logger. Text or JSON
// output follows whether stderr is a terminal; --verbose lowers the
// level to Debug. The Warn default keeps the raw-mode display clean.
func newAttachLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

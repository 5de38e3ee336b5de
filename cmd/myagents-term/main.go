// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

// myagents-term is the terminal client for the encrypted relay. It
// generates and stores the client's X25519 key pair, and attaches the
// local terminal to a remote agent session: keystrokes are encrypted
// and forwarded over the relay WebSocket, agent output is decrypted
// and written to stdout.
//
// Usage:
//
//	myagents-term keygen --out FILE [--force]
//	myagents-term attach --relay HOST --code CODE --key FILE --peer-key FILE
//	myagents-term version
package main

import (
	"fmt"
	"os"

	"github.com/HuaMick/myagents-relay/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "keygen":
		return runKeygen(os.Args[2:])
	case "attach":
		return runAttach(os.Args[2:])
	case "version", "--version":
		fmt.Printf("myagents-term %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: myagents-term <subcommand> [flags]

Subcommands:
  keygen      Generate an encrypted key pair for this client
  attach      Attach the local terminal to an agent session
  version     Print version information

Run 'myagents-term <subcommand> --help' for subcommand flags.
`)
}

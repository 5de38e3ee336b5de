// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/HuaMick/myagents-relay/keystore"
	"github.com/HuaMick/myagents-relay/lib/naclbox"
	"github.com/HuaMick/myagents-relay/lib/secret"
)

// runKeygen generates a fresh X25519 key pair, encrypts it under a
// passphrase prompted from the terminal, and writes it to --out. The
// public half is printed so it can be handed to the agent side.
func runKeygen(args []string) error {
	flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	outPath := flagSet.String("out", "", "path to write the encrypted key file")
	force := flagSet.Bool("force", false, "overwrite the key file if it already exists")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if *outPath == "" {
		return fmt.Errorf("keygen: --out is required")
	}
	if !*force {
		if _, err := os.Stat(*outPath); err == nil {
			return fmt.Errorf("keygen: %s already exists (use --force to overwrite)", *outPath)
		}
	}

	passphrase, err := promptNewPassphrase()
	if err != nil {
		return err
	}
	defer passphrase.Close()

	keys, err := naclbox.Generate()
	if err != nil {
		return err
	}

	if err := keystore.Save(*outPath, keys, passphrase.Bytes(), 0); err != nil {
		return err
	}

	public := keys.Public()
	fmt.Printf("wrote %s\n", *outPath)
	fmt.Printf("public key:  %s\n", public.Base64())
	fmt.Printf("fingerprint: %s\n", public.Fingerprint())
	return nil
}

// promptNewPassphrase prompts twice with echo disabled and confirms
// the two entries match. The passphrase is moved into an mmap-backed
// buffer; both raw reads are zeroed before returning.
func promptNewPassphrase() (*secret.Buffer, error) {
	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return nil, fmt.Errorf("no terminal available for passphrase prompt")
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	first, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}

	fmt.Fprint(os.Stderr, "Confirm passphrase: ")
	second, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		secret.Zero(first)
		return nil, fmt.Errorf("reading passphrase confirmation: %w", err)
	}

	match := len(first) == len(second)
	if match {
		for index := range first {
			if first[index] != second[index] {
				match = false
				break
			}
		}
	}
	secret.Zero(second)

	if !match {
		secret.Zero(first)
		return nil, fmt.Errorf("passphrases do not match")
	}
	if len(first) == 0 {
		return nil, fmt.Errorf("passphrase must not be empty")
	}

	return secret.NewFromBytes(first)
}

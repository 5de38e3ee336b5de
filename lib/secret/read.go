// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
)

// ReadFromPath loads a secret into a locked Buffer. A path of "-"
// reads a single line from stdin; anything else names a file whose
// whole content is taken. Surrounding whitespace is stripped and the
// transient plaintext copy is wiped before returning. An empty source
// is an error. The caller owns the returned buffer and must Close it.
func ReadFromPath(path string) (*Buffer, error) {
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	// NewFromBytes wipes the span it copies; the deferred Zero catches
	// the whitespace margins around it.
	defer Zero(raw)

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret: %s is empty", path)
	}
	return NewFromBytes(trimmed)
}

// readRaw returns the unprocessed secret bytes. Stdin reads stop at
// the first line break so a pipe that stays open does not hang the
// caller waiting for EOF.
func readRaw(path string) ([]byte, error) {
	if path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("secret: %w", err)
		}
		return data, nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		return scanner.Bytes(), nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("secret: reading stdin: %w", err)
	}
	return nil, fmt.Errorf("secret: stdin is empty")
}

// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build metadata stamped into relay
// binaries at link time.
//
// Release builds inject these values with -ldflags:
//
//	go build -ldflags "-X github.com/HuaMick/myagents-relay/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags; the defaults identify an untagged development build.
var (
	// Version is the semantic version, set manually for releases.
	Version = "0.1.0-dev"

	// GitCommit is the short git SHA the binary was built from.
	GitCommit = "unknown"

	// GitDirty is "true" when the working tree had uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)

// Info returns the single-line version string printed by --version.
func Info() string {
	commit := GitCommit
	if GitDirty == "true" {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s, %s, %s)", Version, commit, BuildTime, runtime.Version())
}

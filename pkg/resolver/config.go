// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"github.com/datawire/pyresolve/pkg/artifactstore"
	"github.com/datawire/pyresolve/pkg/pep508"
	"github.com/datawire/pyresolve/pkg/pkgdb"
)

// Config carries everything a Solve call needs, passed explicitly
// rather than read from process-wide state so that two concurrent
// resolutions in the same process never observe each other's
// configuration.
type Config struct {
	// MarkerEnv describes the target platform/interpreter; every
	// Requires-Dist marker is evaluated against it (plus the
	// current extra, when applicable).
	MarkerEnv pep508.MarkerEnv

	// PreReleaseAllowlist names distributions for which pre-release
	// versions are admitted even when a stable release also exists.
	PreReleaseAllowlist map[string]bool

	// Distributions resolves ordinary package names.
	Distributions *pkgdb.Database
	// Interpreters resolves the "@python" pseudo-package against an
	// index of interpreter bundles.
	Interpreters *pkgdb.Database

	// Store, if set, is used to fetch and content-hash every pinned
	// artifact so the Blueprint's Hash fields are populated.
	Store *artifactstore.Store

	// MaxConflicts bounds how many times the solver may backjump
	// before giving up; 0 selects a default.
	MaxConflicts int
}

func (c Config) maxConflicts() int {
	if c.MaxConflicts > 0 {
		return c.MaxConflicts
	}
	return 10000
}

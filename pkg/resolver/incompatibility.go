// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"fmt"
	"strings"

	"github.com/datawire/pyresolve/pkg/pep440"
)

// cause explains why an incompatibility was learned.
type cause interface {
	String() string
}

// noVersionsCause records that a package ran out of candidates while
// the given requirement chain was active.
type noVersionsCause struct {
	pkg   Package
	chain []requirement
}

func (c noVersionsCause) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "no version of %s satisfies", c.pkg)
	for _, r := range c.chain {
		if r.fromPackage == "" {
			fmt.Fprintf(&sb, " %s (requested directly)", r.spec)
		} else {
			fmt.Fprintf(&sb, " %s (required by %s %s)", r.spec, r.fromPackage, versionOrUnknown(r.fromVersion))
		}
	}
	return sb.String()
}

func versionOrUnknown(v *pep440.Version) string {
	if v == nil {
		return "?"
	}
	return v.String()
}

// incompatibility records one conflict: the named package had no
// admissible candidate (version is then the zero Version). Entries are
// only read back by trace; exclusion of versions is tracked separately
// in solveState.excluded. The arena exists so that the
// derivation trace handed back to the caller on failure can name every
// package involved in a conflict, per the no-back-pointer-ownership
// shape used for the rest of the solver's state.
type incompatibility struct {
	id      int
	pkg     Package
	version pep440.Version
	cause   cause
}

type incompatibilityArena struct {
	entries []incompatibility
}

func (a *incompatibilityArena) learn(pkg Package, v pep440.Version, c cause) *incompatibility {
	inc := incompatibility{id: len(a.entries), pkg: pkg, version: v, cause: c}
	a.entries = append(a.entries, inc)
	return &a.entries[len(a.entries)-1]
}

func (a *incompatibilityArena) trace() string {
	var sb strings.Builder
	for _, inc := range a.entries {
		fmt.Fprintf(&sb, "%s@%s: %s\n", inc.pkg, inc.version, inc.cause.String())
	}
	return sb.String()
}

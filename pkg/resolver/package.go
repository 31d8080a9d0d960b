// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package resolver implements a conflict-driven, clause-learning version
// solver in the PubGrub family. It operates over a virtual package
// "@root" (the user's top-level requirements) and treats the chosen
// interpreter as an ordinary solver variable, "@python", whose
// candidates are indexed interpreter bundles.
package resolver

import "strings"

// Package identifies one solver variable: a normalized distribution
// name, the sentinel "@root", the sentinel "@python", or a synthetic
// extra name "dist[extra]".
type Package string

const (
	rootPackage   Package = "@root"
	pythonPackage Package = "@python"
)

func extraPackage(base Package, extra string) Package {
	return Package(string(base) + "[" + extra + "]")
}

// splitExtra reports whether pkg names an extra, and if so the base
// package it extends and the extra's name.
func splitExtra(pkg Package) (base Package, extra string, ok bool) {
	s := string(pkg)
	open := strings.IndexByte(s, '[')
	if open < 0 || !strings.HasSuffix(s, "]") {
		return "", "", false
	}
	return Package(s[:open]), s[open+1 : len(s)-1], true
}

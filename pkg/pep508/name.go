// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pep508 implements PEP 508 -- Dependency specification for Python
// Software Packages, plus the marker-environment evaluation that PEP 508
// requirement strings reference.
//
// https://peps.python.org/pep-0508/
package pep508

import "strings"

// NormalizeName implements the distribution-name normalization used
// throughout the packaging ecosystem: lowercase, with runs of '-', '_', and
// '.' collapsed to a single '-'.
func NormalizeName(name string) string {
	var ret strings.Builder
	ret.Grow(len(name))
	lastWasSep := false
	for _, r := range strings.ToLower(name) {
		if r == '-' || r == '_' || r == '.' {
			if !lastWasSep && ret.Len() > 0 {
				ret.WriteByte('-')
			}
			lastWasSep = true
			continue
		}
		ret.WriteRune(r)
		lastWasSep = false
	}
	return strings.TrimSuffix(ret.String(), "-")
}

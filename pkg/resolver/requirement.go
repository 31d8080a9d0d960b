// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package resolver

import "github.com/datawire/pyresolve/pkg/pep440"

// requirement is one active edge in the dependency graph under
// construction: "fromPackage at fromVersion requires target to match
// spec". Root-level requirements have a zero fromPackage.
type requirement struct {
	target      Package
	spec        pep440.Specifier
	fromPackage Package
	fromVersion *pep440.Version
}

// isExactPin reports whether spec pins v exactly via a strict "=="
// clause, the condition under which yanked admission permits v.
func isExactPin(spec pep440.Specifier, v pep440.Version) bool {
	for _, clause := range spec {
		if clause.CmpOp == pep440.CmpOpStrictMatch && clause.Version.Cmp(v) == 0 {
			return true
		}
	}
	return false
}

// combinedSpec concatenates every requirement's specifier targeting
// pkg; pep440.Specifier.Match already ANDs its clauses, so
// concatenation is intersection.
func combinedSpec(reqs []requirement, pkg Package) pep440.Specifier {
	var spec pep440.Specifier
	for _, r := range reqs {
		if r.target == pkg {
			spec = append(spec, r.spec...)
		}
	}
	return spec
}

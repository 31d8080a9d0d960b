// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pep440

import (
	"fmt"
	"strings"

	"github.com/datawire/pyresolve/pkg/pyerrors"
)

// Version specifiers
// ==================
//
// A version specifier consists of a series of version clauses, separated by
// commas. For example::
//
//    ~= 0.9, >= 1.0, != 1.3.4.*, < 2.0
//
// The comparison operator determines the kind of version clause:
//
// * ``~=``: `Compatible release`_ clause
// * ``==``: `Version matching`_ clause
// * ``!=``: `Version exclusion`_ clause
// * ``<=``, ``>=``: `Inclusive ordered comparison`_ clause
// * ``<``, ``>``: `Exclusive ordered comparison`_ clause
// * ``===``: explicitly unsupported; reject at parse time.
//
// The comma (",") is equivalent to a logical **and** operator: a candidate
// version must match all given version clauses in order to match the
// specifier as a whole.
//
// Except where specifically noted below, local version identifiers MUST NOT
// be permitted in version specifiers, and local version labels MUST be
// ignored entirely when checking if candidate versions match a given
// version specifier.

// Specifier is an ordered conjunction of SpecifierClause: a candidate
// version matches the Specifier only if it matches every clause.
type Specifier []SpecifierClause

// ParseSpecifier parses a comma-separated specifier set such as
// "~=1.4,!=1.4.2". A parse failure is reported as a *pyerrors.Error of kind
// InvalidSpecifier.
func ParseSpecifier(str string) (Specifier, error) {
	clauseStrs := strings.FieldsFunc(str, func(r rune) bool { return r == ',' })
	ret := make(Specifier, 0, len(clauseStrs))
	for _, clauseStr := range clauseStrs {
		clauseStr = strings.TrimSpace(clauseStr)
		if clauseStr == "" {
			continue
		}
		clause, err := parseSpecifierClause(clauseStr)
		if err != nil {
			return nil, pyerrors.New(pyerrors.KindInvalidSpecifier, "", str, err)
		}
		ret = append(ret, clause)
	}
	if len(ret) == 0 && strings.TrimSpace(str) != "" {
		return nil, pyerrors.New(pyerrors.KindInvalidSpecifier, "", str,
			fmt.Errorf("no clauses found"))
	}
	return ret, nil
}

func (spec Specifier) String() string {
	clauses := make([]string, 0, len(spec))
	for _, clause := range spec {
		clauses = append(clauses, clause.String())
	}
	return strings.Join(clauses, ",")
}

// Match reports whether ver satisfies every clause of spec.
func (spec Specifier) Match(ver Version) bool {
	for _, clause := range spec {
		if !clause.Match(ver) {
			return false
		}
	}
	return true
}

type CmpOp int

const (
	CmpOpCompatible CmpOp = iota
	CmpOpStrictMatch
	CmpOpPrefixMatch
	CmpOpStrictExclude
	CmpOpPrefixExclude
	CmpOpLE
	CmpOpGE
	CmpOpLT
	CmpOpGT
	_CmpOpEnd
)

func (op CmpOp) String() string {
	str, ok := map[CmpOp]string{
		CmpOpCompatible:    "~=",
		CmpOpStrictMatch:   "strict ==",
		CmpOpPrefixMatch:   "prefix ==",
		CmpOpStrictExclude: "strict !=",
		CmpOpPrefixExclude: "prefix !=",
		CmpOpLE:            "<=",
		CmpOpGE:            ">=",
		CmpOpLT:            "<",
		CmpOpGT:            ">",
	}[op]
	if !ok {
		panic(fmt.Errorf("invalid CmpOp: %d", op))
	}
	return str
}

func (op CmpOp) match(spec, ver Version) bool {
	fn, ok := map[CmpOp]func(spec, ver Version) bool{
		CmpOpCompatible:    matchCompatible,
		CmpOpStrictMatch:   matchStrictMatch,
		CmpOpPrefixMatch:   matchPrefixMatch,
		CmpOpStrictExclude: matchStrictExclude,
		CmpOpPrefixExclude: matchPrefixExclude,
		CmpOpLE:            matchLE,
		CmpOpGE:            matchGE,
		CmpOpLT:            matchLT,
		CmpOpGT:            matchGT,
	}[op]
	if !ok {
		panic(fmt.Errorf("invalid CmpOp: %d", op))
	}
	return fn(spec, ver)
}

// SpecifierClause is a single "OP version" clause of a Specifier.
type SpecifierClause struct {
	CmpOp   CmpOp
	Version Version
}

func parseSpecifierClause(str string) (SpecifierClause, error) {
	var ret SpecifierClause
	str = strings.TrimSpace(str)
	minSegments := 1
	devOK := true
	localOK := false
	switch {
	case strings.HasPrefix(str, "~="):
		ret.CmpOp = CmpOpCompatible
		str = str[2:]
		minSegments = 2
	case strings.HasPrefix(str, "==="):
		return ret, fmt.Errorf("specifiers with === are not supported; versions must be PEP 440 compliant")
	case strings.HasPrefix(str, "=="):
		ret.CmpOp = CmpOpStrictMatch
		str = str[2:]
		localOK = true
		if strings.HasSuffix(str, ".*") {
			ret.CmpOp = CmpOpPrefixMatch
			str = strings.TrimSuffix(str, ".*")
			devOK = false
			localOK = false
		}
	case strings.HasPrefix(str, "!="):
		ret.CmpOp = CmpOpStrictExclude
		str = str[2:]
		localOK = true
		if strings.HasSuffix(str, ".*") {
			ret.CmpOp = CmpOpPrefixExclude
			str = strings.TrimSuffix(str, ".*")
			devOK = false
			localOK = false
		}
	case strings.HasPrefix(str, "<="):
		ret.CmpOp = CmpOpLE
		str = str[2:]
	case strings.HasPrefix(str, ">="):
		ret.CmpOp = CmpOpGE
		str = str[2:]
	case strings.HasPrefix(str, "<"):
		ret.CmpOp = CmpOpLT
		str = str[1:]
	case strings.HasPrefix(str, ">"):
		ret.CmpOp = CmpOpGT
		str = str[1:]
	default:
		return ret, fmt.Errorf("invalid comparison operator: %q", str)
	}
	str = strings.TrimSpace(str)
	ver, err := ParseVersion(str)
	if err != nil {
		return ret, err
	}
	if len(ver.Release) < minSegments {
		return ret, fmt.Errorf("at least %d release segments required in %s specifier clauses",
			minSegments, ret.CmpOp)
	}
	if ver.Dev != nil && !devOK {
		return ret, fmt.Errorf("dev-part not permitted in %s specifier clauses", ret.CmpOp)
	}
	if len(ver.Local) > 0 && !localOK {
		return ret, fmt.Errorf("local-part not permitted in %s specifier clauses", ret.CmpOp)
	}
	ret.Version = *ver
	return ret, nil
}

func (spec SpecifierClause) String() string {
	opStr, ok := map[CmpOp]string{
		CmpOpCompatible:    "~=",
		CmpOpStrictMatch:   "==",
		CmpOpPrefixMatch:   "==",
		CmpOpStrictExclude: "!=",
		CmpOpPrefixExclude: "!=",
		CmpOpLE:            "<=",
		CmpOpGE:            ">=",
		CmpOpLT:            "<",
		CmpOpGT:            ">",
	}[spec.CmpOp]
	if !ok {
		panic(fmt.Errorf("invalid CmpOp: %d", spec.CmpOp))
	}
	suffix := ""
	if spec.CmpOp == CmpOpPrefixMatch || spec.CmpOp == CmpOpPrefixExclude {
		suffix = ".*"
	}
	return opStr + spec.Version.String() + suffix
}

// Match reports whether ver satisfies this single clause.
func (spec SpecifierClause) Match(ver Version) bool {
	return spec.CmpOp.match(spec.Version, ver)
}

//
//

// Compatible release
// ------------------
//
// For a given release identifier ``V.N``, the compatible release clause is
// approximately equivalent to the pair of comparison clauses::
//
//     >= V.N, == V.*
//
// This operator MUST NOT be used with a single segment version number such
// as ``~=1``.
func matchCompatible(spec, ver Version) bool {
	prefix := spec
	prefix.Release = prefix.Release[:len(prefix.Release)-1]
	prefix.Pre = nil
	prefix.Post = nil
	prefix.Dev = nil
	return matchGE(spec, ver) && matchPrefixMatch(prefix, ver)
}

//
//

// Version matching
// ----------------
//
// By default, the version matching operator is based on a strict equality
// comparison: the specified version must be exactly the same as the
// requested version, modulo zero-padding of the release segment.
//
// If the specified version identifier is a public version identifier (no
// local version label), then the local version label of any candidate
// versions MUST be ignored when matching versions. If the specified version
// identifier is a local version identifier, the local labels are compared
// with strict string equality.
func matchStrictMatch(spec, ver Version) bool {
	if len(spec.Local) == 0 {
		return spec.PublicVersion.Cmp(ver.PublicVersion) == 0
	}
	return spec.Cmp(ver) == 0
}

func matchPrefixMatch(_spec, _ver Version) bool {
	spec, ver := _spec.PublicVersion, _ver.PublicVersion
	const (
		partRel = iota
		partPre
		partPost
	)
	var terminalPart int
	switch {
	case spec.Post != nil:
		terminalPart = partPost
	case spec.Pre != nil:
		terminalPart = partPre
	default:
		terminalPart = partRel
	}

	if cmpEpoch(spec, ver) != 0 {
		return false
	}

	if terminalPart == partRel {
		if len(ver.Release) > len(spec.Release) {
			ver.Release = ver.Release[:len(spec.Release)]
		}
	}
	if cmpRelease(spec, ver) != 0 {
		return false
	}
	if terminalPart == partRel {
		return true
	}

	// Do this here instead of using cmpPreRelease because cmpPreRelease also
	// takes in to account .Post and .Dev.
	if (ver.Pre == nil) != (spec.Pre == nil) {
		return false
	} else if spec.Pre != nil && (preReleaseOrder[ver.Pre.L] != preReleaseOrder[spec.Pre.L] ||
		ver.Pre.N != spec.Pre.N) {
		return false
	}
	if terminalPart == partPre {
		return true
	}

	if cmpPostRelease(spec, ver) != 0 {
		return false
	}
	return true // terminalPart == partPost; dev can't be terminal, a prefix match was rejected at parse time
}

//
//

// Version exclusion
// -----------------
//
// Same semantics as version matching, with the match inverted.
func matchStrictExclude(spec, ver Version) bool {
	return !matchStrictMatch(spec, ver)
}

func matchPrefixExclude(spec, ver Version) bool {
	return !matchPrefixMatch(spec, ver)
}

//
//

// Inclusive ordered comparison
// ----------------------------
//
// As with version matching, the release segment is zero padded as necessary
// to ensure the release segments are compared with the same length. Local
// version identifiers are NOT permitted in this version specifier.
func matchLE(spec, ver Version) bool {
	return spec.PublicVersion.Cmp(ver.PublicVersion) >= 0
}

func matchGE(spec, ver Version) bool {
	return spec.Cmp(ver) <= 0
}

//
//

// Exclusive ordered comparison
// ----------------------------
//
// ``>`` and ``<`` rely on the same total order as the inclusive comparisons,
// but additionally exclude candidates that share the specifier's public
// release and differ only by a pre/post/dev qualifier in a direction that
// would otherwise be a surprising match:
//
//   - ``> S`` excludes every ``V`` with the same public release as ``S``
//     unless ``V`` carries a higher post-release number than ``S`` (a bare
//     ``S`` has no post-release number of its own, so any post-release of
//     the same release counts as higher; ``>1.7.post2`` only admits
//     ``1.7.postN`` for ``N > 2``).
//   - ``< S`` excludes every ``V`` with the same public release as ``S``
//     unless ``V`` carries a dev or pre-release qualifier that ``S`` itself
//     lacks.
//
// Local version identifiers are NOT permitted in this version specifier.
func matchGT(spec, ver Version) bool {
	if spec.Cmp(ver) >= 0 {
		return false
	}
	if samePublicRelease(spec.PublicVersion, ver.PublicVersion) {
		higherPost := ver.Post != nil && (spec.Post == nil || *ver.Post > *spec.Post)
		if !higherPost {
			return false
		}
	}
	return true
}

func matchLT(spec, ver Version) bool {
	if spec.Cmp(ver) <= 0 {
		return false
	}
	if samePublicRelease(spec.PublicVersion, ver.PublicVersion) {
		hasDevOrPre := ver.Dev != nil || ver.Pre != nil
		specHasNeither := spec.Dev == nil && spec.Pre == nil
		if !(hasDevOrPre && specHasNeither) {
			return false
		}
	}
	return true
}

// samePublicRelease reports whether a and b share the same epoch and
// (zero-padded) release segment, ignoring pre/post/dev and local labels.
func samePublicRelease(a, b PublicVersion) bool {
	return cmpEpoch(a, b) == 0 && cmpRelease(a, b) == 0
}

//
//

// Arbitrary equality
// ------------------
//
// Not supported: ``===`` is rejected at parse time, see parseSpecifierClause.

// Handling of pre-releases
// ------------------------
//
// Pre-releases of any kind, including developmental releases, are
// implicitly excluded from all version specifiers, unless they are already
// present on the system, explicitly requested by the user, or if the only
// available version that satisfies the version specifier is a pre-release.
// This is expressed as an ExclusionBehavior applied by Specifier.Select,
// separate from clause matching itself; process-wide pre-release admission
// policy is the resolver's concern, not this package's.

// ExclusionBehavior decides, among versions that already match a Specifier,
// which are admissible candidates for Select.
type ExclusionBehavior interface {
	Allow(Version) bool
}

// AllowAll is an ExclusionBehavior that admits every version.
type AllowAll struct{}

func (AllowAll) Allow(_ Version) bool {
	return true
}

// ExcludePreReleases is an ExclusionBehavior that rejects pre-releases
// (including dev-releases) unless they appear in AllowList.
type ExcludePreReleases struct {
	AllowList []Version
}

func (prereleases ExcludePreReleases) Allow(ver Version) bool {
	if !ver.IsPreRelease() {
		return true
	}
	for _, item := range prereleases.AllowList {
		if item.Cmp(ver) == 0 {
			return true
		}
	}
	return false
}

// MultiExcluder is an ExclusionBehavior that ANDs multiple other
// ExclusionBehaviors together, only allowing a version if all of them do.
type MultiExcluder []ExclusionBehavior

func (m MultiExcluder) Allow(ver Version) bool {
	for _, e := range m {
		if !e.Allow(ver) {
			return false
		}
	}
	return true
}

// Select returns the highest version in choices that matches spec,
// preferring versions admitted by exclusionBehavior over ones it rejects;
// if every match is rejected by exclusionBehavior, the highest rejected
// match is returned anyway (the "only available version is a pre-release"
// fallback). Returns nil if nothing in choices matches spec at all.
func (spec Specifier) Select(choices []Version, exclusionBehavior ExclusionBehavior) *Version {
	var best *Version
	var bestExcluded *Version
	for _, choice := range choices {
		choice := choice
		if !spec.Match(choice) {
			continue
		}
		if exclusionBehavior == nil || exclusionBehavior.Allow(choice) {
			if best == nil || best.Cmp(choice) < 0 {
				best = &choice
			}
		} else {
			if bestExcluded == nil || bestExcluded.Cmp(choice) < 0 {
				bestExcluded = &choice
			}
		}
	}
	if best != nil {
		return best
	}
	return bestExcluded
}

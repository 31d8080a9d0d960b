// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pep440 implements PEP 440 -- Version Identification and Dependency
// Specification.
//
// https://www.python.org/dev/peps/pep-0440/
package pep440

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/datawire/pyresolve/pkg/pyerrors"
)

// Version scheme
// ==============
//
// Distributions are identified by a public version identifier which
// supports all defined version comparison operations
//
// The version scheme is used both to describe the distribution version
// provided by a particular distribution archive, as well as to place
// constraints on the version of dependencies needed in order to build or
// run the software.

// Version is a parsed PEP 440 version: a public version plus an optional
// local version label.
type Version = LocalVersion

// Public version identifiers
// --------------------------
//
// The canonical public version identifiers MUST comply with the following
// scheme::
//
//     [N!]N(.N)*[{a|b|rc}N][.postN][.devN]
//
// Public version identifiers MUST NOT include leading or trailing whitespace.
//
// Public version identifiers MUST be unique within a given distribution.
//
// Installation tools SHOULD ignore any public versions which do not comply with
// this scheme but MUST also include the normalizations specified below.
// Installation tools MAY warn the user when non-compliant or ambiguous versions
// are detected.
//
// See also `Appendix B : Parsing version strings with regular expressions` which
// provides a regular expression to check strict conformance with the canonical
// format, as well as a more permissive regular expression accepting inputs that
// may require subsequent normalization.

// ParseVersion parses a string to a Version, performing normalization. A
// parse failure is reported as a *pyerrors.Error of kind InvalidVersion.
func ParseVersion(str string) (*Version, error) {
	ver, err := parseVersion(str) // the routine from Appendix B, in parse.go
	if err != nil {
		return nil, pyerrors.New(pyerrors.KindInvalidVersion, "", str, err)
	}
	return ver, nil
}

// Public version identifiers are separated into up to five segments:

// PublicVersion is the part of a Version before any local-version label.
type PublicVersion struct {
	// * Epoch segment: ``N!``
	Epoch int
	// * Release segment: ``N(.N)*``
	Release []int
	// * Pre-release segment: ``{a|b|rc}N``
	Pre *PreRelease
	// * Post-release segment: ``.postN``
	Post *int
	// * Development release segment: ``.devN``
	Dev *int
}

// PreRelease is the pre-release segment of a PublicVersion: L is one of
// "a", "b", "rc" (already normalized from synonyms), N is the numeral.
type PreRelease struct {
	L string
	N int
}

// GoString implements fmt.GoStringer.
func (ver PublicVersion) GoString() string {
	pre := "nil"
	if ver.Pre != nil {
		pre = fmt.Sprintf("&%#v", *ver.Pre)
	}
	post := "nil"
	if ver.Post != nil {
		post = fmt.Sprintf("intPtr(%#v)", *ver.Post)
	}
	dev := "nil"
	if ver.Dev != nil {
		dev = fmt.Sprintf("intPtr(%#v)", *ver.Dev)
	}
	return fmt.Sprintf("pep440.PublicVersion{Epoch:%d, Release:%#v, Pre:%s, Post:%s, Dev:%s}",
		ver.Epoch, ver.Release, pre, post, dev)
}

func (ver PublicVersion) writeTo(ret *strings.Builder) {
	if ver.Epoch > 0 {
		fmt.Fprintf(ret, "%d!", ver.Epoch)
	}
	if len(ver.Release) == 0 {
		panic("invalid version: no release segments")
	}
	fmt.Fprintf(ret, "%d", ver.Release[0])
	for _, segment := range ver.Release[1:] {
		fmt.Fprintf(ret, ".%d", segment)
	}
	if ver.Pre != nil {
		fmt.Fprintf(ret, "%s%d", ver.Pre.L, ver.Pre.N)
	}
	if ver.Post != nil {
		fmt.Fprintf(ret, ".post%d", *ver.Post)
	}
	if ver.Dev != nil {
		fmt.Fprintf(ret, ".dev%d", *ver.Dev)
	}
}

// String implements fmt.Stringer. String does not perform any normalization.
func (ver PublicVersion) String() string {
	var ret strings.Builder
	ver.writeTo(&ret)
	return ret.String()
}

// Local version identifiers
// -------------------------
//
// Local version identifiers MUST comply with the following scheme::
//
//     <public version identifier>[+<local version label>]
//
// They consist of a normal public version identifier (as defined in the
// previous section), along with an arbitrary "local version label", separated
// from the public version identifier by a plus. Local version labels have
// no specific semantics assigned, but some syntactic restrictions are imposed.
//
// Local version labels MUST be limited to ASCII letters, ASCII digits, and
// periods, and MUST start and end with a letter or digit.

// LocalVersion is a full PEP 440 version: a PublicVersion plus an optional
// dotted local-version label, each segment of which is either a
// non-negative integer or a lowercase identifier.
type LocalVersion struct {
	PublicVersion
	Local []intstr.IntOrString
}

// GoString implements fmt.GoStringer.
func (ver LocalVersion) GoString() string {
	return fmt.Sprintf("pep440.LocalVersion{PublicVersion:%#v, Local:%#v}",
		ver.PublicVersion, ver.Local)
}

// String implements fmt.Stringer. String does not perform any normalization.
func (ver LocalVersion) String() string {
	var ret strings.Builder
	ver.PublicVersion.writeTo(&ret)
	sep := "+"
	for _, local := range ver.Local {
		ret.WriteString(sep)
		ret.WriteString(local.String())
		sep = "."
	}
	return ret.String()
}

// Comparison and ordering of local versions considers each segment of the
// local version (divided by a ``.``) separately: numeric segments compare
// as integers, alphanumeric segments compare lexicographically
// case-insensitively, a numeric segment always compares greater than a
// lexicographic one, and a local version with more segments compares
// greater than one with fewer as long as the shorter's segments are an
// exact prefix of the longer's.

func cmpLocalSegment(a, b *intstr.IntOrString) int {
	switch {
	case a == nil && b == nil:
		panic("should not happen: cmpLocal shouldn't have bothered calling this")
	case a == nil && b != nil:
		return -1
	case a != nil && b == nil:
		return 1
	}
	switch {
	case a.Type == intstr.Int && b.Type == intstr.Int:
		return int(a.IntVal - b.IntVal)
	case a.Type == intstr.String && b.Type == intstr.String:
		switch {
		case a.StrVal < b.StrVal:
			return -1
		case a.StrVal > b.StrVal:
			return 1
		}
		return 0
	case a.Type == intstr.Int && b.Type == intstr.String:
		return 1
	case a.Type == intstr.String && b.Type == intstr.Int:
		return -1
	default:
		panic("should not happen: invalid intstr.IntOrString")
	}
}

func cmpLocal(a, b LocalVersion) int {
	for i := 0; i < len(a.Local) || i < len(b.Local); i++ {
		var aSeg, bSeg *intstr.IntOrString
		if i < len(a.Local) {
			aSeg = &(a.Local[i])
		}
		if i < len(b.Local) {
			bSeg = &(b.Local[i])
		}
		if d := cmpLocalSegment(aSeg, bSeg); d != 0 {
			return d
		}
	}
	return 0
}

// Cmp returns a number < 0 if version 'a' is less than version 'b', > 0 if
// 'a' is greater than 'b', or 0 if they are equal. Only the sign is defined,
// not the magnitude.
func (a LocalVersion) Cmp(b LocalVersion) int {
	if d := a.PublicVersion.Cmp(b.PublicVersion); d != 0 {
		return d
	}
	return cmpLocal(a, b)
}

// Equal reports whether a and b compare as equal under Cmp.
func (a LocalVersion) Equal(b LocalVersion) bool { return a.Cmp(b) == 0 }

// IsFinal reports whether ver is a final release: no pre/post/dev segment
// and no local version label.
func (ver PublicVersion) IsFinal() bool {
	return ver.Pre == nil && ver.Post == nil && ver.Dev == nil
}

func (ver LocalVersion) IsFinal() bool {
	return ver.PublicVersion.IsFinal() && len(ver.Local) == 0
}

// The release segment consists of one or more non-negative integer values,
// separated by dots. Comparison considers the numeric value of each
// component in turn; when segments have differing lengths, the shorter is
// padded with zeros.

func (ver PublicVersion) releaseSegment(n int) int {
	if n < len(ver.Release) {
		return ver.Release[n]
	}
	return 0
}

func cmpRelease(a, b PublicVersion) int {
	for i := 0; i < len(a.Release) || i < len(b.Release); i++ {
		if diff := a.releaseSegment(i) - b.releaseSegment(i); diff != 0 {
			return diff
		}
	}
	return 0
}

func (ver PublicVersion) Major() int { return ver.releaseSegment(0) }
func (ver PublicVersion) Minor() int { return ver.releaseSegment(1) }
func (ver PublicVersion) Micro() int { return ver.releaseSegment(2) }

// Pre-releases are ordered first by phase (alpha, beta, release candidate)
// and then by the numerical component within that phase. `c` is accepted as
// a legacy spelling of `rc` and sorts identically to it.

//nolint:gochecknoglobals // Would be 'const'.
var preReleaseOrder = map[string]int{
	"a":     -3,
	"alpha": -3,

	"b":    -2,
	"beta": -2,

	"rc":      -1,
	"c":       -1,
	"pre":     -1,
	"preview": -1,

	// absent: 0,
}

func cmpPreRelease(a, b PublicVersion) int {
	var aL, aN, bL, bN int
	var ok bool
	if a.Pre != nil {
		aL, ok = preReleaseOrder[a.Pre.L]
		if !ok {
			panic(fmt.Errorf("invalid pre-release string: %q", a.Pre.L))
		}
		aN = a.Pre.N
	} else if a.Dev != nil && a.Post == nil {
		aL = -4
	}
	if b.Pre != nil {
		bL, ok = preReleaseOrder[b.Pre.L]
		if !ok {
			panic(fmt.Errorf("invalid pre-release string: %q", b.Pre.L))
		}
		bN = b.Pre.N
	} else if b.Dev != nil && b.Post == nil {
		bL = -4
	}
	if aL != bL {
		return aL - bL
	}
	return aN - bN
}

// Post-releases are ordered by their numerical component, immediately
// following the corresponding release and ahead of any subsequent release.

func cmpPostRelease(a, b PublicVersion) int {
	aPost := -1
	if a.Post != nil {
		aPost = *a.Post
	}
	bPost := -1
	if b.Post != nil {
		bPost = *b.Post
	}
	return aPost - bPost
}

// Developmental releases are ordered by their numerical component,
// immediately before the corresponding release (and before any pre-release
// with the same release segment) and after any previous release.

func (ver PublicVersion) IsPreRelease() bool {
	return ver.Pre != nil || ver.Dev != nil
}

func cmpDevRelease(a, b PublicVersion) int {
	switch {
	case a.Dev == nil && b.Dev == nil:
		return 0
	case a.Dev == nil && b.Dev != nil:
		return 1
	case a.Dev != nil && b.Dev == nil:
		return -1
	default:
		return (*a.Dev) - (*b.Dev)
	}
}

// If no explicit epoch is given, the implicit epoch is 0. All versions from
// a later epoch sort after versions from an earlier epoch, regardless of
// release segment.

func cmpEpoch(a, b PublicVersion) int {
	return a.Epoch - b.Epoch
}

// Normalize reparses String() and returns the normalized result; this is
// the cheapest correct way to apply all of PEP 440's normalization rules
// (case folding, synonym mapping, separator canonicalization, implicit
// zero numerals) since they are all already implemented by the parser.
func (ver PublicVersion) Normalize() (*PublicVersion, error) {
	n, err := ParseVersion(ver.String())
	if err != nil {
		return nil, err
	}
	return &n.PublicVersion, nil
}

func (ver LocalVersion) Normalize() (*LocalVersion, error) {
	n, err := ParseVersion(ver.String())
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Cmp returns a number < 0 if version 'a' is less than version 'b', > 0 if
// 'a' is greater than 'b', or 0 if they are equal. Ordering proceeds
// epoch, then release (zero-padded), then pre-release, then post-release,
// then dev-release, exactly as PEP 440 specifies.
func (a PublicVersion) Cmp(b PublicVersion) int {
	if d := cmpEpoch(a, b); d != 0 {
		return d
	}
	if d := cmpRelease(a, b); d != 0 {
		return d
	}
	if d := cmpPreRelease(a, b); d != 0 {
		return d
	}
	if d := cmpPostRelease(a, b); d != 0 {
		return d
	}
	if d := cmpDevRelease(a, b); d != 0 {
		return d
	}
	return 0
}

// SortVersions sorts vs ascending by Cmp, the order the resolver's ranked
// version lists are built from (descending is just reversing this slice).
func SortVersions(vs []Version) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].Cmp(vs[j]) < 0 })
}

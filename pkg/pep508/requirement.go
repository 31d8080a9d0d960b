// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pep508

import (
	"errors"
	"fmt"
	"strings"
	"text/scanner"
	"unicode"

	"github.com/datawire/pyresolve/pkg/pep440"
	"github.com/datawire/pyresolve/pkg/pyerrors"
)

// Dependency specification
// =========================
//
// A PEP 508 requirement string has the grammar (informally)::
//
//     name_req  = name extras? versionspec? quoted_marker?
//     url_req   = name extras? '@' URI (wsp+|end) quoted_marker?
//     extras    = '[' identifier (',' identifier)* ']'
//     versionspec = '(' version_many ')' | version_many
//     quoted_marker = ';' marker
//
// ErrDirectURLUnsupported is returned by ParseRequirement when the
// requirement uses the '@ URI' direct-reference form; direct-URL
// requirements are not accepted as first-class solver inputs.
var ErrDirectURLUnsupported = errors.New("pep508: direct URL requirements (name @ url) are not supported")

// Requirement is a parsed PEP 508 dependency specification.
type Requirement struct {
	Name       string // normalized, see NormalizeName
	Extras     []string
	Specifier  pep440.Specifier
	Marker     MarkerExpr // nil if the requirement carried no ';' marker
	RawMarker  string
}

func identRune(ch rune, i int) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ((ch == '-' || ch == '_' || ch == '.') && i > 0)
}

func skipScannerWhitespace(s *scanner.Scanner) {
	for s.Whitespace&(1<<uint(s.Peek())) != 0 {
		s.Next()
	}
}

func scanExtras(s *scanner.Scanner) ([]string, error) {
	s.Next() // consume '['
	extras := make([]string, 0, 1)
	for {
		skipScannerWhitespace(s)
		if s.Scan() == scanner.EOF {
			return nil, fmt.Errorf("expected extra name, got EOF")
		}
		extras = append(extras, NormalizeName(s.TokenText()))
		skipScannerWhitespace(s)
		switch s.Peek() {
		case ']':
			s.Next()
			return extras, nil
		case ',':
			s.Next()
		default:
			return nil, fmt.Errorf("expected ',' or ']' in extras list, got %q", string(s.Peek()))
		}
	}
}

// ParseRequirement parses a single PEP 508 requirement string such as
// `requests[socks]>=2.25,<3;python_version>="3.7"`. A parse failure is
// reported as a *pyerrors.Error of kind InvalidRequirement.
func ParseRequirement(input string) (*Requirement, error) {
	req, err := parseRequirement(input)
	if err != nil {
		return nil, pyerrors.New(pyerrors.KindInvalidRequirement, "", "", fmt.Errorf("%q: %w", input, err))
	}
	return req, nil
}

func parseRequirement(input string) (*Requirement, error) {
	s := &scanner.Scanner{}
	s.Init(strings.NewReader(input))
	s.Mode = scanner.ScanIdents
	s.Whitespace = 1<<'\t' | 1<<' '
	s.IsIdentRune = identRune

	if s.Scan() == scanner.EOF {
		return nil, fmt.Errorf("expected distribution name, got EOF")
	}
	ret := &Requirement{Name: NormalizeName(s.TokenText())}
	skipScannerWhitespace(s)

	if s.Peek() == '[' {
		extras, err := scanExtras(s)
		if err != nil {
			return nil, err
		}
		ret.Extras = extras
	}
	skipScannerWhitespace(s)

	switch s.Peek() {
	case '@':
		return nil, ErrDirectURLUnsupported
	case '(', '<', '!', '=', '>', '~':
		specStr, err := scanVersionSpec(s)
		if err != nil {
			return nil, err
		}
		spec, err := pep440.ParseSpecifier(specStr)
		if err != nil {
			return nil, err
		}
		ret.Specifier = spec
	}
	skipScannerWhitespace(s)

	if s.Peek() == ';' {
		s.Next()
		rest := remainderOf(s)
		ret.RawMarker = strings.TrimSpace(rest)
		marker, err := ParseMarker(ret.RawMarker)
		if err != nil {
			return nil, err
		}
		ret.Marker = marker
	}

	return ret, nil
}

// scanVersionSpec consumes the (possibly parenthesized) comma-separated
// specifier clauses following a distribution name/extras, returning the raw
// text for pep440.ParseSpecifier.
func scanVersionSpec(s *scanner.Scanner) (string, error) {
	parens := false
	if s.Peek() == '(' {
		parens = true
		s.Next()
	}
	var sb strings.Builder
	for {
		ch := s.Peek()
		if ch == scanner.EOF || ch == ';' || (parens && ch == ')') {
			break
		}
		sb.WriteRune(ch)
		s.Next()
	}
	if parens {
		if s.Peek() != ')' {
			return "", fmt.Errorf("expected closing ')' in version spec")
		}
		s.Next()
	}
	return sb.String(), nil
}

// remainderOf drains the scanner's underlying input to the end, used once
// we've found the ';' that starts the marker expression: markers have their
// own grammar and are parsed separately by ParseMarker.
func remainderOf(s *scanner.Scanner) string {
	var sb strings.Builder
	for {
		ch := s.Peek()
		if ch == scanner.EOF {
			return sb.String()
		}
		sb.WriteRune(ch)
		s.Next()
	}
}

func (r Requirement) String() string {
	var sb strings.Builder
	sb.WriteString(r.Name)
	if len(r.Extras) > 0 {
		sb.WriteByte('[')
		sb.WriteString(strings.Join(r.Extras, ","))
		sb.WriteByte(']')
	}
	sb.WriteString(r.Specifier.String())
	if r.Marker != nil {
		sb.WriteString(";")
		sb.WriteString(r.RawMarker)
	}
	return sb.String()
}

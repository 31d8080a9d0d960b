// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pkgdb

import (
	"bufio"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/datawire/pyresolve/pkg/pep440"
	"github.com/datawire/pyresolve/pkg/pep508"
	"github.com/datawire/pyresolve/pkg/pyerrors"
)

// CoreMetadata is the subset of the core metadata format (PEP 566 and
// predecessors) this subsystem consults: enough to drive dependency
// expansion in the solver.
type CoreMetadata struct {
	Name            string
	Version         pep440.Version
	RequiresDist    []pep508.Requirement
	ProvidesExtra   []string
	RequiresPython  pep440.Specifier // zero value (no clauses) if absent
	MetadataVersion string           // raw "Metadata-Version" header, e.g. "2.1"
	Dynamic         []string         // field names listed as "Dynamic:", lowercased
}

// ParseCoreMetadata reads the RFC-822-like core metadata format: a
// sequence of "Key: value" headers, repeatable for Requires-Dist and
// Provides-Extra, followed by an optional free-text body (the long
// description) that this subsystem has no use for and discards.
func ParseCoreMetadata(r io.Reader) (*CoreMetadata, error) {
	// textproto.Reader.ReadMIMEHeader wants a blank line to terminate
	// the header block; some producers omit the trailing blank line
	// when there is no description body, so pad with one.
	tr := textproto.NewReader(bufio.NewReader(io.MultiReader(r, strings.NewReader("\r\n\r\n"))))
	header, err := tr.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return nil, pyerrors.New(pyerrors.KindMetadataUnavailable, "", "", err)
	}

	md := &CoreMetadata{
		Name:            header.Get("Name"),
		ProvidesExtra:   header.Values("Provides-Extra"),
		MetadataVersion: header.Get("Metadata-Version"),
	}
	for _, d := range header.Values("Dynamic") {
		md.Dynamic = append(md.Dynamic, strings.ToLower(strings.TrimSpace(d)))
	}

	if v := header.Get("Version"); v != "" {
		ver, err := pep440.ParseVersion(v)
		if err != nil {
			return nil, pyerrors.New(pyerrors.KindMetadataUnavailable, md.Name, v, err)
		}
		md.Version = *ver
	}

	if rp := header.Get("Requires-Python"); rp != "" {
		spec, err := pep440.ParseSpecifier(rp)
		if err != nil {
			return nil, pyerrors.New(pyerrors.KindMetadataUnavailable, md.Name, "", err)
		}
		md.RequiresPython = spec
	}

	for _, raw := range header.Values("Requires-Dist") {
		req, err := pep508.ParseRequirement(raw)
		if err != nil {
			// A single malformed requirement shouldn't sink the whole
			// document; skip it and let dependency expansion proceed
			// with what did parse.
			continue
		}
		md.RequiresDist = append(md.RequiresDist, *req)
	}

	return md, nil
}

// TrustedSdistMetadata reports whether PKG-INFO can be trusted as the
// final metadata for this distribution without invoking the build
// backend: Metadata-Version 2.2 or newer declared the Dynamic field,
// and neither Requires-Dist nor Requires-Python (the two fields this
// subsystem's dependency expansion relies on) is listed there. Older
// metadata versions predate Dynamic and can silently omit fields later
// filled in at build time, so they are never trusted.
func (md *CoreMetadata) TrustedSdistMetadata() bool {
	if !metadataVersionAtLeast(md.MetadataVersion, 2, 2) {
		return false
	}
	return !md.dynamicallyDeclared("Requires-Dist") && !md.dynamicallyDeclared("Requires-Python")
}

func (md *CoreMetadata) dynamicallyDeclared(field string) bool {
	field = strings.ToLower(field)
	for _, d := range md.Dynamic {
		if d == field {
			return true
		}
	}
	return false
}

func metadataVersionAtLeast(v string, wantMajor, wantMinor int) bool {
	major, minor, ok := strings.Cut(v, ".")
	if !ok {
		return false
	}
	gotMajor, err1 := strconv.Atoi(major)
	gotMinor, err2 := strconv.Atoi(minor)
	if err1 != nil || err2 != nil {
		return false
	}
	if gotMajor != wantMajor {
		return gotMajor > wantMajor
	}
	return gotMinor >= wantMinor
}

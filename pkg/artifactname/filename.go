// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package artifactname parses and generates the filenames of the three
// artifact kinds the resolver and store deal in: wheels, source
// distributions, and interpreter bundles.
//
// Wheel filenames follow the grammar of the binary distribution format:
//
//	{distribution}-{version}[-{build}]-{python_tag}-{abi_tag}-{platform_tag}.whl
//
// Source distribution filenames carry no compatibility tags:
//
//	{distribution}-{version}.tar.gz
//
// Interpreter bundle filenames reuse the wheel grammar with a ".pybi"
// extension; their platform tag slot may additionally hold the PLATFORM
// sentinel handled by package pep425.
package artifactname

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/datawire/pyresolve/pkg/pep425"
	"github.com/datawire/pyresolve/pkg/pep440"
)

// Kind discriminates the three artifact filename grammars.
type Kind string

const (
	KindWheel   Kind = "wheel"
	KindSdist   Kind = "sdist"
	KindPyBundle Kind = "pybundle"
)

// BuildTag is the optional numeric-then-string disambiguator that may
// appear between the version and the compatibility tags of a wheel or
// interpreter bundle filename.
type BuildTag struct {
	Int int
	Str string
}

func (t BuildTag) String() string {
	return fmt.Sprintf("%d%s", t.Int, t.Str)
}

// Cmp orders BuildTags, treating a nil tag as lower than any concrete one.
func (a *BuildTag) Cmp(b *BuildTag) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil && b != nil:
		return -1
	case a != nil && b == nil:
		return 1
	}
	if d := a.Int - b.Int; d != 0 {
		return d
	}
	switch {
	case a.Str < b.Str:
		return -1
	case a.Str > b.Str:
		return 1
	default:
		return 0
	}
}

// Name is the parsed form of a wheel, sdist, or interpreter-bundle
// filename: normalised distribution, Version, optional build tag, and
// (for wheels and bundles) a set of compatibility tags.
type Name struct {
	Kind             Kind
	Distribution     string
	Version          pep440.Version
	BuildTag         *BuildTag
	CompatibilityTag pep425.Tag // zero value for KindSdist
}

var reWheelLike = regexp.MustCompile(regexp.MustCompile(`\s+`).ReplaceAllString(`
	^(?P<distribution>[^-]+)
	-(?P<version>[^-]+)
	(?:-(?P<build_n>[0-9]+)(?P<build_l>[^-0-9][^-]*)?)?
	-(?P<python>[^-]+)
	-(?P<abi>[^-]+)
	-(?P<platform>[^-]+)
	\.(?P<ext>whl|pybi)$`, ``))

var reSdist = regexp.MustCompile(`^(?P<distribution>[^-]+)-(?P<version>[^-]+)\.tar\.gz$`)

// ParseFilename parses a wheel (".whl"), interpreter-bundle (".pybi"), or
// source-distribution (".tar.gz") filename.
func ParseFilename(filename string) (*Name, error) {
	if strings.HasSuffix(filename, ".tar.gz") {
		return parseSdistFilename(filename)
	}
	return parseWheelLikeFilename(filename)
}

func parseSdistFilename(filename string) (*Name, error) {
	match := reSdist.FindStringSubmatch(filename)
	if match == nil {
		return nil, fmt.Errorf("invalid sdist filename: %q", filename)
	}
	ver, err := pep440.ParseVersion(match[reSdist.SubexpIndex("version")])
	if err != nil {
		return nil, fmt.Errorf("invalid sdist filename: %q: %w", filename, err)
	}
	return &Name{
		Kind:         KindSdist,
		Distribution: match[reSdist.SubexpIndex("distribution")],
		Version:      *ver,
	}, nil
}

func parseWheelLikeFilename(filename string) (*Name, error) {
	match := reWheelLike.FindStringSubmatch(filename)
	if match == nil {
		return nil, fmt.Errorf("invalid wheel/bundle filename: %q", filename)
	}

	ret := Name{Kind: KindWheel}
	if match[reWheelLike.SubexpIndex("ext")] == "pybi" {
		ret.Kind = KindPyBundle
	}

	ret.Distribution = match[reWheelLike.SubexpIndex("distribution")]

	ver, err := pep440.ParseVersion(match[reWheelLike.SubexpIndex("version")])
	if err != nil {
		return nil, fmt.Errorf("invalid wheel/bundle filename: %q: %w", filename, err)
	}
	ret.Version = *ver

	if buildN := match[reWheelLike.SubexpIndex("build_n")]; buildN != "" {
		n, _ := strconv.Atoi(buildN)
		ret.BuildTag = &BuildTag{
			Int: n,
			Str: match[reWheelLike.SubexpIndex("build_l")],
		}
	}

	ret.CompatibilityTag = pep425.Tag{
		Python:   match[reWheelLike.SubexpIndex("python")],
		ABI:      match[reWheelLike.SubexpIndex("abi")],
		Platform: match[reWheelLike.SubexpIndex("platform")],
	}

	return &ret, nil
}

// GenerateFilename renders a Name back into its canonical filename, per
// the escaping rules of the binary distribution format: runs of "-_."
// in the distribution collapse to a single "_", and no other component
// may contain a dash.
func GenerateFilename(data Name) (string, error) {
	var ret strings.Builder
	ret.WriteString(regexp.MustCompile("[-_.]+").ReplaceAllLiteralString(data.Distribution, "_"))

	ver, err := data.Version.Normalize()
	if err != nil {
		return "", err
	}
	ret.WriteString("-")
	ret.WriteString(ver.String())

	if data.Kind == KindSdist {
		ret.WriteString(".tar.gz")
		return ret.String(), nil
	}

	if data.BuildTag != nil {
		build := data.BuildTag.String()
		if strings.Contains(build, "-") {
			return "", fmt.Errorf("invalid build tag: contains dash: %q", build)
		}
		ret.WriteString("-")
		ret.WriteString(build)
	}

	compat := data.CompatibilityTag.String()
	if strings.Count(compat, "-") != 2 {
		return "", fmt.Errorf("invalid compatibility tag: %q", compat)
	}
	ret.WriteString("-")
	ret.WriteString(compat)

	switch data.Kind {
	case KindWheel:
		ret.WriteString(".whl")
	case KindPyBundle:
		ret.WriteString(".pybi")
	default:
		return "", fmt.Errorf("invalid artifact kind for compatibility-tagged filename: %q", data.Kind)
	}
	return ret.String(), nil
}

// CompatibilityScore returns the 1-based position of the best-matching
// tag in installer (most-preferred first) that this Name's (possibly
// compressed) compatibility tag is compatible with, honoring the
// PLATFORM wildcard for interpreter bundles. Lower is better; an
// incompatible Name scores len(installer)+1, per
// pep425.Installer.Preference.
func (n Name) CompatibilityScore(installer pep425.Installer) int {
	return installer.Preference(n.CompatibilityTag)
}

// IsCompatible reports whether this Name's compatibility tag intersects
// any tag the installer supports.
func (n Name) IsCompatible(installer pep425.Installer) bool {
	return installer.Supports(n.CompatibilityTag)
}

func (n Name) String() string {
	s, err := GenerateFilename(n)
	if err != nil {
		return fmt.Sprintf("<invalid artifact name: %v>", err)
	}
	return s
}

// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pyerrors declares the error kinds shared across the resolution and
// artifact subsystem, so that callers can discriminate failure modes with
// errors.As instead of string-matching.
package pyerrors

import "fmt"

// Kind identifies which row of the error table a given error belongs to.
type Kind string

const (
	KindInvalidVersion      Kind = "InvalidVersion"
	KindInvalidSpecifier    Kind = "InvalidSpecifier"
	KindInvalidRequirement  Kind = "InvalidRequirement"
	KindUnsupportedMarker   Kind = "UnsupportedMarker"
	KindIndexError          Kind = "IndexError"
	KindNetworkError        Kind = "NetworkError"
	KindHashMismatch        Kind = "HashMismatch"
	KindNoSatisfyingVersion Kind = "NoSatisfyingVersion"
	KindMetadataUnavailable Kind = "MetadataUnavailable"
)

// Error is a typed error carrying one of the Kind values above plus the
// distribution/version it concerns, when known.
type Error struct {
	Kind    Kind
	Dist    string // normalized distribution name, if applicable; "" otherwise
	Version string // version string, if applicable; "" otherwise
	Err     error  // underlying cause, if any
}

func (e *Error) Error() string {
	switch {
	case e.Dist != "" && e.Version != "":
		return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Dist, e.Version, e.Err)
	case e.Dist != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Dist, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind. Callers discriminate with
// errors.As(err, &pe), pe being a *pyerrors.Error, and inspect the Kind
// field.
func New(kind Kind, dist, version string, err error) *Error {
	return &Error{Kind: kind, Dist: dist, Version: version, Err: err}
}

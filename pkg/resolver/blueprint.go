// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	ociv1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/datawire/pyresolve/pkg/pep440"
	"github.com/datawire/pyresolve/pkg/pkgdb"
)

// PinnedPackage is one resolved entry of a Blueprint.
type PinnedPackage struct {
	Version  pep440.Version
	Artifact pkgdb.ArtifactRef
	Hash     *ociv1.Hash // nil unless Config.Store materialised the artifact
}

// Blueprint is the output of a successful resolution: every
// non-synthetic package in the final assignment mapped to its pinned
// version and artifact, plus the interpreter pin.
type Blueprint struct {
	Packages map[string]PinnedPackage
	Python   PinnedPackage
}

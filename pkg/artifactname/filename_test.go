// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package artifactname_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/pyresolve/pkg/artifactname"
	"github.com/datawire/pyresolve/pkg/pep425"
)

func TestParseWheelFilename(t *testing.T) {
	t.Parallel()
	got, err := artifactname.ParseFilename("distribution-1.0-1-py27-none-any.whl")
	require.NoError(t, err)
	assert.Equal(t, artifactname.KindWheel, got.Kind)
	assert.Equal(t, "distribution", got.Distribution)
	assert.Equal(t, "1.0", got.Version.String())
	require.NotNil(t, got.BuildTag)
	assert.Equal(t, 1, got.BuildTag.Int)
	assert.Equal(t, pep425.Tag{Python: "py27", ABI: "none", Platform: "any"}, got.CompatibilityTag)
}

func TestParseWheelFilenameNoBuildTag(t *testing.T) {
	t.Parallel()
	got, err := artifactname.ParseFilename("numpy-1.26.0-cp311-cp311-manylinux_2_17_x86_64.whl")
	require.NoError(t, err)
	assert.Nil(t, got.BuildTag)
	assert.Equal(t, "numpy", got.Distribution)
}

func TestParsePyBundleFilename(t *testing.T) {
	t.Parallel()
	got, err := artifactname.ParseFilename("cpython-3.11.4-cp311-cp311-PLATFORM.pybi")
	require.NoError(t, err)
	assert.Equal(t, artifactname.KindPyBundle, got.Kind)
	assert.Equal(t, "PLATFORM", got.CompatibilityTag.Platform)
}

func TestParseSdistFilename(t *testing.T) {
	t.Parallel()
	got, err := artifactname.ParseFilename("requests-2.31.0.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, artifactname.KindSdist, got.Kind)
	assert.Equal(t, "requests", got.Distribution)
	assert.Equal(t, "2.31.0", got.Version.String())
}

func TestParseFilenameInvalid(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"", "notawheel", "foo-bar-baz.zip", "foo.tar.gz", "foo-1.0-py3.whl"} {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := artifactname.ParseFilename(name)
			assert.Error(t, err)
		})
	}
}

func TestGenerateFilenameRoundTrip(t *testing.T) {
	t.Parallel()
	for _, filename := range []string{
		"distribution-1.0-1-py27-none-any.whl",
		"numpy-1.26.0-cp311-cp311-manylinux_2_17_x86_64.whl",
		"cpython-3.11.4-cp311-cp311-PLATFORM.pybi",
		"requests-2.31.0.tar.gz",
	} {
		filename := filename
		t.Run(filename, func(t *testing.T) {
			t.Parallel()
			parsed, err := artifactname.ParseFilename(filename)
			require.NoError(t, err)
			regenerated, err := artifactname.GenerateFilename(*parsed)
			require.NoError(t, err)
			assert.Equal(t, filename, regenerated)
		})
	}
}

func TestGenerateFilenameNormalizesDistribution(t *testing.T) {
	t.Parallel()
	parsed, err := artifactname.ParseFilename("requests-2.31.0.tar.gz")
	require.NoError(t, err)
	parsed.Distribution = "My.Cool--Package"
	got, err := artifactname.GenerateFilename(*parsed)
	require.NoError(t, err)
	assert.Equal(t, "My_Cool_Package-2.31.0.tar.gz", got)
}

func TestGenerateFilenameRejectsBadBuildTag(t *testing.T) {
	t.Parallel()
	parsed, err := artifactname.ParseFilename("distribution-1.0-1-py27-none-any.whl")
	require.NoError(t, err)
	parsed.BuildTag = &artifactname.BuildTag{Int: 1, Str: "-bad"}
	_, err = artifactname.GenerateFilename(*parsed)
	assert.Error(t, err)
}

func TestCompatibilityScoreAndWildcard(t *testing.T) {
	t.Parallel()
	installer := pep425.Installer{
		{Python: "cp311", ABI: "cp311", Platform: "manylinux_2_17_x86_64"},
		{Python: "py3", ABI: "none", Platform: "any"},
	}

	wheel, err := artifactname.ParseFilename("numpy-1.26.0-cp311-cp311-manylinux_2_17_x86_64.whl")
	require.NoError(t, err)
	assert.True(t, wheel.IsCompatible(installer))
	assert.Equal(t, 1, wheel.CompatibilityScore(installer))

	bundle, err := artifactname.ParseFilename("cpython-3.11.4-cp311-cp311-PLATFORM.pybi")
	require.NoError(t, err)
	assert.True(t, bundle.IsCompatible(installer))

	incompatible, err := artifactname.ParseFilename("foo-1.0-cp27-cp27-win32.whl")
	require.NoError(t, err)
	assert.False(t, incompatible.IsCompatible(installer))
}

func TestBuildTagCmp(t *testing.T) {
	t.Parallel()
	a := &artifactname.BuildTag{Int: 1}
	b := &artifactname.BuildTag{Int: 2}
	assert.True(t, a.Cmp(b) < 0)
	assert.True(t, b.Cmp(a) > 0)
	assert.Equal(t, 0, a.Cmp(&artifactname.BuildTag{Int: 1}))
	var nilTag *artifactname.BuildTag
	assert.True(t, nilTag.Cmp(a) < 0)
	assert.True(t, a.Cmp(nilTag) > 0)
}

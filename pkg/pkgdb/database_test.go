// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pkgdb_test

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/pyresolve/pkg/httpcache"
	"github.com/datawire/pyresolve/pkg/pep425"
	"github.com/datawire/pyresolve/pkg/pep440"
	"github.com/datawire/pyresolve/pkg/pkgdb"
)

type fakeSource struct {
	infos map[string][]pkgdb.ArtifactInfo
}

func (f fakeSource) ListArtifacts(_ context.Context, distribution string) ([]pkgdb.ArtifactInfo, error) {
	return f.infos[distribution], nil
}

func buildWheel(t *testing.T, metadata string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("foo-1.0.dist-info/METADATA")
	require.NoError(t, err)
	_, err = w.Write([]byte(metadata))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDatabaseAvailableVersionsAndArtifacts(t *testing.T) {
	t.Parallel()
	source := fakeSource{infos: map[string][]pkgdb.ArtifactInfo{
		"foo": {
			{Filename: "foo-1.0-py3-none-any.whl", URL: "https://example/foo-1.0-py3-none-any.whl"},
			{Filename: "foo-0.9-py3-none-any.whl", URL: "https://example/foo-0.9-py3-none-any.whl"},
			{Filename: "foo-1.0.tar.gz", URL: "https://example/foo-1.0.tar.gz"},
		},
	}}
	db := &pkgdb.Database{Source: source}

	versions, err := db.AvailableVersions(context.Background(), "foo")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "1.0", versions[0].String())
	assert.Equal(t, "0.9", versions[1].String())

	ver, err := pep440.ParseVersion("1.0")
	require.NoError(t, err)
	refs, err := db.Artifacts(context.Background(), "foo", *ver)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestDatabaseMetadataExtractsFromWheel(t *testing.T) {
	t.Parallel()
	wheelBody := buildWheel(t, "Name: foo\r\nVersion: 1.0\r\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(wheelBody)
	}))
	defer srv.Close()

	source := fakeSource{infos: map[string][]pkgdb.ArtifactInfo{
		"foo": {{Filename: "foo-1.0-py3-none-any.whl", URL: srv.URL}},
	}}
	db := &pkgdb.Database{
		Source:        source,
		Cache:         httpcache.New(t.TempDir(), srv.Client()),
		SupportedTags: pep425.Installer{{Python: "py3", ABI: "none", Platform: "any"}},
	}

	ver, err := pep440.ParseVersion("1.0")
	require.NoError(t, err)
	md, err := db.Metadata(context.Background(), "foo", *ver)
	require.NoError(t, err)
	assert.Equal(t, "foo", md.Name)
}

func TestDatabaseMetadataNoArtifacts(t *testing.T) {
	t.Parallel()
	db := &pkgdb.Database{Source: fakeSource{}}
	ver, err := pep440.ParseVersion("1.0")
	require.NoError(t, err)
	_, err = db.Metadata(context.Background(), "foo", *ver)
	assert.Error(t, err)
}

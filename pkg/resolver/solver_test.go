// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package resolver_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/pyresolve/pkg/httpcache"
	"github.com/datawire/pyresolve/pkg/pep425"
	"github.com/datawire/pyresolve/pkg/pep508"
	"github.com/datawire/pyresolve/pkg/pkgdb"
	"github.com/datawire/pyresolve/pkg/resolver"
)

// memSource is an in-memory pkgdb.IndexSource keyed by distribution
// name, serving wheels whose METADATA body is supplied verbatim.
type memSource struct {
	artifacts map[string][]pkgdb.ArtifactInfo
}

func (m memSource) ListArtifacts(_ context.Context, distribution string) ([]pkgdb.ArtifactInfo, error) {
	return m.artifacts[distribution], nil
}

func buildWheel(t *testing.T, metadata string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("pkg-0.0.dist-info/METADATA")
	require.NoError(t, err)
	_, err = w.Write([]byte(metadata))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// testIndex serves every registered wheel's body from a single
// httptest server, keyed by URL path, and builds a memSource +
// pkgdb.Database wired to it.
type testIndex struct {
	t      *testing.T
	bodies map[string][]byte
	source memSource
	srv    *httptest.Server
}

func newTestIndex(t *testing.T) *testIndex {
	idx := &testIndex{
		t:      t,
		bodies: map[string][]byte{},
		source: memSource{artifacts: map[string][]pkgdb.ArtifactInfo{}},
	}
	idx.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := idx.bodies[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(idx.srv.Close)
	return idx
}

// addVersion registers one version of distribution with the given
// Requires-Dist lines (already joined with "\n") and optional yank.
func (idx *testIndex) addVersion(distribution, version, requiresDist string, yanked bool) {
	metadata := fmt.Sprintf("Name: %s\r\nVersion: %s\r\n", distribution, version)
	for _, line := range strings.Split(requiresDist, "\n") {
		if line != "" {
			metadata += "Requires-Dist: " + line + "\r\n"
		}
	}
	path := fmt.Sprintf("/%s-%s-py3-none-any.whl", distribution, version)
	idx.bodies[path] = buildWheel(idx.t, metadata)
	idx.source.artifacts[distribution] = append(idx.source.artifacts[distribution], pkgdb.ArtifactInfo{
		Filename: fmt.Sprintf("%s-%s-py3-none-any.whl", distribution, version),
		URL:      idx.srv.URL + path,
		Yanked:   yanked,
	})
}

func (idx *testIndex) database() *pkgdb.Database {
	return &pkgdb.Database{
		Source:        idx.source,
		Cache:         httpcache.New(idx.t.TempDir(), idx.srv.Client()),
		SupportedTags: pep425.Installer{{Python: "py3", ABI: "none", Platform: "any"}},
	}
}

func req(t *testing.T, s string) pep508.Requirement {
	t.Helper()
	r, err := pep508.ParseRequirement(s)
	require.NoError(t, err)
	return *r
}

func TestSolveHappyPathPicksNewestSatisfying(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	idx.addVersion("foo", "1.0", "", false)
	idx.addVersion("foo", "2.0", "", false)
	idx.addVersion("python", "3.11", "", false)

	cfg := resolver.Config{Distributions: idx.database(), Interpreters: idx.database()}
	bp, err := resolver.Solve(context.Background(), []pep508.Requirement{req(t, "foo")}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "2.0", bp.Packages["foo"].Version.String())
	assert.Equal(t, "3.11", bp.Python.Version.String())
}

func TestSolveConflictingTransitiveRequirementsFails(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	idx.addVersion("a", "1.0", "b (<2.0)", false)
	idx.addVersion("c", "1.0", "b (>=2.0)", false)
	idx.addVersion("b", "1.0", "", false)
	idx.addVersion("b", "2.0", "", false)
	idx.addVersion("python", "3.11", "", false)

	cfg := resolver.Config{Distributions: idx.database(), Interpreters: idx.database()}
	_, err := resolver.Solve(context.Background(), []pep508.Requirement{req(t, "a"), req(t, "c")}, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b")
}

func TestSolveExcludesPreReleaseUnlessOnlyOption(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	idx.addVersion("foo", "1.0", "", false)
	idx.addVersion("foo", "2.0rc1", "", false)
	idx.addVersion("python", "3.11", "", false)

	cfg := resolver.Config{Distributions: idx.database(), Interpreters: idx.database()}
	bp, err := resolver.Solve(context.Background(), []pep508.Requirement{req(t, "foo")}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "1.0", bp.Packages["foo"].Version.String())
}

func TestSolveAdmitsPreReleaseWhenOnlyVersionsAvailable(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	idx.addVersion("foo", "2.0rc1", "", false)
	idx.addVersion("python", "3.11", "", false)

	cfg := resolver.Config{Distributions: idx.database(), Interpreters: idx.database()}
	bp, err := resolver.Solve(context.Background(), []pep508.Requirement{req(t, "foo")}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "2.0rc1", bp.Packages["foo"].Version.String())
}

func TestSolveExcludesYankedUnlessExactlyPinned(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	idx.addVersion("foo", "1.0", "", false)
	idx.addVersion("foo", "2.0", "", true)
	idx.addVersion("python", "3.11", "", false)

	cfg := resolver.Config{Distributions: idx.database(), Interpreters: idx.database()}
	bp, err := resolver.Solve(context.Background(), []pep508.Requirement{req(t, "foo")}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "1.0", bp.Packages["foo"].Version.String(), "yanked version must not be picked implicitly")

	bp, err = resolver.Solve(context.Background(), []pep508.Requirement{req(t, "foo==2.0")}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "2.0", bp.Packages["foo"].Version.String(), "exact pin admits a yanked version")
}

// writeDirWheel writes a minimal wheel for distribution/version,
// carrying the given (already "\n"-joined) Requires-Dist lines, into
// dir under the filename a DirSource expects.
func writeDirWheel(t *testing.T, dir, distribution, version, requiresDist string) {
	t.Helper()
	metadata := fmt.Sprintf("Name: %s\r\nVersion: %s\r\n", distribution, version)
	for _, line := range strings.Split(requiresDist, "\n") {
		if line != "" {
			metadata += "Requires-Dist: " + line + "\r\n"
		}
	}
	body := buildWheel(t, metadata)
	name := fmt.Sprintf("%s-%s-py3-none-any.whl", distribution, version)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), body, 0o644))
}

func TestSolveResolvesAgainstDirSource(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeDirWheel(t, dir, "foo", "1.0", "bar")
	writeDirWheel(t, dir, "bar", "1.0", "")
	writeDirWheel(t, dir, "python", "3.11", "")

	db := pkgdb.NewDirDatabase(dir, t.TempDir(), pep425.Installer{{Python: "py3", ABI: "none", Platform: "any"}})
	cfg := resolver.Config{Distributions: db, Interpreters: db}

	bp, err := resolver.Solve(context.Background(), []pep508.Requirement{req(t, "foo")}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "1.0", bp.Packages["foo"].Version.String())
	assert.Equal(t, "1.0", bp.Packages["bar"].Version.String())
	assert.Equal(t, "3.11", bp.Python.Version.String())
}

func TestSolveExtraPullsInSyntheticPackage(t *testing.T) {
	t.Parallel()
	idx := newTestIndex(t)
	idx.addVersion("foo", "1.0", "bar; extra == \"x\"", false)
	idx.addVersion("bar", "1.0", "", false)
	idx.addVersion("python", "3.11", "", false)

	cfg := resolver.Config{Distributions: idx.database(), Interpreters: idx.database()}
	bp, err := resolver.Solve(context.Background(), []pep508.Requirement{req(t, "foo[x]")}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "1.0", bp.Packages["foo"].Version.String())
	assert.Equal(t, "1.0", bp.Packages["bar"].Version.String())
}

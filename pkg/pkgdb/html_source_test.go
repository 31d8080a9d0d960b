// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pkgdb_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/pyresolve/pkg/httpcache"
	"github.com/datawire/pyresolve/pkg/pkgdb"
)

const htmlIndexPage = `<!DOCTYPE html>
<html>
<head><meta name="pypi:repository-version" content="1.0"></head>
<body>
<a href="../../packages/foo-1.0-py3-none-any.whl#sha256=deadbeef" data-requires-python="&gt;=3.7">foo-1.0-py3-none-any.whl</a>
<a href="../../packages/foo-0.9-py3-none-any.whl" data-yanked="old release">foo-0.9-py3-none-any.whl</a>
<a href="../../packages/foo-1.0.tar.gz" data-dist-info-metadata="sha256=cafef00d">foo-1.0.tar.gz</a>
</body>
</html>`

func TestHTMLSourceListArtifacts(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, htmlIndexPage)
	}))
	defer srv.Close()

	source := pkgdb.HTMLSource{BaseURL: srv.URL + "/simple/", Cache: httpcache.New(t.TempDir(), srv.Client())}
	infos, err := source.ListArtifacts(context.Background(), "Foo")
	require.NoError(t, err)
	require.Len(t, infos, 3)

	assert.Equal(t, "foo-1.0-py3-none-any.whl", infos[0].Filename)
	assert.Equal(t, ">=3.7", infos[0].RequiresPython)
	require.Len(t, infos[0].Hashes, 1)
	assert.Equal(t, "sha256", infos[0].Hashes[0].Algo)
	assert.Equal(t, "deadbeef", infos[0].Hashes[0].Hex)

	assert.True(t, infos[1].Yanked)
	assert.Equal(t, "old release", infos[1].YankedReason)

	require.NotNil(t, infos[2].DistInfoMetadataHash)
	assert.Equal(t, "cafef00d", infos[2].DistInfoMetadataHash.Hex)
}

func TestHTMLSourceRejectsNewerMajorRepositoryVersion(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><meta name="pypi:repository-version" content="2.0"></head><body></body></html>`)
	}))
	defer srv.Close()

	source := pkgdb.HTMLSource{BaseURL: srv.URL + "/simple/", Cache: httpcache.New(t.TempDir(), srv.Client())}
	_, err := source.ListArtifacts(context.Background(), "foo")
	assert.Error(t, err)
}

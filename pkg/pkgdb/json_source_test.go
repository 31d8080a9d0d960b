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

const jsonIndexPage = `{
  "meta": {"api-version": "1.0"},
  "files": [
    {
      "filename": "foo-1.0-py3-none-any.whl",
      "url": "https://files.example/foo-1.0-py3-none-any.whl",
      "hashes": {"sha256": "deadbeef"},
      "requires-python": ">=3.7",
      "yanked": false,
      "dist-info-metadata": {"sha256": "cafef00d"}
    },
    {
      "filename": "foo-0.9-py3-none-any.whl",
      "url": "https://files.example/foo-0.9-py3-none-any.whl",
      "hashes": {"sha256": "beeeeeef"},
      "yanked": "superseded"
    }
  ]
}`

func TestJSONSourceListArtifacts(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, jsonIndexPage)
	}))
	defer srv.Close()

	source := pkgdb.JSONSource{BaseURL: srv.URL + "/simple/", Cache: httpcache.New(t.TempDir(), srv.Client())}
	infos, err := source.ListArtifacts(context.Background(), "foo")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, ">=3.7", infos[0].RequiresPython)
	assert.False(t, infos[0].Yanked)
	require.NotNil(t, infos[0].DistInfoMetadataHash)
	assert.Equal(t, "cafef00d", infos[0].DistInfoMetadataHash.Hex)

	assert.True(t, infos[1].Yanked)
	assert.Equal(t, "superseded", infos[1].YankedReason)
}

func TestJSONSourceRejectsNewerMajorAPIVersion(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"meta": {"api-version": "2.0"}, "files": []}`)
	}))
	defer srv.Close()

	source := pkgdb.JSONSource{BaseURL: srv.URL + "/simple/", Cache: httpcache.New(t.TempDir(), srv.Client())}
	_, err := source.ListArtifacts(context.Background(), "foo")
	assert.Error(t, err)
}

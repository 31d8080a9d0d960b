// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package artifactstore_test

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/pyresolve/pkg/artifactstore"
	"github.com/datawire/pyresolve/pkg/httpcache"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestInsertIsContentAddressedAndIdempotent(t *testing.T) {
	t.Parallel()
	s := &artifactstore.Store{Dir: t.TempDir()}
	body := "hello world"

	h1, err := s.Insert(context.Background(), strings.NewReader(body))
	require.NoError(t, err)
	h2, err := s.Insert(context.Background(), strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.True(t, s.Has(h1))

	raw, err := os.ReadFile(s.RawPath(h1))
	require.NoError(t, err)
	assert.Equal(t, body, string(raw))
}

func TestFetchOrBuildVerifiesDeclaredHash(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	s := &artifactstore.Store{Dir: t.TempDir()}
	cache := httpcache.New(t.TempDir(), srv.Client())

	_, err := s.FetchOrBuild(context.Background(), artifactstore.FetchRef{
		URL:          srv.URL,
		DeclaredHash: &artifactstore.Hash{Algo: "sha256", Hex: "0000000000000000000000000000000000000000000000000000000000000"},
	}, cache)
	assert.Error(t, err)

	handle, err := s.FetchOrBuild(context.Background(), artifactstore.FetchRef{URL: srv.URL}, cache)
	require.NoError(t, err)
	assert.True(t, s.Has(handle.Hash))
}

func TestUnpackExtractsFilesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	s := &artifactstore.Store{Dir: t.TempDir()}
	archive := buildZip(t, map[string]string{
		"pkg/a.txt": "A",
		"pkg/b.txt": "B",
	})
	hash, err := s.Insert(context.Background(), bytes.NewReader(archive))
	require.NoError(t, err)

	dest, err := s.Unpack(context.Background(), hash)
	require.NoError(t, err)
	a, err := os.ReadFile(filepath.Join(dest, "pkg", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "A", string(a))

	dest2, err := s.Unpack(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, dest, dest2)
}

func TestUnpackMaterializesValidSymlink(t *testing.T) {
	t.Parallel()
	s := &artifactstore.Store{Dir: t.TempDir()}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	realFile, err := zw.Create("data/real.txt")
	require.NoError(t, err)
	_, err = realFile.Write([]byte("real"))
	require.NoError(t, err)

	linkHeader := &zip.FileHeader{Name: "data/link.txt", Method: zip.Store}
	linkHeader.SetMode(os.ModeSymlink | 0o777)
	linkWriter, err := zw.CreateHeader(linkHeader)
	require.NoError(t, err)
	_, err = linkWriter.Write([]byte("real.txt"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	hash, err := s.Insert(context.Background(), bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	dest, err := s.Unpack(context.Background(), hash)
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(dest, "data", "link.txt"))
	require.NoError(t, err)
	assert.Equal(t, "real.txt", target)
}

func TestUnpackRejectsEscapingSymlink(t *testing.T) {
	t.Parallel()
	s := &artifactstore.Store{Dir: t.TempDir()}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	linkHeader := &zip.FileHeader{Name: "data/link.txt", Method: zip.Store}
	linkHeader.SetMode(os.ModeSymlink | 0o777)
	linkWriter, err := zw.CreateHeader(linkHeader)
	require.NoError(t, err)
	_, err = linkWriter.Write([]byte("../../../etc/passwd"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	hash, err := s.Insert(context.Background(), bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	_, err = s.Unpack(context.Background(), hash)
	assert.Error(t, err)
}

func TestUnpackIsAtMostOnceConcurrent(t *testing.T) {
	t.Parallel()
	s := &artifactstore.Store{Dir: t.TempDir()}
	archive := buildZip(t, map[string]string{"f.txt": "x"})
	hash, err := s.Insert(context.Background(), bytes.NewReader(archive))
	require.NoError(t, err)

	// Counts callers that got back the completed tree, not extractions.
	var sawTreeCount int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dest, err := s.Unpack(context.Background(), hash)
			assert.NoError(t, err)
			if _, statErr := os.Stat(filepath.Join(dest, "f.txt")); statErr == nil {
				atomic.AddInt32(&sawTreeCount, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 8, sawTreeCount)

	donePath := filepath.Join(s.Dir, "by-hash", hash.Algorithm, hash.Hex, "DONE")
	_, err = os.Stat(donePath)
	assert.NoError(t, err)
}

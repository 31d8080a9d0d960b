// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pkgdb

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/datawire/pyresolve/pkg/artifactname"
	"github.com/datawire/pyresolve/pkg/httpcache"
	"github.com/datawire/pyresolve/pkg/pep425"
	"github.com/datawire/pyresolve/pkg/pep508"
)

// DirSource is an IndexSource backed by a local filesystem directory of
// already-downloaded artifacts, flat (no per-distribution subdirectory),
// matched by filename the same way an index entry would be. It exists
// so a resolution can run entirely offline against a pre-populated
// vendor directory.
type DirSource struct {
	Dir string
}

func (s DirSource) ListArtifacts(_ context.Context, distribution string) ([]ArtifactInfo, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("pkgdb: reading local artifact directory %q: %w", s.Dir, err)
	}

	want := pep508.NormalizeName(distribution)
	var ret []ArtifactInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, err := artifactname.ParseFilename(entry.Name())
		if err != nil {
			continue
		}
		if pep508.NormalizeName(name.Distribution) != want {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(s.Dir, entry.Name()))
		if err != nil {
			continue
		}
		ret = append(ret, ArtifactInfo{
			Filename: entry.Name(),
			URL:      "file://" + filepath.ToSlash(abs),
		})
	}
	return ret, nil
}

// NewDirDatabase returns a Database backed by a local directory of
// already-downloaded artifacts. cacheDir is a scratch directory for
// httpcache's on-disk entries, distinct from dir itself.
//
// DirSource's ListArtifacts advertises file:// URLs, and the rest of
// the Database/resolver pipeline (Metadata, artifactstore.Store.
// FetchOrBuild) only ever fetches through an *httpcache.Cache, which
// only ever fetches through an *http.Client. The stdlib's default
// transport rejects file:// with "unsupported protocol scheme", so
// the Cache here is wired with a client whose Transport answers
// file:// requests by reading the named file directly off disk,
// rather than touching the network at all.
func NewDirDatabase(dir, cacheDir string, tags pep425.Installer) *Database {
	client := &http.Client{Transport: fileRoundTripper{}}
	cache := httpcache.New(cacheDir, client)
	return &Database{Source: DirSource{Dir: dir}, Cache: cache, SupportedTags: tags}
}

// fileRoundTripper implements http.RoundTripper for file:// URLs only,
// so a Cache built by NewDirDatabase can read local artifacts through
// the same Cache.Get call path used for remote ones.
type fileRoundTripper struct{}

func (fileRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "file" {
		return nil, fmt.Errorf("pkgdb: fileRoundTripper cannot handle scheme %q", req.URL.Scheme)
	}

	f, err := os.Open(filepath.FromSlash(req.URL.Path))
	if err != nil {
		if os.IsNotExist(err) {
			return &http.Response{
				StatusCode: http.StatusNotFound,
				Status:     "404 Not Found",
				Proto:      "HTTP/1.0",
				ProtoMajor: 1,
				Header:     http.Header{},
				Body:       http.NoBody,
				Request:    req,
			}, nil
		}
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.0",
		ProtoMajor:    1,
		Header:        http.Header{"Content-Length": {strconv.FormatInt(stat.Size(), 10)}},
		ContentLength: stat.Size(),
		Body:          f,
		Request:       req,
	}, nil
}

// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package httpcache implements a read-through, disk-backed HTTP cache
// honoring Cache-Control max-age and stale-while-revalidate, ETag/
// If-None-Match and Last-Modified/If-Modified-Since conditional GETs.
// Writes are atomic (temp file + rename); concurrent in-process fetches
// of the same URL are collapsed with singleflight so two callers asking
// for the same resource at once perform exactly one round trip.
package httpcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/pyresolve/pkg/pyerrors"
)

// Cache is a read-through disk cache keyed by canonicalised URL.
type Cache struct {
	Dir    string
	Client *http.Client

	sf singleflight.Group
}

// New returns a Cache rooted at dir, using client for uncached/stale
// requests. If client is nil, http.DefaultClient is used.
func New(dir string, client *http.Client) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{Dir: dir, Client: client}
}

// Result is a cached or freshly-fetched response body plus the subset
// of response metadata callers of a resolution subsystem care about.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Get performs a read-through fetch of url: a fresh cache hit is
// returned without touching the network; a stale-but-revalidatable hit
// issues a conditional GET; anything else is fetched unconditionally.
// Concurrent calls for the same url in this process share one round
// trip.
func (c *Cache) Get(ctx context.Context, url string) (*Result, error) {
	key := canonicalize(url)
	res, err, _ := c.sf.Do(key, func() (any, error) {
		return c.get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Result), nil
}

func (c *Cache) get(ctx context.Context, url string) (*Result, error) {
	basePath := c.entryPath(url)
	now := time.Now()

	m, body, err := readEntry(basePath)
	switch {
	case err == nil:
		switch m.classify(now) {
		case fresh:
			dlog.Debugf(ctx, "httpcache: fresh hit for %q", url)
			return &Result{StatusCode: m.StatusCode, Header: m.Header, Body: body}, nil
		case staleButRevalidateInBackground:
			dlog.Debugf(ctx, "httpcache: serving stale-while-revalidate hit for %q", url)
			go c.revalidateInBackground(url, basePath, m)
			return &Result{StatusCode: m.StatusCode, Header: m.Header, Body: body}, nil
		case staleRevalidatable:
			dlog.Debugf(ctx, "httpcache: revalidating %q", url)
			return c.revalidate(ctx, url, basePath, m, body)
		default:
			dlog.Debugf(ctx, "httpcache: stale entry without validator for %q, refetching", url)
		}
	case !os.IsNotExist(err):
		dlog.Warnf(ctx, "httpcache: discarding unreadable cache entry for %q: %v", url, err)
	}

	return c.fetchAndStore(ctx, url, basePath, nil)
}

func (c *Cache) revalidate(ctx context.Context, url, basePath string, m meta, cachedBody []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, pyerrors.New(pyerrors.KindNetworkError, "", "", err)
	}
	m.applyConditionalHeaders(req)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, pyerrors.New(pyerrors.KindNetworkError, "", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		dlog.Debugf(ctx, "httpcache: 304 for %q", url)
		newMeta := newMeta(url, resp, time.Now())
		newMeta.StatusCode = m.StatusCode
		if err := writeEntry(basePath, newMeta, cachedBody); err != nil {
			dlog.Warnf(ctx, "httpcache: failed to refresh metadata for %q: %v", url, err)
		}
		return &Result{StatusCode: m.StatusCode, Header: newMeta.Header, Body: cachedBody}, nil
	}

	return c.storeResponse(ctx, url, basePath, resp)
}

func (c *Cache) revalidateInBackground(url, basePath string, m meta) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	body, err := readBody(basePath)
	if err != nil {
		return
	}
	if _, err := c.revalidate(ctx, url, basePath, m, body); err != nil {
		dlog.Warnf(ctx, "httpcache: background revalidation of %q failed: %v", url, err)
	}
}

func (c *Cache) fetchAndStore(ctx context.Context, url, basePath string, extra func(*http.Request)) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, pyerrors.New(pyerrors.KindNetworkError, "", "", err)
	}
	if extra != nil {
		extra(req)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, pyerrors.New(pyerrors.KindNetworkError, "", "", err)
	}
	defer resp.Body.Close()
	return c.storeResponse(ctx, url, basePath, resp)
}

func (c *Cache) storeResponse(ctx context.Context, url, basePath string, resp *http.Response) (*Result, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pyerrors.New(pyerrors.KindNetworkError, "", "", err)
	}
	m := newMeta(url, resp, time.Now())
	if err := writeEntry(basePath, m, body); err != nil {
		dlog.Warnf(ctx, "httpcache: failed to persist cache entry for %q: %v", url, err)
	}
	return &Result{StatusCode: resp.StatusCode, Header: m.Header, Body: body}, nil
}

func (c *Cache) entryPath(url string) string {
	sum := sha256.Sum256([]byte(url))
	hexSum := hex.EncodeToString(sum[:])
	return filepath.Join(c.Dir, hexSum[:2], hexSum)
}

// canonicalize normalises a URL for use as a cache key. It is
// intentionally conservative: it relies on url.Parse/String's default
// normalisation (scheme lowercasing, re-escaping); it does not lowercase
// the host, strip default ports, or attempt query-parameter reordering,
// since index URLs in
// this domain never carry query strings whose order is insignificant.
func canonicalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.String()
}

func readEntry(basePath string) (meta, []byte, error) {
	var m meta
	metaBytes, err := os.ReadFile(basePath + ".meta.json")
	if err != nil {
		return m, nil, err
	}
	if err := json.Unmarshal(metaBytes, &m); err != nil {
		return m, nil, fmt.Errorf("httpcache: corrupt metadata at %q: %w", basePath, err)
	}
	body, err := os.ReadFile(basePath + ".body")
	if err != nil {
		return m, nil, err
	}
	return m, body, nil
}

func readBody(basePath string) ([]byte, error) {
	return os.ReadFile(basePath + ".body")
}

func writeEntry(basePath string, m meta, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(basePath), 0o755); err != nil {
		return err
	}
	lock, err := lockPath(basePath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	metaBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := atomicWrite(basePath+".meta.json", metaBytes); err != nil {
		return err
	}
	return atomicWrite(basePath+".body", body)
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	success = true
	return nil
}

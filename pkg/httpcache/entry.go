// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package httpcache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// meta is the on-disk representation of one cache entry's headers and
// freshness inputs, stored alongside the cached body.
type meta struct {
	URL          string      `json:"url"`
	StatusCode   int         `json:"status_code"`
	Header       http.Header `json:"header"`
	FetchedAt    time.Time   `json:"fetched_at"`
	MaxAge       int64       `json:"max_age_seconds"`       // -1 if absent
	SWR          int64       `json:"stale_while_revalidate_seconds"` // -1 if absent
	Expires      time.Time   `json:"expires"`                // zero if absent
	ETag         string      `json:"etag"`
	LastModified string      `json:"last_modified"`
}

// freshness classifies a cache entry at the moment of lookup.
type freshness int

const (
	// fresh means the body may be returned as-is, no network round trip.
	fresh freshness = iota
	// staleButRevalidateInBackground means the body is past max-age but
	// still inside its stale-while-revalidate window: return the cached
	// body immediately and refresh the entry out of band.
	staleButRevalidateInBackground
	// staleRevalidatable means the body is stale but carries a validator
	// (ETag or Last-Modified), so a conditional GET can confirm it's
	// still good without re-downloading the body.
	staleRevalidatable
	// needsFullFetch means the entry has no usable freshness lifetime and
	// no validator: an unconditional GET is required.
	needsFullFetch
)

func newMeta(url string, resp *http.Response, fetchedAt time.Time) meta {
	m := meta{
		URL:          url,
		StatusCode:   resp.StatusCode,
		Header:       resp.Header.Clone(),
		FetchedAt:    fetchedAt,
		MaxAge:       -1,
		SWR:          -1,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	cc := parseCacheControl(resp.Header.Get("Cache-Control"))
	if v, ok := cc["max-age"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			m.MaxAge = n
		}
	}
	if v, ok := cc["stale-while-revalidate"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			m.SWR = n
		}
	}
	if age := resp.Header.Get("Age"); age != "" {
		if n, err := strconv.ParseInt(age, 10, 64); err == nil {
			// Fold the origin-reported Age into FetchedAt so that an
			// already-aged response starts its local life partway
			// through its freshness lifetime, per the standard.
			m.FetchedAt = fetchedAt.Add(-time.Duration(n) * time.Second)
		}
	}
	if exp := resp.Header.Get("Expires"); exp != "" && m.MaxAge < 0 {
		if t, err := http.ParseTime(exp); err == nil {
			m.Expires = t
		}
	}
	return m
}

func parseCacheControl(header string) map[string]string {
	ret := map[string]string{}
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)
		if directive == "" {
			continue
		}
		k, v, _ := strings.Cut(directive, "=")
		ret[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return ret
}

func (m meta) hasValidator() bool {
	return m.ETag != "" || m.LastModified != ""
}

func (m meta) classify(now time.Time) freshness {
	age := now.Sub(m.FetchedAt)
	switch {
	case m.MaxAge >= 0:
		lifetime := time.Duration(m.MaxAge) * time.Second
		if age < lifetime {
			return fresh
		}
		if m.SWR > 0 && age < lifetime+time.Duration(m.SWR)*time.Second {
			return staleButRevalidateInBackground
		}
	case !m.Expires.IsZero():
		if now.Before(m.Expires) {
			return fresh
		}
	}
	if m.hasValidator() {
		return staleRevalidatable
	}
	return needsFullFetch
}

func (m meta) applyConditionalHeaders(req *http.Request) {
	if m.ETag != "" {
		req.Header.Set("If-None-Match", m.ETag)
	}
	if m.LastModified != "" {
		req.Header.Set("If-Modified-Since", m.LastModified)
	}
}

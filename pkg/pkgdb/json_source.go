// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pkgdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/pyresolve/pkg/httpcache"
	"github.com/datawire/pyresolve/pkg/pep440"
	"github.com/datawire/pyresolve/pkg/pep508"
)

// JSONSource is an IndexSource backed by the PEP 691 JSON Simple
// Repository API response shape.
type JSONSource struct {
	BaseURL string
	Cache   *httpcache.Cache
}

type jsonIndexResponse struct {
	Meta  jsonIndexMeta  `json:"meta"`
	Files []jsonIndexFile `json:"files"`
}

type jsonIndexMeta struct {
	APIVersion string `json:"api-version"`
}

type jsonIndexFile struct {
	Filename         string            `json:"filename"`
	URL              string            `json:"url"`
	Hashes           map[string]string `json:"hashes"`
	RequiresPython   *string           `json:"requires-python"`
	Yanked           jsonYanked        `json:"yanked"`
	DistInfoMetadata jsonSidecarHash   `json:"dist-info-metadata"`
}

// jsonYanked accepts either a bare boolean or a string reason, per the
// PEP 691 "yanked" field's two valid shapes.
type jsonYanked struct {
	Present bool
	Reason  string
}

func (y *jsonYanked) UnmarshalJSON(data []byte) error {
	var asBool bool
	if err := json.Unmarshal(data, &asBool); err == nil {
		y.Present = asBool
		return nil
	}
	var asString string
	if err := json.Unmarshal(data, &asString); err != nil {
		return err
	}
	y.Present = true
	y.Reason = asString
	return nil
}

// jsonSidecarHash accepts the "dist-info-metadata" field's two valid
// shapes: a bare boolean, or an object of {algo: hex}.
type jsonSidecarHash struct {
	Present bool
	Algo    string
	Hex     string
}

func (s *jsonSidecarHash) UnmarshalJSON(data []byte) error {
	var asBool bool
	if err := json.Unmarshal(data, &asBool); err == nil {
		s.Present = asBool
		return nil
	}
	var asMap map[string]string
	if err := json.Unmarshal(data, &asMap); err != nil {
		return err
	}
	s.Present = true
	for algo, hex := range asMap {
		s.Algo, s.Hex = algo, hex
		break
	}
	return nil
}

var jsonRepoVersion, _ = pep440.ParseVersion("1.0")

func (s JSONSource) ListArtifacts(ctx context.Context, distribution string) ([]ArtifactInfo, error) {
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("pkgdb: invalid index base URL: %w", err)
	}
	base.Path = path.Join(base.Path, pep508.NormalizeName(distribution)) + "/"

	res, err := s.Cache.Get(ctx, base.String())
	if err != nil {
		return nil, err
	}

	var doc jsonIndexResponse
	if err := json.Unmarshal(res.Body, &doc); err != nil {
		return nil, fmt.Errorf("pkgdb: decoding JSON index for %q: %w", distribution, err)
	}

	if doc.Meta.APIVersion != "" {
		version, err := pep440.ParseVersion(doc.Meta.APIVersion)
		if err != nil {
			return nil, fmt.Errorf("pkgdb: invalid meta.api-version %q: %w", doc.Meta.APIVersion, err)
		}
		if version.Major() > jsonRepoVersion.Major() {
			return nil, fmt.Errorf("pkgdb: index api-version %s is not compatible with this client", version)
		}
		if version.Minor() > jsonRepoVersion.Minor() {
			dlog.Warnf(ctx, "pkgdb: index api-version %s is newer than this client understands", version)
		}
	}

	ret := make([]ArtifactInfo, 0, len(doc.Files))
	for _, f := range doc.Files {
		info := ArtifactInfo{
			Filename: f.Filename,
			URL:      f.URL,
			Yanked:   f.Yanked.Present,
		}
		info.YankedReason = f.Yanked.Reason
		if f.RequiresPython != nil {
			info.RequiresPython = *f.RequiresPython
		}
		if f.DistInfoMetadata.Present {
			info.DistInfoMetadataHash = &Hash{Algo: f.DistInfoMetadata.Algo, Hex: f.DistInfoMetadata.Hex}
		}
		for algo, hex := range f.Hashes {
			info.Hashes = append(info.Hashes, Hash{Algo: algo, Hex: hex})
		}
		ret = append(ret, info)
	}
	return ret, nil
}

// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pkgdb

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/pyresolve/pkg/htmlutil"
	"github.com/datawire/pyresolve/pkg/httpcache"
	"github.com/datawire/pyresolve/pkg/pep440"
	"github.com/datawire/pyresolve/pkg/pep508"
)

// htmlRepoVersion is the highest PEP 503/629 repository-version this
// client understands.
var htmlRepoVersion, _ = pep440.ParseVersion("1.0")

// HTMLSource is an IndexSource backed by a PEP 503 Simple Repository
// HTML index, optionally versioned per PEP 629.
type HTMLSource struct {
	BaseURL string
	Cache   *httpcache.Cache
}

func (s HTMLSource) ListArtifacts(ctx context.Context, distribution string) ([]ArtifactInfo, error) {
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("pkgdb: invalid index base URL: %w", err)
	}
	base.Path = path.Join(base.Path, pep508.NormalizeName(distribution)) + "/"

	res, err := s.Cache.Get(ctx, base.String())
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(bytes.NewReader(res.Body))
	if err != nil {
		return nil, fmt.Errorf("pkgdb: parsing index page for %q: %w", distribution, err)
	}

	if err := checkRepositoryVersionHTML(ctx, doc); err != nil {
		return nil, err
	}

	var ret []ArtifactInfo
	err = htmlutil.VisitHTML(doc, nil, func(node *html.Node) error {
		if node.Type != html.ElementNode || node.Data != "a" {
			return nil
		}
		href, ok := htmlutil.GetAttr(node, "", "href")
		if !ok {
			return nil
		}
		linkURL, err := base.Parse(href)
		if err != nil {
			return nil
		}

		info := ArtifactInfo{
			Filename: linkText(node),
			URL:      strings.TrimSuffix(linkURL.String(), "#"+linkURL.Fragment),
		}
		if info.Filename == "" {
			info.Filename = path.Base(linkURL.Path)
		}

		if h, ok := htmlutil.GetAttr(node, "", "data-requires-python"); ok {
			info.RequiresPython = h
		}
		if reason, ok := htmlutil.GetAttr(node, "", "data-yanked"); ok {
			info.Yanked = true
			info.YankedReason = reason
		}
		if h, ok := htmlutil.GetAttr(node, "", "data-dist-info-metadata"); ok {
			hash := parseSidecarHash(h)
			info.DistInfoMetadataHash = hash
		}
		for _, frag := range strings.Split(linkURL.Fragment, "&") {
			algo, hex, found := strings.Cut(frag, "=")
			if found && hex != "" {
				info.Hashes = append(info.Hashes, Hash{Algo: algo, Hex: hex})
			}
		}

		ret = append(ret, info)
		return nil
	})
	return ret, err
}

func linkText(node *html.Node) string {
	var text strings.Builder
	_ = htmlutil.VisitHTML(node, nil, func(child *html.Node) error {
		if child.Type == html.TextNode {
			text.WriteString(child.Data)
		}
		return nil
	})
	return text.String()
}

// parseSidecarHash parses a `data-dist-info-metadata` attribute value,
// which per PEP 714/658 is either "true" (hash unknown) or "algo=hex".
func parseSidecarHash(v string) *Hash {
	algo, hex, found := strings.Cut(v, "=")
	if !found {
		return &Hash{}
	}
	return &Hash{Algo: algo, Hex: hex}
}

func checkRepositoryVersionHTML(ctx context.Context, doc *html.Node) error {
	verStr := "1.0"
	err := htmlutil.VisitHTML(doc, nil, func(node *html.Node) error {
		if node.Type != html.ElementNode || node.Data != "meta" {
			return nil
		}
		name, _ := htmlutil.GetAttr(node, "", "name")
		if name != "pypi:repository-version" {
			return nil
		}
		if content, ok := htmlutil.GetAttr(node, "", "content"); ok {
			verStr = content
		}
		return nil
	})
	if err != nil {
		return err
	}
	version, err := pep440.ParseVersion(verStr)
	if err != nil {
		return fmt.Errorf("pkgdb: invalid pypi:repository-version %q: %w", verStr, err)
	}
	if version.Major() > htmlRepoVersion.Major() {
		return fmt.Errorf("pkgdb: index repository-version %s is not compatible with this client", version)
	}
	if version.Minor() > htmlRepoVersion.Minor() {
		dlog.Warnf(ctx, "pkgdb: index repository-version %s is newer than this client understands", version)
	}
	return nil
}

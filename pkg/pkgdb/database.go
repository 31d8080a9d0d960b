// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pkgdb

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/pyresolve/pkg/artifactname"
	"github.com/datawire/pyresolve/pkg/httpcache"
	"github.com/datawire/pyresolve/pkg/pep425"
	"github.com/datawire/pyresolve/pkg/pep440"
	"github.com/datawire/pyresolve/pkg/pyerrors"
)

// ArtifactRef names one downloadable artifact for a (distribution,
// version) pair, as advertised by an index, before it has been fetched
// into the artifact store.
type ArtifactRef struct {
	Name                 artifactname.Name
	URL                  string
	DeclaredHash         *Hash
	RequiresPython       string // raw PEP 440 specifier as advertised by the index, "" if unstated
	Yanked               *string // yank reason, nil if not yanked
	DistInfoMetadataHash *Hash
}

// Database is the package index client: it lists versions and
// artifacts for a distribution and fetches core metadata, dispatching
// to whichever IndexSource (HTML, JSON, or local directory) it was
// constructed with.
type Database struct {
	Source        IndexSource
	Cache         *httpcache.Cache
	SupportedTags pep425.Installer
}

// NewHTMLDatabase returns a Database backed by a PEP 503 HTML index.
func NewHTMLDatabase(baseURL string, cache *httpcache.Cache, tags pep425.Installer) *Database {
	return &Database{Source: HTMLSource{BaseURL: baseURL, Cache: cache}, Cache: cache, SupportedTags: tags}
}

// NewJSONDatabase returns a Database backed by a PEP 691 JSON index.
func NewJSONDatabase(baseURL string, cache *httpcache.Cache, tags pep425.Installer) *Database {
	return &Database{Source: JSONSource{BaseURL: baseURL, Cache: cache}, Cache: cache, SupportedTags: tags}
}

func (db *Database) listArtifacts(ctx context.Context, distribution string) ([]ArtifactRef, error) {
	infos, err := db.Source.ListArtifacts(ctx, distribution)
	if err != nil {
		return nil, pyerrors.New(pyerrors.KindIndexError, distribution, "", err)
	}

	ret := make([]ArtifactRef, 0, len(infos))
	for _, info := range infos {
		name, err := artifactname.ParseFilename(info.Filename)
		if err != nil {
			dlog.Debugf(ctx, "pkgdb: skipping unparseable artifact filename %q for %q: %v", info.Filename, distribution, err)
			continue
		}
		ref := ArtifactRef{Name: *name, URL: info.URL, RequiresPython: info.RequiresPython}
		if len(info.Hashes) > 0 {
			h := info.Hashes[0]
			ref.DeclaredHash = &h
		}
		if info.Yanked {
			reason := info.YankedReason
			ref.Yanked = &reason
		}
		ref.DistInfoMetadataHash = info.DistInfoMetadataHash
		ret = append(ret, ref)
	}
	return ret, nil
}

// AvailableVersions returns the sorted (descending) list of distinct
// versions this distribution has any artifact for.
func (db *Database) AvailableVersions(ctx context.Context, distribution string) ([]pep440.Version, error) {
	refs, err := db.listArtifacts(ctx, distribution)
	if err != nil {
		return nil, err
	}
	seen := map[string]pep440.Version{}
	for _, ref := range refs {
		seen[ref.Name.Version.String()] = ref.Name.Version
	}
	ret := make([]pep440.Version, 0, len(seen))
	for _, v := range seen {
		ret = append(ret, v)
	}
	pep440.SortVersions(ret)
	for l, r := 0, len(ret)-1; l < r; l, r = l+1, r-1 {
		ret[l], ret[r] = ret[r], ret[l]
	}
	return ret, nil
}

// Artifacts returns every artifact advertised for one specific version
// of a distribution.
func (db *Database) Artifacts(ctx context.Context, distribution string, version pep440.Version) ([]ArtifactRef, error) {
	refs, err := db.listArtifacts(ctx, distribution)
	if err != nil {
		return nil, err
	}
	var ret []ArtifactRef
	for _, ref := range refs {
		if ref.Name.Version.Cmp(version) == 0 {
			ret = append(ret, ref)
		}
	}
	return ret, nil
}

// Metadata fetches and parses the core metadata for one version of a
// distribution: it prefers a wheel's advertised metadata sidecar
// (fetching only that document and verifying its hash), and otherwise
// streams the dist-info/METADATA member out of the best-matching wheel,
// or PKG-INFO out of an sdist as a last resort.
func (db *Database) Metadata(ctx context.Context, distribution string, version pep440.Version) (*CoreMetadata, error) {
	refs, err := db.Artifacts(ctx, distribution, version)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, pyerrors.New(pyerrors.KindMetadataUnavailable, distribution, version.String(), fmt.Errorf("no artifacts found"))
	}

	ref := db.pickForMetadata(refs)

	if ref.DistInfoMetadataHash != nil {
		sidecarURL := ref.URL + ".metadata"
		res, err := db.Cache.Get(ctx, sidecarURL)
		if err == nil {
			if err := verifyHash(res.Body, ref.DistInfoMetadataHash); err != nil {
				return nil, pyerrors.New(pyerrors.KindHashMismatch, distribution, version.String(), err)
			}
			return ParseCoreMetadata(bytes.NewReader(res.Body))
		}
		dlog.Debugf(ctx, "pkgdb: metadata sidecar fetch failed for %q, falling back to full artifact: %v", sidecarURL, err)
	}

	res, err := db.Cache.Get(ctx, ref.URL)
	if err != nil {
		return nil, pyerrors.New(pyerrors.KindNetworkError, distribution, version.String(), err)
	}
	if ref.DeclaredHash != nil {
		if err := verifyHash(res.Body, ref.DeclaredHash); err != nil {
			return nil, pyerrors.New(pyerrors.KindHashMismatch, distribution, version.String(), err)
		}
	}

	switch ref.Name.Kind {
	case artifactname.KindSdist:
		return extractSdistMetadata(res.Body)
	default:
		return extractWheelMetadata(res.Body)
	}
}

// pickForMetadata prefers a wheel compatible with SupportedTags (so
// the sidecar/zip path reads the same artifact the store would later
// unpack), falling back to any wheel, then to an sdist.
func (db *Database) pickForMetadata(refs []ArtifactRef) ArtifactRef {
	var bestWheel *ArtifactRef
	bestRank := 0
	var anyWheel *ArtifactRef
	var anySdist *ArtifactRef
	for i := range refs {
		ref := &refs[i]
		switch ref.Name.Kind {
		case artifactname.KindSdist:
			if anySdist == nil {
				anySdist = ref
			}
		default:
			if anyWheel == nil {
				anyWheel = ref
			}
			if db.SupportedTags != nil {
				rank := db.SupportedTags.Preference(ref.Name.CompatibilityTag)
				if bestWheel == nil || rank < bestRank {
					bestWheel, bestRank = ref, rank
				}
			}
		}
	}
	switch {
	case bestWheel != nil:
		return *bestWheel
	case anyWheel != nil:
		return *anyWheel
	case anySdist != nil:
		return *anySdist
	default:
		return refs[0]
	}
}

func verifyHash(body []byte, want *Hash) error {
	if want.Algo != "sha256" {
		// Only sha256 is verified directly; other advertised algorithms
		// are recorded but not independently checked here.
		return nil
	}
	sum := sha256.Sum256(body)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, want.Hex) {
		return fmt.Errorf("hash mismatch: want sha256:%s got sha256:%s", want.Hex, got)
	}
	return nil
}

func extractWheelMetadata(body []byte) (*CoreMetadata, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, pyerrors.New(pyerrors.KindMetadataUnavailable, "", "", err)
	}
	for _, f := range zr.File {
		base := path.Base(f.Name)
		dir := path.Base(path.Dir(f.Name))
		if base != "METADATA" {
			continue
		}
		if !strings.HasSuffix(dir, ".dist-info") && !strings.HasSuffix(dir, "pybi-info") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, pyerrors.New(pyerrors.KindMetadataUnavailable, "", "", err)
		}
		defer rc.Close()
		return ParseCoreMetadata(rc)
	}
	return nil, pyerrors.New(pyerrors.KindMetadataUnavailable, "", "", fmt.Errorf("no *.dist-info/METADATA member found"))
}

// extractSdistMetadata reads PKG-INFO from the root of a source
// distribution tarball. An sdist's PKG-INFO is trusted as final
// metadata only when it declares Metadata-Version >= 2.2 and does not
// list Requires-Dist/Requires-Python as Dynamic (see
// CoreMetadata.TrustedSdistMetadata); otherwise the sdist must be
// built via the external build-backend collaborator to obtain
// reliable metadata, and this returns MetadataUnavailable so the
// caller knows to fall back to that path rather than resolving
// against a possibly-incomplete dependency set.
func extractSdistMetadata(body []byte) (*CoreMetadata, error) {
	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, pyerrors.New(pyerrors.KindMetadataUnavailable, "", "", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, pyerrors.New(pyerrors.KindMetadataUnavailable, "", "", err)
		}
		// PKG-INFO lives one level down, at "{dist}-{version}/PKG-INFO".
		parts := strings.SplitN(hdr.Name, "/", 2)
		if len(parts) != 2 || parts[1] != "PKG-INFO" {
			continue
		}
		md, err := ParseCoreMetadata(tr)
		if err != nil {
			return nil, err
		}
		if !md.TrustedSdistMetadata() {
			return nil, pyerrors.New(pyerrors.KindMetadataUnavailable, md.Name, md.Version.String(),
				fmt.Errorf("PKG-INFO metadata-version %q is untrusted or declares Requires-Dist/Requires-Python dynamic; build backend invocation is required", md.MetadataVersion))
		}
		return md, nil
	}
	return nil, pyerrors.New(pyerrors.KindMetadataUnavailable, "", "", fmt.Errorf("no PKG-INFO member found"))
}

// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package artifactstore implements the content-addressed on-disk store
// of raw artifact bytes and their unpacked trees, guaranteeing
// at-most-one concurrent unpack per content hash.
package artifactstore

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	ociv1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/pyresolve/pkg/httpcache"
	"github.com/datawire/pyresolve/pkg/pyerrors"
)

// Store is a content-addressed directory tree rooted at Dir, laid out
// as store/by-hash/<algo>/<hex>/{raw,unpacked}/.
type Store struct {
	Dir string
}

// Handle names one artifact already known to the store by its content
// hash.
type Handle struct {
	Hash ociv1.Hash
}

func (s *Store) hashDir(hash ociv1.Hash) string {
	return filepath.Join(s.Dir, "by-hash", hash.Algorithm, hash.Hex)
}

// RawPath is the path to the artifact's raw (as-downloaded) bytes.
func (s *Store) RawPath(hash ociv1.Hash) string {
	return filepath.Join(s.hashDir(hash), "raw")
}

// UnpackedPath is the path to the artifact's extracted tree.
func (s *Store) UnpackedPath(hash ociv1.Hash) string {
	return filepath.Join(s.hashDir(hash), "unpacked")
}

// Has reports whether the artifact's raw bytes are already stored.
func (s *Store) Has(hash ociv1.Hash) bool {
	_, err := os.Stat(s.RawPath(hash))
	return err == nil
}

// Insert streams r through SHA-256 to a temp file and atomically
// renames it into place, returning the resulting hash. If an artifact
// with that hash is already stored, the temp file is discarded and the
// existing one is kept (inserts are idempotent).
func (s *Store) Insert(ctx context.Context, r io.Reader) (ociv1.Hash, error) {
	tmpDir := filepath.Join(s.Dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return ociv1.Hash{}, err
	}
	tmp, err := os.CreateTemp(tmpDir, "insert-*")
	if err != nil {
		return ociv1.Hash{}, err
	}
	tmpName := tmp.Name()
	cleanTmp := true
	defer func() {
		if cleanTmp {
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return ociv1.Hash{}, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return ociv1.Hash{}, err
	}
	if err := tmp.Close(); err != nil {
		return ociv1.Hash{}, err
	}

	hash := ociv1.Hash{Algorithm: "sha256", Hex: hex.EncodeToString(h.Sum(nil))}
	dir := s.hashDir(hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ociv1.Hash{}, err
	}
	dst := filepath.Join(dir, "raw")
	if _, err := os.Stat(dst); err == nil {
		// Already present under this hash; nothing left to do.
		return hash, nil
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return ociv1.Hash{}, err
	}
	cleanTmp = false
	dlog.Debugf(ctx, "artifactstore: inserted %s", hash)
	return hash, nil
}

// FetchRef is the subset of a pkgdb.ArtifactRef this package needs, to
// avoid an import cycle between artifactstore and pkgdb.
type FetchRef struct {
	URL          string
	DeclaredHash *Hash
}

// Hash is a declared content hash, mirroring pkgdb.Hash's shape.
type Hash struct {
	Algo string
	Hex  string
}

// FetchOrBuild returns the Handle for ref, fetching it through cache
// and inserting it into the store if it isn't already known locally.
// When ref carries a declared hash, the fetched bytes are verified
// against it before being trusted.
func (s *Store) FetchOrBuild(ctx context.Context, ref FetchRef, cache *httpcache.Cache) (*Handle, error) {
	if ref.DeclaredHash != nil && ref.DeclaredHash.Algo == "sha256" {
		hash := ociv1.Hash{Algorithm: "sha256", Hex: ref.DeclaredHash.Hex}
		if s.Has(hash) {
			return &Handle{Hash: hash}, nil
		}
	}

	res, err := cache.Get(ctx, ref.URL)
	if err != nil {
		return nil, pyerrors.New(pyerrors.KindNetworkError, "", "", err)
	}

	hash, err := s.Insert(ctx, strings.NewReader(string(res.Body)))
	if err != nil {
		return nil, err
	}
	if ref.DeclaredHash != nil && ref.DeclaredHash.Algo == "sha256" && !strings.EqualFold(hash.Hex, ref.DeclaredHash.Hex) {
		return nil, pyerrors.New(pyerrors.KindHashMismatch, "", "",
			fmt.Errorf("declared hash sha256:%s does not match fetched content sha256:%s", ref.DeclaredHash.Hex, hash.Hex))
	}
	return &Handle{Hash: hash}, nil
}

// Unpack extracts the zip-format archive stored under hash into its
// sibling unpacked/ directory, protected by an exclusive lock keyed by
// the hash so concurrent callers observe exactly one extraction and
// every waiter returns the completed tree. If the DONE marker is
// already present, Unpack returns at once without taking the lock;
// otherwise the marker is checked again once the lock is held.
func (s *Store) Unpack(ctx context.Context, hash ociv1.Hash) (string, error) {
	dir := s.hashDir(hash)
	dest := filepath.Join(dir, "unpacked")
	donePath := filepath.Join(dir, "DONE")

	if _, err := os.Stat(donePath); err == nil {
		return dest, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dlog.Debugf(ctx, "artifactstore: waiting for unpack lock on %s", hash)
	lock, err := lockHash(dir)
	if err != nil {
		return "", err
	}
	defer lock.Unlock()
	dlog.Debugf(ctx, "artifactstore: acquired unpack lock on %s", hash)

	if _, err := os.Stat(donePath); err == nil {
		// Another process/goroutine finished the extraction while we
		// waited for the lock.
		return dest, nil
	}

	if err := os.RemoveAll(dest); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}

	if err := extractZip(s.RawPath(hash), dest); err != nil {
		return "", err
	}

	if err := os.WriteFile(donePath, nil, 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

func extractZip(rawPath, dest string) error {
	zr, err := zip.OpenReader(rawPath)
	if err != nil {
		return fmt.Errorf("artifactstore: opening %q as zip: %w", rawPath, err)
	}
	defer zr.Close()

	members := make([]*zip.File, 0, len(zr.File))
	memberSet := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		members = append(members, f)
		memberSet[f.Name] = true
	}

	for _, f := range members {
		target := filepath.Join(dest, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("artifactstore: archive member escapes destination: %q", f.Name)
		}

		if isSymlink(f) {
			if err := extractSymlink(f, dest, target, memberSet); err != nil {
				return err
			}
			continue
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return err
	}
	return nil
}

// isSymlink implements the Info-Zip convention for symlinks: the upper
// 16 bits of ExternalAttrs hold a Unix mode, and S_IFLNK (0xA000) marks
// a symbolic link whose target is stored as the entry's file body.
func isSymlink(f *zip.File) bool {
	return (f.ExternalAttrs>>16)&0xF000 == 0xA000
}

func extractSymlink(f *zip.File, dest, target string, memberSet map[string]bool) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	targetBytes, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	linkTarget := string(targetBytes)

	if filepath.IsAbs(linkTarget) || strings.HasPrefix(linkTarget, "/") {
		return fmt.Errorf("artifactstore: symlink %q has absolute target %q", f.Name, linkTarget)
	}
	resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(linkTarget))
	if !strings.HasPrefix(resolved, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("artifactstore: symlink %q resolves outside the bundle: %q", f.Name, linkTarget)
	}
	if strings.HasPrefix(f.Name, "pybi-info/") {
		return fmt.Errorf("artifactstore: symlink not permitted inside pybi-info/: %q", f.Name)
	}
	prefix := f.Name + "/"
	for name := range memberSet {
		if name != f.Name && strings.HasPrefix(name, prefix) {
			return fmt.Errorf("artifactstore: symlink %q is a prefix of another archive member %q", f.Name, name)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.Symlink(linkTarget, target)
}

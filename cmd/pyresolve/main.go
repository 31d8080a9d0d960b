// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Command pyresolve is a debug entry point for exercising the
// resolver library during development. It is deliberately not a
// polished CLI: no subcommands, no terminal styling, just enough
// stdlib flag.Parse to drive a resolution from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/pyresolve/pkg/artifactstore"
	"github.com/datawire/pyresolve/pkg/httpcache"
	"github.com/datawire/pyresolve/pkg/pep425"
	"github.com/datawire/pyresolve/pkg/pep508"
	"github.com/datawire/pyresolve/pkg/pkgdb"
	"github.com/datawire/pyresolve/pkg/resolver"
)

type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	var (
		indexURL      string
		interpIndex   string
		cacheDir      string
		storeDir      string
		tagSpecs      stringList
		envPairs      stringList
		preReleases   stringList
		requirements  stringList
		pythonVersion string
	)
	flag.StringVar(&indexURL, "index-url", "https://pypi.org/simple/", "PEP 503 package index base URL")
	flag.StringVar(&interpIndex, "interpreter-index-url", "https://pypi.org/simple/", "index base URL for @python interpreter bundles")
	flag.StringVar(&cacheDir, "cache-dir", "", "HTTP cache directory (required)")
	flag.StringVar(&storeDir, "store-dir", "", "artifact store directory; if unset, artifacts are not fetched or hashed")
	flag.StringVar(&pythonVersion, "python-version", "3.11", "python_version marker value")
	flag.Var(&tagSpecs, "tag", "supported compatibility tag PYTHON-ABI-PLATFORM, most preferred first; repeatable")
	flag.Var(&envPairs, "env", "marker environment override NAME=VALUE; repeatable")
	flag.Var(&preReleases, "allow-prerelease", "distribution name admitted to pre-release candidates; repeatable")
	flag.Var(&requirements, "require", "PEP 508 requirement string; repeatable, at least one required")
	flag.Parse()

	ctx := context.Background()

	if cacheDir == "" {
		fmt.Fprintln(os.Stderr, "pyresolve: -cache-dir is required")
		os.Exit(2)
	}
	if len(requirements) == 0 {
		fmt.Fprintln(os.Stderr, "pyresolve: at least one -require is needed")
		os.Exit(2)
	}

	if err := run(ctx, indexURL, interpIndex, cacheDir, storeDir, pythonVersion, tagSpecs, envPairs, preReleases, requirements); err != nil {
		dlog.Errorf(ctx, "pyresolve: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, indexURL, interpIndex, cacheDir, storeDir, pythonVersion string, tagSpecs, envPairs, preReleases, reqStrings []string) error {
	tags, err := parseTags(tagSpecs)
	if err != nil {
		return err
	}

	client := http.DefaultClient
	cache := httpcache.New(cacheDir, client)

	env := pep508.MarkerEnv{
		pep508.VarPythonVersion:                pythonVersion,
		pep508.VarPythonFullVersion:            pythonVersion,
		pep508.VarImplementationName:           "cpython",
		pep508.VarPlatformPythonImplementation: "CPython",
		pep508.VarOSName:                       "posix",
		pep508.VarSysPlatform:                  "linux",
	}
	for _, pair := range envPairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid -env %q, want NAME=VALUE", pair)
		}
		env[k] = v
	}

	allow := map[string]bool{}
	for _, name := range preReleases {
		allow[pep508.NormalizeName(name)] = true
	}

	var reqs []pep508.Requirement
	for _, s := range reqStrings {
		req, err := pep508.ParseRequirement(s)
		if err != nil {
			return fmt.Errorf("parsing requirement %q: %w", s, err)
		}
		reqs = append(reqs, *req)
	}

	cfg := resolver.Config{
		MarkerEnv:           env,
		PreReleaseAllowlist: allow,
		Distributions:       pkgdb.NewHTMLDatabase(indexURL, cache, tags),
		Interpreters:        pkgdb.NewHTMLDatabase(interpIndex, cache, tags),
	}
	if storeDir != "" {
		cfg.Store = &artifactstore.Store{Dir: storeDir}
	}

	bp, err := resolver.Solve(ctx, reqs, cfg)
	if err != nil {
		return err
	}

	fmt.Printf("python %s\n", bp.Python.Version)
	for name, pinned := range bp.Packages {
		hash := "-"
		if pinned.Hash != nil {
			hash = pinned.Hash.String()
		}
		fmt.Printf("%s %s %s %s\n", name, pinned.Version, pinned.Artifact.URL, hash)
	}
	return nil
}

func parseTags(specs []string) (pep425.Installer, error) {
	var out pep425.Installer
	for _, s := range specs {
		parts := strings.SplitN(s, "-", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid -tag %q, want PYTHON-ABI-PLATFORM", s)
		}
		out = append(out, pep425.Tag{Python: parts[0], ABI: parts[1], Platform: parts[2]})
	}
	return out, nil
}

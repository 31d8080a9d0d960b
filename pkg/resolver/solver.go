// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/pyresolve/pkg/artifactstore"
	"github.com/datawire/pyresolve/pkg/pep440"
	"github.com/datawire/pyresolve/pkg/pep508"
	"github.com/datawire/pyresolve/pkg/pkgdb"
	"github.com/datawire/pyresolve/pkg/pyerrors"
)

// pythonDistribution is the fixed distribution name @python resolves
// against in Config.Interpreters.
const pythonDistribution = "python"

// decision records one package/version choice and how many entries of
// the requirement list existed before its dependency expansion, so a
// backjump can cleanly undo exactly the requirements it introduced.
type decision struct {
	pkg      Package
	version  pep440.Version
	reqStart int
}

// solveState is the mutable state of one Solve call. The decision loop
// itself is single-threaded per §5; the one exception is
// prefetchSiblings, which fetches metadata for several packages
// concurrently, so metadataMu guards the one cache it writes to from
// more than one goroutine.
type solveState struct {
	ctx context.Context
	cfg Config

	requirements []requirement
	decisions    []decision
	excluded     map[Package]map[string]bool // permanent no-goods, survive backjumps
	arena        incompatibilityArena

	versionCache map[Package][]pep440.Version
	yankCache    map[Package]map[string]*string // version string -> yank reason

	metadataMu    sync.Mutex
	metadataCache map[Package]map[string]*pkgdb.CoreMetadata
}

// Solve resolves rootReqs (the user's top-level requirements, already
// parsed per PEP 508) plus the interpreter pin into a Blueprint.
func Solve(ctx context.Context, rootReqs []pep508.Requirement, cfg Config) (*Blueprint, error) {
	st := &solveState{
		ctx:           ctx,
		cfg:           cfg,
		excluded:      map[Package]map[string]bool{},
		versionCache:  map[Package][]pep440.Version{},
		yankCache:     map[Package]map[string]*string{},
		metadataCache: map[Package]map[string]*pkgdb.CoreMetadata{},
	}

	for _, req := range rootReqs {
		ok, err := evalMarker(req, cfg.MarkerEnv, "")
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		st.addRequirementsFor(req, rootPackage, nil)
	}
	st.requirements = append(st.requirements, requirement{target: pythonPackage, fromPackage: rootPackage})

	conflicts := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pkg, ready := st.pickNext()
		if !ready {
			return st.buildBlueprint(ctx)
		}

		versions, err := st.candidates(ctx, pkg)
		if err != nil {
			return nil, err
		}
		st.prefetchSiblings(ctx, pkg)
		if len(versions) == 0 {
			conflicts++
			if conflicts > st.cfg.maxConflicts() {
				return nil, pyerrors.New(pyerrors.KindNoSatisfyingVersion, string(pkg), "", fmt.Errorf("exceeded maximum backjump attempts"))
			}
			chain := st.chainFor(pkg)
			st.arena.learn(pkg, pep440.Version{}, noVersionsCause{pkg: pkg, chain: chain})
			if !st.backjump(pkg) {
				return nil, pyerrors.New(pyerrors.KindNoSatisfyingVersion, string(pkg), "",
					fmt.Errorf("no satisfying version; derivation trace:\n%s", st.arena.trace()))
			}
			continue
		}

		v := versions[0]
		md, err := st.fetchMetadata(ctx, pkg, v)
		if err != nil {
			var pe *pyerrors.Error
			if errors.As(err, &pe) && pe.Kind == pyerrors.KindMetadataUnavailable {
				dlog.Warnf(ctx, "resolver: %s %s has unusable metadata, excluding: %v", pkg, v, err)
				st.exclude(pkg, v)
				continue
			}
			return nil, err
		}

		newReqs, err := st.expand(pkg, v, md)
		if err != nil {
			return nil, err
		}

		st.decisions = append(st.decisions, decision{pkg: pkg, version: v, reqStart: len(st.requirements)})
		st.requirements = append(st.requirements, newReqs...)
		dlog.Debugf(ctx, "resolver: decided %s %s (decision %d)", pkg, v, len(st.decisions))
	}
}

func evalMarker(req pep508.Requirement, env pep508.MarkerEnv, extra string) (bool, error) {
	if req.Marker == nil {
		return true, nil
	}
	e := env
	if extra != "" {
		e = env.WithExtra(extra)
	}
	ok, err := req.Marker.Eval(e)
	if err != nil {
		return false, pyerrors.New(pyerrors.KindUnsupportedMarker, req.Name, "", err)
	}
	return ok, nil
}

// addRequirementsFor appends the requirement(s) implied by req: a
// direct requirement on req.Name, plus one synthetic requirement per
// requested extra.
func (st *solveState) addRequirementsFor(req pep508.Requirement, from Package, fromVersion *pep440.Version) {
	target := Package(pep508.NormalizeName(req.Name))
	st.requirements = append(st.requirements, requirement{
		target: target, spec: req.Specifier, fromPackage: from, fromVersion: fromVersion,
	})
	for _, extra := range req.Extras {
		st.requirements = append(st.requirements, requirement{
			target: extraPackage(target, extra), fromPackage: from, fromVersion: fromVersion,
		})
	}
}

// readyUndecided returns every package that has at least one
// requirement but no decision yet and, for extra packages, whose base
// package has already been decided, in first-seen order.
func (st *solveState) readyUndecided() []Package {
	decided := map[Package]bool{}
	for _, d := range st.decisions {
		decided[d.pkg] = true
	}

	order := map[Package]int{}
	var names []Package
	for _, r := range st.requirements {
		if _, ok := order[r.target]; !ok {
			order[r.target] = len(order)
			names = append(names, r.target)
		}
	}
	sort.Slice(names, func(i, j int) bool { return order[names[i]] < order[names[j]] })

	var ready []Package
	for _, pkg := range names {
		if decided[pkg] {
			continue
		}
		if base, _, ok := splitExtra(pkg); ok && !decided[base] {
			continue
		}
		ready = append(ready, pkg)
	}
	return ready
}

// pickNext chooses the most-constrained undecided, ready package
// (fewest remaining candidates, ties broken by earliest introduction),
// mirroring the teacher resolver's most-constrained-first heuristic.
func (st *solveState) pickNext() (Package, bool) {
	var best Package
	bestCount := -1
	found := false
	for _, pkg := range st.readyUndecided() {
		versions, err := st.candidates(st.ctx, pkg)
		count := len(versions)
		if err != nil {
			count = 0
		}
		if !found || count < bestCount {
			best, bestCount, found = pkg, count, true
		}
	}
	return best, found
}

// prefetchSiblings warms the metadata cache for a bounded number of
// other ready packages' top candidate, fetching them concurrently with
// one another and returning once all have finished, before the caller's
// own synchronous fetch for primary. This is the "request queue
// processed between solver decisions" interleaving: prefetch failures
// are discarded here and surfaced for real the next time that package
// is actually decided.
func (st *solveState) prefetchSiblings(ctx context.Context, primary Package) {
	const maxPrefetch = 3
	var g errgroup.Group
	n := 0
	for _, pkg := range st.readyUndecided() {
		if pkg == primary || n >= maxPrefetch {
			continue
		}
		versions, err := st.candidates(ctx, pkg)
		if err != nil || len(versions) == 0 {
			continue
		}
		pkg, v := pkg, versions[0]
		n++
		g.Go(func() error {
			_, _ = st.fetchMetadata(ctx, pkg, v)
			return nil
		})
	}
	_ = g.Wait()
}

// chainFor collects the requirements currently targeting pkg, for the
// failure trace.
func (st *solveState) chainFor(pkg Package) []requirement {
	var out []requirement
	for _, r := range st.requirements {
		if r.target == pkg {
			out = append(out, r)
		}
	}
	return out
}

func (st *solveState) exclude(pkg Package, v pep440.Version) {
	if st.excluded[pkg] == nil {
		st.excluded[pkg] = map[string]bool{}
	}
	st.excluded[pkg][v.String()] = true
}

// backjump undoes the most recent decision, permanently excluding the
// version it chose, and returns whether any decision remained to undo.
// This is a scoped simplification of PubGrub's first-unique-implication-
// point backjump: rather than computing the minimal learned clause, it
// rewinds exactly one decision level at a time, recording a full no-good
// for the undone (package, version) pair. See DESIGN.md.
func (st *solveState) backjump(failingPkg Package) bool {
	if len(st.decisions) == 0 {
		return false
	}
	last := st.decisions[len(st.decisions)-1]
	st.exclude(last.pkg, last.version)
	st.requirements = st.requirements[:last.reqStart]
	st.decisions = st.decisions[:len(st.decisions)-1]
	dlog.Debugf(st.ctx, "resolver: backjumping past %s %s (conflict on %s)", last.pkg, last.version, failingPkg)
	return true
}

// candidates returns the ranked, admissible version list for pkg given
// the requirements and exclusions currently in effect.
func (st *solveState) candidates(ctx context.Context, pkg Package) ([]pep440.Version, error) {
	if pkg == rootPackage {
		return []pep440.Version{{}}, nil
	}
	if base, _, ok := splitExtra(pkg); ok {
		for _, d := range st.decisions {
			if d.pkg == base {
				return []pep440.Version{d.version}, nil
			}
		}
		return nil, nil
	}

	all, yanks, err := st.allVersions(ctx, pkg)
	if err != nil {
		return nil, err
	}
	spec := combinedSpec(st.requirements, pkg)
	excluded := st.excluded[pkg]

	allPreRelease := true
	for _, v := range all {
		if !v.IsPreRelease() {
			allPreRelease = false
			break
		}
	}
	allowPrerelease := allPreRelease || st.cfg.PreReleaseAllowlist[string(pkg)]

	var out []pep440.Version
	for _, v := range all {
		if excluded != nil && excluded[v.String()] {
			continue
		}
		if !spec.Match(v) {
			continue
		}
		if v.IsPreRelease() && !allowPrerelease && !isExactPin(spec, v) {
			continue
		}
		if reason := yanks[v.String()]; reason != nil && !isExactPin(spec, v) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (st *solveState) allVersions(ctx context.Context, pkg Package) ([]pep440.Version, map[string]*string, error) {
	if vs, ok := st.versionCache[pkg]; ok {
		return vs, st.yankCache[pkg], nil
	}

	db, dist := st.databaseFor(pkg)
	versions, err := db.AvailableVersions(ctx, dist)
	if err != nil {
		return nil, nil, err
	}
	yanks := map[string]*string{}
	for _, v := range versions {
		refs, err := db.Artifacts(ctx, dist, v)
		if err != nil {
			return nil, nil, err
		}
		anyNotYanked := false
		var reason *string
		for _, ref := range refs {
			if ref.Yanked == nil {
				anyNotYanked = true
			} else if reason == nil {
				reason = ref.Yanked
			}
		}
		if !anyNotYanked && reason != nil {
			yanks[v.String()] = reason
		}
	}
	st.versionCache[pkg] = versions
	st.yankCache[pkg] = yanks
	return versions, yanks, nil
}

// databaseFor resolves pkg to the Database and distribution name that
// answers for it. Extra packages resolve to their base package: they
// share its metadata, just evaluated with the extra's marker context.
func (st *solveState) databaseFor(pkg Package) (*pkgdb.Database, string) {
	if pkg == pythonPackage {
		return st.cfg.Interpreters, pythonDistribution
	}
	if base, _, ok := splitExtra(pkg); ok {
		return st.databaseFor(base)
	}
	return st.cfg.Distributions, string(pkg)
}

// fetchMetadata fetches core metadata for (pkg, v), retrying transient
// network failures with exponential backoff up to a bounded attempt
// count, per the resolver's failure-mode policy.
func (st *solveState) fetchMetadata(ctx context.Context, pkg Package, v pep440.Version) (*pkgdb.CoreMetadata, error) {
	st.metadataMu.Lock()
	if m := st.metadataCache[pkg]; m != nil {
		if md, ok := m[v.String()]; ok {
			st.metadataMu.Unlock()
			return md, nil
		}
	}
	st.metadataMu.Unlock()

	db, dist := st.databaseFor(pkg)
	const maxAttempts = 4
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		md, err := db.Metadata(ctx, dist, v)
		if err == nil {
			st.metadataMu.Lock()
			if st.metadataCache[pkg] == nil {
				st.metadataCache[pkg] = map[string]*pkgdb.CoreMetadata{}
			}
			st.metadataCache[pkg][v.String()] = md
			st.metadataMu.Unlock()
			return md, nil
		}
		lastErr = err
		var pe *pyerrors.Error
		if !errors.As(err, &pe) || pe.Kind != pyerrors.KindNetworkError {
			return nil, err
		}
		dlog.Warnf(ctx, "resolver: network error fetching %s %s metadata (attempt %d/%d): %v", pkg, v, attempt+1, maxAttempts, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, pyerrors.New(pyerrors.KindNetworkError, dist, v.String(), lastErr)
}

// expand converts md's Requires-Dist entries into new requirement
// entries, evaluating each marker against the solver's MarkerEnv (plus
// the current extra, for synthetic extra packages).
func (st *solveState) expand(pkg Package, v pep440.Version, md *pkgdb.CoreMetadata) ([]requirement, error) {
	if pkg == pythonPackage {
		return nil, nil
	}

	base, extra, isExtra := splitExtra(pkg)
	env := st.cfg.MarkerEnv
	if isExtra {
		env = env.WithExtra(extra)
	}

	var out []requirement
	for _, req := range md.RequiresDist {
		ok, err := evalMarker(req, env, "")
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		target := Package(pep508.NormalizeName(req.Name))
		out = append(out, requirement{target: target, spec: req.Specifier, fromPackage: pkg, fromVersion: &v})
		for _, e := range req.Extras {
			out = append(out, requirement{target: extraPackage(target, e), fromPackage: pkg, fromVersion: &v})
		}
	}
	if isExtra {
		out = append(out, requirement{
			target: base, spec: pep440.Specifier{{CmpOp: pep440.CmpOpStrictMatch, Version: v}}, fromPackage: pkg, fromVersion: &v,
		})
	}
	return out, nil
}

func (st *solveState) buildBlueprint(ctx context.Context) (*Blueprint, error) {
	bp := &Blueprint{Packages: map[string]PinnedPackage{}}
	for _, d := range st.decisions {
		if _, _, ok := splitExtra(d.pkg); ok {
			continue
		}
		if d.pkg == rootPackage {
			continue
		}

		db, dist := st.databaseFor(d.pkg)
		refs, err := db.Artifacts(ctx, dist, d.version)
		if err != nil {
			return nil, err
		}
		if len(refs) == 0 {
			return nil, pyerrors.New(pyerrors.KindNoSatisfyingVersion, dist, d.version.String(), fmt.Errorf("no artifact advertised at blueprint time"))
		}
		ref := refs[0]
		if db.SupportedTags != nil {
			ref = pickInstallArtifact(refs, db)
		}

		pinned := PinnedPackage{Version: d.version, Artifact: ref}
		if st.cfg.Store != nil && st.cfg.Store.Dir != "" {
			handle, err := st.cfg.Store.FetchOrBuild(ctx, refToFetchRef(ref), db.Cache)
			if err != nil {
				return nil, err
			}
			pinned.Hash = &handle.Hash
		}

		if d.pkg == pythonPackage {
			bp.Python = pinned
		} else {
			bp.Packages[dist] = pinned
		}
	}
	return bp, nil
}

func pickInstallArtifact(refs []pkgdb.ArtifactRef, db *pkgdb.Database) pkgdb.ArtifactRef {
	best := refs[0]
	bestRank := 0
	haveRank := false
	for _, ref := range refs {
		rank := db.SupportedTags.Preference(ref.Name.CompatibilityTag)
		if !db.SupportedTags.Supports(ref.Name.CompatibilityTag) {
			continue
		}
		if !haveRank || rank < bestRank {
			best, bestRank, haveRank = ref, rank, true
		}
	}
	return best
}

func refToFetchRef(ref pkgdb.ArtifactRef) artifactstore.FetchRef {
	fr := artifactstore.FetchRef{URL: ref.URL}
	if ref.DeclaredHash != nil {
		fr.DeclaredHash = &artifactstore.Hash{Algo: ref.DeclaredHash.Algo, Hex: ref.DeclaredHash.Hex}
	}
	return fr
}

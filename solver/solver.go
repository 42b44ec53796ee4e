// Package solver implements the constraint solver of spec §4.F: a
// backtracking search over the feed graph that reduces a Requirements
// record to a Selections document or a SolverFailure.
//
// Grounded on rope's mvs.go (MinimalVersionSelection, Tree/Node, reduce):
// where rope reduces a flat dependency list by always keeping the
// greatest version visited, this solver generalizes that into full
// requires/restricts/runner propagation with essential-vs-recommended
// importance and depth-first backtracking on conflict, replacing rope's
// "keep greatest version" reduce step with the spec's ordered-candidate
// search. The cycle guard here — "do not recurse further once an
// interface already has a tentative pick" — is a direct generalization
// of rope's `visited map[string]struct{}` guard in
// minimalVersionSelection.
package solver

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AlexanderEkdahl/zeroinstall/model"
	"github.com/AlexanderEkdahl/zeroinstall/version"
)

// FeedSource resolves a feed URI to its normalized Feed. feed.Manager
// satisfies this interface.
type FeedSource interface {
	Get(uri model.FeedURI) (*model.Feed, error)
}

// StoreChecker reports whether an implementation digest is already
// present, used to prefer cached candidates when NetworkUse is Minimal.
type StoreChecker interface {
	ContainsAny(digests model.ManifestDigests) bool
}

// Requirements is the solver's input, per spec §4.F.
type Requirements struct {
	RootURI model.FeedURI
	Command string
	Arch    model.Architecture
	Langs   []string

	// ExtraConstraints are caller-supplied version constraints per
	// interface, seeded before solving begins (e.g. from the command
	// line or from preferences files).
	ExtraConstraints map[model.FeedURI]version.Range

	HelpWithTesting bool // testing implementations as acceptable as stable
	AllowDeveloper  bool // developer implementations acceptable (--stable=false)
	AllowUncached   bool // candidates without a retrieval method are acceptable
	NetworkMinimal  bool // prefer already-cached candidates

	// AdditionalFeeds lists user-added local feed URIs contributing
	// extra implementations to the root interface.
	AdditionalFeeds []model.FeedURI
}

// SolverFailure is spec §4.F's failure model: a human-oriented reason
// plus the interface URIs involved. It does not retry automatically.
type SolverFailure struct {
	Reason string
	URIs   []model.FeedURI
}

func (e *SolverFailure) Error() string {
	return fmt.Sprintf("solver: %s (%s)", e.Reason, joinURIs(e.URIs))
}

func joinURIs(uris []model.FeedURI) string {
	parts := make([]string, len(uris))
	for i, u := range uris {
		parts[i] = string(u)
	}
	return strings.Join(parts, ", ")
}

// Solver resolves Requirements against feeds served by Feeds.
type Solver struct {
	Feeds FeedSource
	Store StoreChecker // optional
}

type selectedImpl struct {
	impl    model.Implementation
	command string
}

// state is the solver's mutable search state, copied (shallow map copy)
// at each choice point so a failed branch never corrupts an ancestor's
// view — this is what makes the depth-first search in resolve
// naturally backtrack: trying the next candidate simply starts from a
// fresh copy of the state as it was before the failed attempt.
type state struct {
	selected    map[model.FeedURI]*selectedImpl
	constraints map[model.FeedURI]version.Range
}

func newState() *state {
	return &state{
		selected:    map[model.FeedURI]*selectedImpl{},
		constraints: map[model.FeedURI]version.Range{},
	}
}

func (s *state) clone() *state {
	next := newState()
	for k, v := range s.selected {
		next.selected[k] = v
	}
	for k, v := range s.constraints {
		next.constraints[k] = v
	}
	return next
}

// Solve runs the solver and returns a Selections document, or a
// *SolverFailure.
func (s *Solver) Solve(req Requirements) (*model.Selections, error) {
	st := newState()
	for uri, r := range req.ExtraConstraints {
		st.constraints[model.CanonicalizeFeedURI(string(uri))] = r
	}

	root := model.CanonicalizeFeedURI(string(req.RootURI))
	if err := s.resolve(&req, st, root, req.Command, model.ImportanceEssential); err != nil {
		return nil, err
	}

	return buildSelections(&req, root, st), nil
}

// resolve assigns an implementation to uri (recording it under command,
// if this interface was reached as a command/runner target) and
// recursively resolves every candidate's propagated dependencies. It
// tries each ordered candidate in turn; a deeper failure causes it to
// try the next candidate, which is the search's backtracking step.
func (s *Solver) resolve(req *Requirements, st *state, uri model.FeedURI, command string, importance model.Importance) error {
	if existing, ok := st.selected[uri]; ok {
		// Cycle guard (spec §4.F): one selection per interface URI, do
		// not recurse further once an interface already has a tentative
		// pick. Still verify the existing pick satisfies whatever
		// constraint is active now.
		if c, ok := st.constraints[uri]; ok && !c.Contains(existing.impl.Version) {
			if importance == model.ImportanceRecommended {
				return nil
			}
			return &SolverFailure{
				Reason: fmt.Sprintf("constraint impossible: %s already selected at %s but a later constraint requires %s",
					uri, existing.impl.Version, c),
				URIs: []model.FeedURI{uri},
			}
		}
		return nil
	}

	candidates, err := s.candidatesFor(req, st, uri)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		if importance == model.ImportanceRecommended {
			return nil
		}
		return &SolverFailure{
			Reason: fmt.Sprintf("no candidate for interface %s compatible with arch %s", uri, req.Arch),
			URIs:   []model.FeedURI{uri},
		}
	}

	var cause *SolverFailure
	for _, cand := range candidates {
		trial := st.clone()
		trial.selected[uri] = &selectedImpl{impl: cand, command: command}

		err := s.propagate(req, trial, cand)
		if err == nil {
			*st = *trial
			return nil
		}
		errors.As(err, &cause)
	}

	if importance == model.ImportanceRecommended {
		return nil
	}
	failure := &SolverFailure{
		Reason: fmt.Sprintf("no candidate for interface %s satisfies the active constraints", uri),
		URIs:   []model.FeedURI{uri},
	}
	if cause != nil {
		failure.URIs = append(failure.URIs, cause.URIs...)
	}
	return failure
}

// propagate applies cand's requires/restricts/runner dependencies to
// trial, recursing into requires/runner targets ordered by
// most-constrained-first (fewest remaining candidates), the local
// approximation of spec §4.F Phase 3's "pick the interface with the
// fewest remaining candidates" used at every propagation step. It
// returns the failure of the first essential dependency that could not
// be satisfied, or nil.
func (s *Solver) propagate(req *Requirements, trial *state, cand model.Implementation) error {
	var toResolve []model.Dependency

	for _, dep := range cand.Dependencies {
		depURI := model.CanonicalizeFeedURI(string(dep.InterfaceURI))

		if dep.IsRestriction {
			trial.constraints[depURI] = intersectConstraint(trial.constraints, depURI, dep.Versions)
			if sel, ok := trial.selected[depURI]; ok && !trial.constraints[depURI].Contains(sel.impl.Version) {
				return &SolverFailure{Reason: fmt.Sprintf("%s selected at %s is excluded by a restriction", depURI, sel.impl.Version), URIs: []model.FeedURI{depURI}}
			}
			continue
		}

		trial.constraints[depURI] = intersectConstraint(trial.constraints, depURI, dep.Versions)
		dep.InterfaceURI = depURI
		toResolve = append(toResolve, dep)
	}

	sort.SliceStable(toResolve, func(i, j int) bool {
		ci, _ := s.candidatesFor(req, trial, toResolve[i].InterfaceURI)
		cj, _ := s.candidatesFor(req, trial, toResolve[j].InterfaceURI)
		return len(ci) < len(cj)
	})

	for _, dep := range toResolve {
		command := ""
		if dep.IsRunner {
			command = dep.Command
		}
		if err := s.resolve(req, trial, dep.InterfaceURI, command, dep.Importance); err != nil {
			if dep.Importance == model.ImportanceRecommended {
				continue
			}
			return err
		}
	}
	return nil
}

func intersectConstraint(constraints map[model.FeedURI]version.Range, uri model.FeedURI, add version.Range) version.Range {
	existing, ok := constraints[uri]
	if !ok {
		return add
	}
	if add.Empty() {
		return existing
	}
	return version.Intersect(existing, add)
}

// candidatesFor implements spec §4.F Phase 1 (filter) and Phase 2
// (order) for uri.
func (s *Solver) candidatesFor(req *Requirements, st *state, uri model.FeedURI) ([]model.Implementation, error) {
	f, err := s.Feeds.Get(uri)
	if err != nil {
		return nil, fmt.Errorf("solver: fetching feed for %s: %w", uri, err)
	}

	impls := append([]model.Implementation{}, f.FlatImplementations...)

	if uri == model.CanonicalizeFeedURI(string(req.RootURI)) {
		for _, extra := range req.AdditionalFeeds {
			extraFeed, err := s.Feeds.Get(extra)
			if err == nil {
				impls = append(impls, extraFeed.FlatImplementations...)
			}
		}
	}
	for _, ref := range f.Feeds {
		refFeed, err := s.Feeds.Get(model.CanonicalizeFeedURI(ref.Src))
		if err == nil {
			impls = append(impls, refFeed.FlatImplementations...)
		}
	}

	constraint, hasConstraint := st.constraints[uri]

	var filtered []model.Implementation
	for _, impl := range impls {
		if req.Arch != (model.Architecture{}) && !impl.Arch.Compatible(req.Arch) {
			continue
		}
		if len(req.Langs) > 0 && len(impl.Langs) > 0 && !langsOverlap(impl.Langs, req.Langs) {
			continue
		}
		if !acceptableStability(impl.Stability, req) {
			continue
		}
		if !req.AllowUncached && len(impl.Retrieval) == 0 && !s.alreadyCached(impl) {
			continue
		}
		if hasConstraint && !constraint.Contains(impl.Version) {
			continue
		}
		filtered = append(filtered, impl)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return preferred(filtered[i], filtered[j], req, s)
	})

	return filtered, nil
}

func (s *Solver) alreadyCached(impl model.Implementation) bool {
	return s.Store != nil && s.Store.ContainsAny(impl.Digests)
}

func langsOverlap(a, b []string) bool {
	set := map[string]bool{}
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}

func acceptableStability(st model.Stability, req *Requirements) bool {
	switch st {
	case model.StabilityStable, model.StabilityPackaged:
		return true
	case model.StabilityTesting:
		return true
	case model.StabilityDeveloper:
		return req.AllowDeveloper
	default: // Buggy, Insecure, Unset
		return false
	}
}

// preferred reports whether a should sort ahead of b under Phase 2's
// ordering: (1) preferred stability first, (2) higher version, (3) native
// architecture over emulated/All, (4) already-cached over not when
// NetworkMinimal, (5) feed declaration order (stable sort preserves it).
func preferred(a, b model.Implementation, req *Requirements, s *Solver) bool {
	if sa, sb := rankStability(a.Stability, req), rankStability(b.Stability, req); sa != sb {
		return sa > sb
	}
	if cmp := version.Compare(a.Version, b.Version); cmp != 0 {
		return cmp > 0
	}
	if na, nb := isNativeArch(a.Arch), isNativeArch(b.Arch); na != nb {
		return na
	}
	if req.NetworkMinimal {
		ca, cb := s.alreadyCached(a), s.alreadyCached(b)
		if ca != cb {
			return ca
		}
	}
	return false
}

// rankStability ranks testing alongside stable when HelpWithTesting is set.
func rankStability(st model.Stability, req *Requirements) model.Stability {
	if req.HelpWithTesting && st == model.StabilityTesting {
		return model.StabilityStable
	}
	return st
}

func isNativeArch(a model.Architecture) bool {
	return a.OS != model.OSAll && a.Cpu != model.CpuAll
}

// buildSelections walks st.selected and produces the final document,
// marking root as main.
func buildSelections(req *Requirements, root model.FeedURI, st *state) *model.Selections {
	doc := &model.Selections{
		InterfaceURI: root,
		Command:      req.Command,
		Selections:   map[model.FeedURI]*model.Selection{},
	}

	for uri, sel := range st.selected {
		path, args := commandPathAndArgs(sel.impl, sel.command)
		doc.Selections[uri] = &model.Selection{
			InterfaceURI:     uri,
			FromFeed:         sel.impl.FeedURI,
			ID:               sel.impl.ID,
			Version:          sel.impl.Version,
			Arch:             sel.impl.Arch,
			Digests:          sel.impl.Digests,
			Command:          sel.command,
			CommandPath:      path,
			CommandArguments: args,
			Bindings:         append(append([]model.Binding{}, sel.impl.Bindings...), commandBindings(sel.impl, sel.command)...),
		}

		for _, dep := range sel.impl.Dependencies {
			depURI := model.CanonicalizeFeedURI(string(dep.InterfaceURI))
			selectedID := ""
			if depSel, ok := st.selected[depURI]; ok {
				selectedID = depSel.impl.ID
			}
			doc.Selections[uri].Dependencies = append(doc.Selections[uri].Dependencies, model.SelectedDependency{
				Dependency: dep,
				SelectedID: selectedID,
			})
		}
	}

	return doc
}

func commandBindings(impl model.Implementation, commandName string) []model.Binding {
	if commandName == "" {
		return nil
	}
	cmd, ok := impl.Commands[commandName]
	if !ok {
		return nil
	}
	return cmd.Bindings
}

// commandPathAndArgs resolves the on-disk path and argv template for the
// selected command, falling back to the implementation's legacy Main
// path (pre-<command> feeds) when no command was requested.
func commandPathAndArgs(impl model.Implementation, commandName string) (string, []model.Arg) {
	if cmd, ok := impl.Commands[commandName]; ok {
		return cmd.Path, cmd.Arguments
	}
	if commandName == "" && impl.Main != "" {
		return impl.Main, nil
	}
	return "", nil
}

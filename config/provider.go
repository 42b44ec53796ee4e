package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/AlexanderEkdahl/zeroinstall/catalog"
	"github.com/AlexanderEkdahl/zeroinstall/executor"
	"github.com/AlexanderEkdahl/zeroinstall/feed"
	"github.com/AlexanderEkdahl/zeroinstall/fetcher"
	"github.com/AlexanderEkdahl/zeroinstall/manifest"
	"github.com/AlexanderEkdahl/zeroinstall/model"
	"github.com/AlexanderEkdahl/zeroinstall/solver"
	"github.com/AlexanderEkdahl/zeroinstall/store"
	"github.com/AlexanderEkdahl/zeroinstall/trust"
)

// Provider composes the store, trust database, feed manager, catalog,
// solver, fetcher, and executor behind one constructor. Rope's main.go
// reaches every subsystem through package-level globals (var cache
// *Cache, var env *Environment) set up once in main and read everywhere;
// that shape does not survive being reused from a library or a test, so
// Provider threads the same collaborators through explicit fields
// instead, built once by New and passed around by the caller (spec §9's
// "the global package-level cache and environment variables should
// become fields of an injected service object").
type Provider struct {
	Config Config

	Store    *store.DirStore
	Trust    *trust.DB
	Verifier *trust.Verifier
	Feeds    *feed.Manager
	Catalog  *catalog.Catalog
	Solver   *solver.Solver
	Fetcher  *fetcher.Fetcher
	Executor *executor.Executor
}

// Dirs are the on-disk locations Provider needs, spec §6's "Persisted
// state" paths.
type Dirs struct {
	StoreRoot   string
	CacheDir    string
	TrustDB     string
	ConfigFile  string
	CatalogURIs []model.FeedURI
}

// DefaultDirs returns the standard layout under the user's home
// directory, matching spec §6.
func DefaultDirs() (Dirs, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Dirs{}, fmt.Errorf("config: resolving home directory: %w", err)
	}
	base := filepath.Join(home, ".config", "0install.net", "injector")
	return Dirs{
		StoreRoot:  filepath.Join(home, ".cache", "0install.net", "implementations"),
		CacheDir:   filepath.Join(home, ".cache", "0install.net", "interfaces"),
		TrustDB:    filepath.Join(base, "trustdb.xml"),
		ConfigFile: filepath.Join(base, "global"),
	}, nil
}

// New builds a Provider from dirs and keyRing, loading the layered
// Config from dirs.ConfigFile. approve, if non-nil, is consulted by the
// trust verifier whenever a feed is signed by an unrecognized key.
func New(dirs Dirs, keyRing openpgp.EntityList, approve trust.KeyApprover) (*Provider, error) {
	cfg, err := Load(dirs.ConfigFile)
	if err != nil {
		return nil, err
	}

	st, err := store.NewDirStore(dirs.StoreRoot)
	if err != nil {
		return nil, fmt.Errorf("config: opening store: %w", err)
	}

	trustDB, err := trust.Load(dirs.TrustDB)
	if err != nil {
		return nil, fmt.Errorf("config: loading trust database: %w", err)
	}

	verifier := &trust.Verifier{DB: trustDB, KeyRing: keyRing, Approve: approve}

	feeds := feed.NewManager(dirs.CacheDir)
	feeds.Verifier = verifier
	feeds.NetworkUse = cfg.NetworkUse
	feeds.Freshness = cfg.Freshness

	cat := catalog.NewCatalog(feeds, dirs.CatalogURIs)

	f := fetcher.NewFetcher()
	f.ResolvePath = func(implID string) (string, bool) {
		return resolveByID(st, implID)
	}

	sv := &solver.Solver{
		Feeds: feeds,
		Store: storeChecker{st},
	}

	ex := &executor.Executor{
		Store: rootResolver{st},
	}

	return &Provider{
		Config:   cfg,
		Store:    st,
		Trust:    trustDB,
		Verifier: verifier,
		Feeds:    feeds,
		Catalog:  cat,
		Solver:   sv,
		Fetcher:  f,
		Executor: ex,
	}, nil
}

// storeChecker adapts store.DirStore's per-digest Contains into
// solver.StoreChecker's per-implementation ContainsAny, preferring the
// strongest algorithm the implementation declares.
type storeChecker struct{ s *store.DirStore }

func (c storeChecker) ContainsAny(digests model.ManifestDigests) bool {
	d, ok := digestFor(digests)
	if !ok {
		return false
	}
	return c.s.Contains(d)
}

// rootResolver adapts store.DirStore's digest-keyed Path into
// executor.RootResolver's selection-keyed Root.
type rootResolver struct{ s *store.DirStore }

func (r rootResolver) Root(sel *model.Selection) (string, bool) {
	d, ok := digestFor(sel.Digests)
	if !ok {
		return "", false
	}
	return r.s.Path(d)
}

func resolveByID(s *store.DirStore, implID string) (string, bool) {
	d, err := store.ParseDigest(implID)
	if err != nil {
		return "", false
	}
	return s.Path(d)
}

// digestFor picks the strongest algorithm digests declares and parses
// it into a store.Digest, per manifest.PreferredAlgorithm (spec §9 Open
// Question 1).
func digestFor(digests model.ManifestDigests) (store.Digest, bool) {
	available := make([]string, 0, len(digests))
	for alg := range digests {
		available = append(available, alg)
	}
	alg := manifest.PreferredAlgorithm(available)
	if alg == "" {
		return store.Digest{}, false
	}
	return store.Digest{Algorithm: alg, Hex: digests[string(alg)]}, true
}

// Resolve runs the solver for req, then fetches and stages every
// selected implementation not already cached, up to
// Config.MaxParallelDownloads at a time. The implementation metadata
// needed to fetch each selection (retrieval methods, sizes, dest paths)
// is recovered from the already-cached feeds the solve itself just
// read, since a Selections document only carries the digest and
// command, not the retrieval recipe.
func (p *Provider) Resolve(ctx context.Context, req solver.Requirements) (*model.Selections, error) {
	sel, err := p.Solver.Solve(req)
	if err != nil {
		return nil, err
	}

	implsByDigest, err := p.implementationsByDigest(sel)
	if err != nil {
		return nil, err
	}

	limit := p.Config.MaxParallelDownloads
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var pending []func() error
	for _, s := range sel.Selections {
		d, ok := digestFor(s.Digests)
		if !ok || p.Store.Contains(d) {
			continue
		}
		impl, ok := implsByDigest[d]
		if !ok {
			return nil, fmt.Errorf("config: no implementation metadata for digest %s", d)
		}
		d, impl := d, impl
		pending = append(pending, func() error {
			b, err := p.Fetcher.Builder(ctx, impl)
			if err != nil {
				return err
			}
			return p.Store.Add(d, b)
		})
	}

	errs := make(chan error, len(pending))
	for _, job := range pending {
		job := job
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			errs <- job()
		}()
	}
	for range pending {
		if err := <-errs; err != nil {
			return nil, err
		}
	}

	return sel, nil
}

// implementationsByDigest re-fetches (from cache; the solver already
// populated it) each selection's feed and looks up the Implementation
// matching its chosen ID, keyed by the implementation's preferred
// digest.
func (p *Provider) implementationsByDigest(sel *model.Selections) (map[store.Digest]model.Implementation, error) {
	out := map[store.Digest]model.Implementation{}
	for _, s := range sel.Selections {
		d, ok := digestFor(s.Digests)
		if !ok || p.Store.Contains(d) {
			continue
		}
		feedURI := s.FromFeed
		if feedURI == "" {
			feedURI = s.InterfaceURI
		}
		f, err := p.Feeds.Get(feedURI)
		if err != nil {
			return nil, fmt.Errorf("config: re-reading feed %q: %w", feedURI, err)
		}
		impl, ok := findImplementation(f, s.ID)
		if !ok {
			return nil, fmt.Errorf("config: implementation %q not found in feed %q", s.ID, feedURI)
		}
		out[d] = impl
	}
	return out, nil
}

func findImplementation(f *model.Feed, id string) (model.Implementation, bool) {
	for _, impl := range f.FlatImplementations {
		if impl.ID == id {
			return impl, true
		}
	}
	return model.Implementation{}, false
}

// Run plans and executes sel's command, per spec §4.H.
func (p *Provider) Run(ctx context.Context, sel *model.Selections, userArgs []string) (int, error) {
	return p.Executor.Run(ctx, sel, userArgs)
}

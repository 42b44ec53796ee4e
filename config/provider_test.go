package config

import (
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexanderEkdahl/zeroinstall/model"
	"github.com/AlexanderEkdahl/zeroinstall/store"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	dirs := Dirs{
		StoreRoot:  filepath.Join(t.TempDir(), "implementations"),
		CacheDir:   filepath.Join(t.TempDir(), "interfaces"),
		TrustDB:    filepath.Join(t.TempDir(), "trustdb.xml"),
		ConfigFile: filepath.Join(t.TempDir(), "global"),
	}
	p, err := New(dirs, openpgp.EntityList{}, nil)
	require.NoError(t, err)
	return p
}

func TestNewWiresAllCollaborators(t *testing.T) {
	p := newTestProvider(t)
	assert.NotNil(t, p.Store)
	assert.NotNil(t, p.Trust)
	assert.NotNil(t, p.Verifier)
	assert.NotNil(t, p.Feeds)
	assert.NotNil(t, p.Catalog)
	assert.NotNil(t, p.Solver)
	assert.NotNil(t, p.Fetcher)
	assert.NotNil(t, p.Executor)
	assert.Same(t, p.Verifier, p.Feeds.Verifier)
	assert.Equal(t, p.Config.NetworkUse, p.Feeds.NetworkUse)
}

func TestDigestForPrefersStrongestAlgorithm(t *testing.T) {
	digests := model.ManifestDigests{
		"sha1":      "aaa",
		"sha256":    "bbb",
		"sha256new": "ccc",
	}
	d, ok := digestFor(digests)
	require.True(t, ok)
	assert.Equal(t, store.Digest{Algorithm: "sha256new", Hex: "ccc"}, d)
}

func TestDigestForEmptyDigestsNotOK(t *testing.T) {
	_, ok := digestFor(model.ManifestDigests{})
	assert.False(t, ok)
}

func TestRootResolverDelegatesToStorePath(t *testing.T) {
	p := newTestProvider(t)

	sel := &model.Selection{
		ID:      "sha256new=ccc",
		Digests: model.ManifestDigests{"sha256new": "ccc"},
	}
	_, ok := rootResolver{p.Store}.Root(sel)
	assert.False(t, ok) // nothing staged yet
}

package fetcher

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexanderEkdahl/zeroinstall/model"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, content := range files {
		// Scripts (content starting with "#!") are stored executable.
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		mode := os.FileMode(0o644)
		if strings.HasPrefix(content, "#!") {
			mode = 0o755
		}
		hdr.SetMode(mode)
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestFetchArchiveZip(t *testing.T) {
	data := buildZip(t, map[string]string{
		"pkg-1.0/bin/run": "#!/bin/sh\necho hi\n",
		"pkg-1.0/README":  "hello\n",
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	impl := model.Implementation{
		ID: "impl1",
		Retrieval: []model.RetrievalMethod{{
			Kind: model.RetrievalArchive,
			Href: srv.URL + "/pkg.zip",
			Size: int64(len(data)),
			Type: "application/zip",
			Extract: "pkg-1.0",
		}},
	}

	f := NewFetcher()
	b, err := f.Builder(context.Background(), impl)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, b.Build(dir))

	content, err := os.ReadFile(filepath.Join(dir, "README"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))

	info, err := os.Stat(filepath.Join(dir, "bin", "run"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111, "executable bit should be preserved")
}

func TestFetchSingleFile(t *testing.T) {
	content := "payload\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer srv.Close()

	impl := model.Implementation{
		ID: "impl2",
		Retrieval: []model.RetrievalMethod{{
			Kind: model.RetrievalSingleFile,
			Href: srv.URL + "/payload.txt",
			Size: int64(len(content)),
			Dest: "payload.txt",
		}},
	}

	f := NewFetcher()
	b, err := f.Builder(context.Background(), impl)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, b.Build(dir))

	got, err := os.ReadFile(filepath.Join(dir, "payload.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

func TestFetchContentLengthMismatchFails(t *testing.T) {
	data := buildZip(t, map[string]string{"a/f": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	impl := model.Implementation{
		ID: "impl3",
		Retrieval: []model.RetrievalMethod{{
			Kind: model.RetrievalArchive,
			Href: srv.URL + "/pkg.zip",
			Size: int64(len(data)) + 1000, // deliberately wrong
			Type: "application/zip",
		}},
	}

	f := NewFetcher()
	f.MaxRetries = 1
	b, err := f.Builder(context.Background(), impl)
	require.NoError(t, err)

	err = b.Build(t.TempDir())
	require.Error(t, err)
}

// TestRecipeArchiveRenameRemove covers spec §8's E4 scenario: a recipe
// that extracts an archive, renames a file, and removes another.
func TestRecipeArchiveRenameRemove(t *testing.T) {
	data := buildZip(t, map[string]string{
		"old-name.txt": "keep me\n",
		"scratch.tmp":  "discard me\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	impl := model.Implementation{
		ID: "impl4",
		Retrieval: []model.RetrievalMethod{{
			Kind: model.RetrievalRecipe,
			Steps: []model.RecipeStep{
				{Kind: model.StepArchive, Href: srv.URL + "/pkg.zip", Size: int64(len(data)), Type: "application/zip"},
				{Kind: model.StepRename, Source: "old-name.txt", Dest: "new-name.txt"},
				{Kind: model.StepRemove, Source: "scratch.tmp"},
			},
		}},
	}

	f := NewFetcher()
	b, err := f.Builder(context.Background(), impl)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, b.Build(dir))

	content, err := os.ReadFile(filepath.Join(dir, "new-name.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep me\n", string(content))

	_, err = os.Stat(filepath.Join(dir, "old-name.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "scratch.tmp"))
	assert.True(t, os.IsNotExist(err))
}

// TestRecipeCopyFrom covers a <copy-from> step drawing a file from
// another already-built implementation.
func TestRecipeCopyFrom(t *testing.T) {
	otherRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(otherRoot, "lib"), 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(otherRoot, "lib", "shared.so"), []byte("binary"), 0o555))

	impl := model.Implementation{
		ID: "impl5",
		Retrieval: []model.RetrievalMethod{{
			Kind: model.RetrievalRecipe,
			Steps: []model.RecipeStep{
				{Kind: model.StepCopyFrom, OtherImplementationID: "other", Source: "lib", Dest: "vendored-lib"},
			},
		}},
	}

	f := NewFetcher()
	f.ResolvePath = func(id string) (string, bool) {
		if id == "other" {
			return otherRoot, true
		}
		return "", false
	}

	b, err := f.Builder(context.Background(), impl)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, b.Build(dir))

	got, err := os.ReadFile(filepath.Join(dir, "vendored-lib", "shared.so"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(got))
}

func TestCopyFromWithoutResolverFails(t *testing.T) {
	impl := model.Implementation{
		ID: "impl6",
		Retrieval: []model.RetrievalMethod{{
			Kind:  model.RetrievalRecipe,
			Steps: []model.RecipeStep{{Kind: model.StepCopyFrom, OtherImplementationID: "other"}},
		}},
	}

	f := NewFetcher()
	b, err := f.Builder(context.Background(), impl)
	require.NoError(t, err)

	err = b.Build(t.TempDir())
	require.Error(t, err)
}

// TestBuilderPrefersArchiveOverRecipe covers spec §4.G step 2: when an
// implementation declares both an archive and a recipe method, the
// archive is fetched and the recipe is never touched.
func TestBuilderPrefersArchiveOverRecipe(t *testing.T) {
	data := buildZip(t, map[string]string{"from-archive.txt": "archive\n"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	impl := model.Implementation{
		ID: "impl7",
		Retrieval: []model.RetrievalMethod{
			{
				Kind: model.RetrievalRecipe,
				Steps: []model.RecipeStep{
					{Kind: model.StepCopyFrom, OtherImplementationID: "unreachable"},
				},
			},
			{
				Kind: model.RetrievalArchive,
				Href: srv.URL + "/pkg.zip",
				Size: int64(len(data)),
				Type: "application/zip",
			},
		},
	}

	f := NewFetcher()
	b, err := f.Builder(context.Background(), impl)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, b.Build(dir))

	got, err := os.ReadFile(filepath.Join(dir, "from-archive.txt"))
	require.NoError(t, err)
	assert.Equal(t, "archive\n", string(got))
}

// TestBuilderFallsBackToRecipeWhenOnlyRecipeDeclared covers the "recipe
// is the only form that matches the running platform" branch of spec
// §4.G step 2: with no archive or single-file method present, the
// recipe is used.
func TestBuilderFallsBackToRecipeWhenOnlyRecipeDeclared(t *testing.T) {
	data := buildZip(t, map[string]string{"from-recipe.txt": "recipe\n"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	impl := model.Implementation{
		ID: "impl8",
		Retrieval: []model.RetrievalMethod{{
			Kind: model.RetrievalRecipe,
			Steps: []model.RecipeStep{
				{Kind: model.StepArchive, Href: srv.URL + "/pkg.zip", Size: int64(len(data)), Type: "application/zip"},
			},
		}},
	}

	f := NewFetcher()
	b, err := f.Builder(context.Background(), impl)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, b.Build(dir))

	got, err := os.ReadFile(filepath.Join(dir, "from-recipe.txt"))
	require.NoError(t, err)
	assert.Equal(t, "recipe\n", string(got))
}

func TestBuilderFailsWithNoRetrievalMethod(t *testing.T) {
	f := NewFetcher()
	_, err := f.Builder(context.Background(), model.Implementation{ID: "bare"})
	require.Error(t, err)
}

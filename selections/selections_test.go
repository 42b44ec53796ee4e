package selections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexanderEkdahl/zeroinstall/model"
	"github.com/AlexanderEkdahl/zeroinstall/version"
)

func mustVersion(t *testing.T, s string) version.Version {
	t.Helper()
	v, ok := version.Parse(s)
	require.True(t, ok)
	return v
}

func mustRange(t *testing.T, s string) version.Range {
	t.Helper()
	r, err := version.ParseRange(s)
	require.NoError(t, err)
	return r
}

func sampleDoc(t *testing.T) *model.Selections {
	return &model.Selections{
		InterfaceURI: "http://example.com/app.xml",
		Command:      "run",
		Selections: map[model.FeedURI]*model.Selection{
			"http://example.com/app.xml": {
				InterfaceURI: "http://example.com/app.xml",
				FromFeed:     "http://example.com/app.xml",
				ID:           "sha256=abc123",
				Version:      mustVersion(t, "1.2.3"),
				Arch:         model.Architecture{OS: "Linux", Cpu: "x86_64"},
				Command:      "run",
				CommandPath:  "app.py",
				CommandArguments: []model.Arg{
					{Literal: "--verbose"},
					{IsArgRef: true, ArgRefVar: "EXTRA_ARG"},
				},
				Digests: model.ManifestDigests{"sha256": "abc123", "sha1new": "def456"},
				Bindings: []model.Binding{
					{Environment: &model.EnvironmentBinding{Name: "PYTHONPATH", Insert: "lib", Mode: model.BindingPrepend, Separator: ":"}},
					{WorkingDir: &model.WorkingDirBinding{Path: "src"}},
					{Generic: &model.GenericBinding{XML: "<future-binding foo=\"bar\"/>"}},
				},
				Dependencies: []model.SelectedDependency{
					{
						Dependency: model.Dependency{
							InterfaceURI: "http://example.com/python.xml",
							Versions:     mustRange(t, "3.0..!4.0"),
							Importance:   model.ImportanceEssential,
							IsRunner:     true,
							Command:      "run",
						},
						SelectedID: "python-impl",
					},
				},
			},
			"http://example.com/python.xml": {
				InterfaceURI: "http://example.com/python.xml",
				ID:           "python-impl",
				Version:      mustVersion(t, "3.11.0"),
				Command:      "run",
				CommandPath:  "bin/python3",
			},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	doc := sampleDoc(t)

	data, err := Marshal(doc)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, doc.InterfaceURI, got.InterfaceURI)
	assert.Equal(t, doc.Command, got.Command)
	require.Len(t, got.Selections, len(doc.Selections))

	for uri, want := range doc.Selections {
		have, ok := got.Selections[uri]
		require.True(t, ok, "missing selection for %s", uri)
		assert.Equal(t, want.ID, have.ID)
		assert.Equal(t, 0, version.Compare(want.Version, have.Version))
		assert.Equal(t, want.Command, have.Command)
		assert.Equal(t, want.CommandPath, have.CommandPath)
		assert.Equal(t, want.CommandArguments, have.CommandArguments)
		assert.Equal(t, want.Digests, have.Digests)
		assert.Equal(t, want.Bindings, have.Bindings)
		require.Len(t, have.Dependencies, len(want.Dependencies))
		for i := range want.Dependencies {
			assert.Equal(t, want.Dependencies[i].SelectedID, have.Dependencies[i].SelectedID)
			assert.Equal(t, want.Dependencies[i].Dependency.InterfaceURI, have.Dependencies[i].Dependency.InterfaceURI)
			assert.Equal(t, want.Dependencies[i].Dependency.IsRunner, have.Dependencies[i].Dependency.IsRunner)
			assert.Equal(t, want.Dependencies[i].Dependency.Versions.String(), have.Dependencies[i].Dependency.Versions.String())
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	doc := sampleDoc(t)
	path := t.TempDir() + "/selections.xml"

	require.NoError(t, Save(path, doc))
	got, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, doc.InterfaceURI, got.InterfaceURI)
	assert.Len(t, got.Selections, len(doc.Selections))
}

func TestDiffEmptyForIdenticalDocuments(t *testing.T) {
	doc := sampleDoc(t)
	changes := Diff(doc, doc)
	assert.Empty(t, changes)
}

func TestDiffDetectsAddedRemovedModified(t *testing.T) {
	old := sampleDoc(t)
	updated := sampleDoc(t)

	// Modify the app's version.
	updated.Selections["http://example.com/app.xml"].Version = mustVersion(t, "1.3.0")
	updated.Selections["http://example.com/app.xml"].ID = "sha256=newid"

	// Remove python, add a new library.
	delete(updated.Selections, "http://example.com/python.xml")
	updated.Selections["http://example.com/lib.xml"] = &model.Selection{
		InterfaceURI: "http://example.com/lib.xml",
		ID:           "lib-impl",
		Version:      mustVersion(t, "2.0"),
	}

	changes := Diff(old, updated)
	require.Len(t, changes, 3)

	byURI := map[model.FeedURI]Change{}
	for _, c := range changes {
		byURI[c.InterfaceURI] = c
	}

	assert.Equal(t, ChangeModified, byURI["http://example.com/app.xml"].Kind)
	assert.Equal(t, ChangeRemoved, byURI["http://example.com/python.xml"].Kind)
	assert.Equal(t, ChangeAdded, byURI["http://example.com/lib.xml"].Kind)
}

package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexanderEkdahl/zeroinstall/model"
)

// fakeRoots implements RootResolver over a simple in-memory map keyed by
// selection ID.
type fakeRoots map[string]string

func (f fakeRoots) Root(sel *model.Selection) (string, bool) {
	root, ok := f[sel.ID]
	return root, ok
}

func writeExecutable(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o777))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
}

func TestPlanSimpleNoRunner(t *testing.T) {
	root := t.TempDir()
	writeExecutable(t, root, "bin/main", "#!/bin/sh\necho hi\n")

	sel := &model.Selections{
		InterfaceURI: "http://example.com/app.xml",
		Command:      "run",
		Selections: map[model.FeedURI]*model.Selection{
			"http://example.com/app.xml": {
				InterfaceURI: "http://example.com/app.xml",
				ID:           "app",
				Command:      "run",
				CommandPath:  "bin/main",
				CommandArguments: []model.Arg{
					{Literal: "--flag"},
				},
			},
		},
	}

	e := &Executor{Store: fakeRoots{"app": root}}
	plan, err := e.Plan(sel, []string{"extra"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "bin/main"), plan.Executable)
	assert.Equal(t, []string{"--flag", "extra"}, plan.Argv)
	assert.Equal(t, root, plan.Dir)
}

func TestPlanWithRunnerComposesArgvInOrder(t *testing.T) {
	runnerRoot := t.TempDir()
	appRoot := t.TempDir()
	writeExecutable(t, runnerRoot, "bin/python3", "#!/bin/sh\n")
	writeExecutable(t, appRoot, "app.py", "print('hi')\n")

	sel := &model.Selections{
		InterfaceURI: "http://example.com/app.xml",
		Command:      "run",
		Selections: map[model.FeedURI]*model.Selection{
			"http://example.com/app.xml": {
				InterfaceURI: "http://example.com/app.xml",
				ID:           "app",
				Command:      "run",
				CommandPath:  "app.py",
				Dependencies: []model.SelectedDependency{
					{
						Dependency: model.Dependency{InterfaceURI: "http://example.com/python.xml", IsRunner: true, Command: "run"},
						SelectedID: "python",
					},
				},
			},
			"http://example.com/python.xml": {
				InterfaceURI: "http://example.com/python.xml",
				ID:           "python",
				Command:      "run",
				CommandPath:  "bin/python3",
				CommandArguments: []model.Arg{
					{Literal: "-u"},
				},
			},
		},
	}

	e := &Executor{Store: fakeRoots{"app": appRoot, "python": runnerRoot}}
	plan, err := e.Plan(sel, []string{"arg1"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(runnerRoot, "bin/python3"), plan.Executable)
	assert.Equal(t, []string{
		"-u",
		filepath.Join(appRoot, "app.py"),
		"arg1",
	}, plan.Argv)
}

func TestPlanMissingMain(t *testing.T) {
	sel := &model.Selections{
		InterfaceURI: "http://example.com/app.xml",
		Selections: map[model.FeedURI]*model.Selection{
			"http://example.com/app.xml": {
				InterfaceURI: "http://example.com/app.xml",
				ID:           "app",
			},
		},
	}

	e := &Executor{Store: fakeRoots{"app": t.TempDir()}}
	_, err := e.Plan(sel, nil)
	require.Error(t, err)
	var missing *MissingMainError
	assert.ErrorAs(t, err, &missing)
}

func TestPlanNotCached(t *testing.T) {
	sel := &model.Selections{
		InterfaceURI: "http://example.com/app.xml",
		Selections: map[model.FeedURI]*model.Selection{
			"http://example.com/app.xml": {
				InterfaceURI: "http://example.com/app.xml",
				ID:           "app",
				CommandPath:  "bin/main",
			},
		},
	}

	e := &Executor{Store: fakeRoots{}}
	_, err := e.Plan(sel, nil)
	require.Error(t, err)
	var notCached *NotCachedError
	assert.ErrorAs(t, err, &notCached)
}

func TestPlanRunnerChainCycleIsExecutorError(t *testing.T) {
	sel := &model.Selections{
		InterfaceURI: "http://example.com/a.xml",
		Selections: map[model.FeedURI]*model.Selection{
			"http://example.com/a.xml": {
				InterfaceURI: "http://example.com/a.xml",
				ID:           "a",
				CommandPath:  "a",
				Dependencies: []model.SelectedDependency{
					{Dependency: model.Dependency{InterfaceURI: "http://example.com/b.xml", IsRunner: true}, SelectedID: "b"},
				},
			},
			"http://example.com/b.xml": {
				InterfaceURI: "http://example.com/b.xml",
				ID:           "b",
				CommandPath:  "b",
				Dependencies: []model.SelectedDependency{
					{Dependency: model.Dependency{InterfaceURI: "http://example.com/a.xml", IsRunner: true}, SelectedID: "a"},
				},
			},
		},
	}

	e := &Executor{Store: fakeRoots{"a": t.TempDir(), "b": t.TempDir()}}
	_, err := e.Plan(sel, nil)
	require.Error(t, err)
	var execErr *ExecutorError
	assert.ErrorAs(t, err, &execErr)
}

func TestEnvironmentBindingReplacePrependAppend(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Setenv("ZI_TEST_PATHLIKE", "/existing"))
	defer os.Unsetenv("ZI_TEST_PATHLIKE")
	require.NoError(t, os.Setenv("ZI_TEST_REPLACE", "old"))
	defer os.Unsetenv("ZI_TEST_REPLACE")

	sel := &model.Selections{
		InterfaceURI: "http://example.com/app.xml",
		Selections: map[model.FeedURI]*model.Selection{
			"http://example.com/app.xml": {
				InterfaceURI: "http://example.com/app.xml",
				ID:           "app",
				CommandPath:  "bin/main",
				Bindings: []model.Binding{
					{Environment: &model.EnvironmentBinding{Name: "ZI_TEST_PATHLIKE", Insert: "lib", Mode: model.BindingPrepend, Separator: ":"}},
					{Environment: &model.EnvironmentBinding{Name: "ZI_TEST_REPLACE", Value: "new", Mode: model.BindingReplace}},
					{Environment: &model.EnvironmentBinding{Name: "ZI_TEST_NEWVAR", Value: "created", Mode: model.BindingAppend}},
				},
			},
		},
	}

	e := &Executor{Store: fakeRoots{"app": root}}
	plan, err := e.Plan(sel, nil)
	require.NoError(t, err)

	env := map[string]string{}
	for _, kv := range plan.Env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	assert.Equal(t, filepath.Join(root, "lib")+":/existing", env["ZI_TEST_PATHLIKE"])
	assert.Equal(t, "new", env["ZI_TEST_REPLACE"])
	assert.Equal(t, "created", env["ZI_TEST_NEWVAR"])
}

func TestWorkingDirBindingSetsDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o777))

	sel := &model.Selections{
		InterfaceURI: "http://example.com/app.xml",
		Selections: map[model.FeedURI]*model.Selection{
			"http://example.com/app.xml": {
				InterfaceURI: "http://example.com/app.xml",
				ID:           "app",
				CommandPath:  "bin/main",
				Bindings: []model.Binding{
					{WorkingDir: &model.WorkingDirBinding{Path: "src"}},
				},
			},
		},
	}

	e := &Executor{Store: fakeRoots{"app": root}}
	plan, err := e.Plan(sel, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "src"), plan.Dir)
}

func TestExecutableInPathCreatesStubAndPrependsPath(t *testing.T) {
	toolRoot := t.TempDir()
	appRoot := t.TempDir()
	writeExecutable(t, toolRoot, "bin/tool", "#!/bin/sh\necho tool\n")

	sel := &model.Selections{
		InterfaceURI: "http://example.com/app.xml",
		Selections: map[model.FeedURI]*model.Selection{
			"http://example.com/app.xml": {
				InterfaceURI: "http://example.com/app.xml",
				ID:           "app",
				CommandPath:  "bin/main",
			},
			"http://example.com/tool.xml": {
				InterfaceURI: "http://example.com/tool.xml",
				ID:           "tool",
				Command:      "run",
				CommandPath:  "bin/tool",
				Bindings: []model.Binding{
					{ExecutableInPath: &model.ExecutableInPathBinding{Name: "tool", Command: "run"}},
				},
			},
		},
	}
	sel.Selections["http://example.com/app.xml"].Dependencies = nil

	e := &Executor{Store: fakeRoots{"app": appRoot, "tool": toolRoot}}
	plan, err := e.Plan(sel, nil)
	require.NoError(t, err)
	defer plan.Cleanup()

	var pathValue string
	for _, kv := range plan.Env {
		if len(kv) > 5 && kv[:5] == "PATH=" {
			pathValue = kv[5:]
		}
	}
	require.NotEmpty(t, pathValue)

	stubPath := filepath.Join(filepath.SplitList(pathValue)[0], "run")
	info, err := os.Stat(stubPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111)
}

func TestRunPropagatesExitCode(t *testing.T) {
	root := t.TempDir()
	writeExecutable(t, root, "bin/fail", "#!/bin/sh\nexit 7\n")

	sel := &model.Selections{
		InterfaceURI: "http://example.com/app.xml",
		Selections: map[model.FeedURI]*model.Selection{
			"http://example.com/app.xml": {
				InterfaceURI: "http://example.com/app.xml",
				ID:           "app",
				CommandPath:  "bin/fail",
			},
		},
	}

	e := &Executor{Store: fakeRoots{"app": root}}
	code, err := e.Run(context.Background(), sel, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

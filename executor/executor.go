// Package executor turns a resolved Selections document into a fully
// specified process launch: executable path, argv, environment delta,
// and working directory, per spec §4.H. Grounded on rope's main.go "run"
// case (build PYTHONPATH, exec.Command, wire std streams, propagate exit
// code) as the shape for "compose an environment delta and spawn",
// generalized to the full binding/runner-chain algebra the teacher never
// needed (rope only ever had one flat PYTHONPATH, never nested runners).
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cli/safeexec"

	"github.com/AlexanderEkdahl/zeroinstall/model"
)

// MissingMainError is spec §7's MissingMain: a command has neither a
// path nor a runner.
type MissingMainError struct {
	InterfaceURI model.FeedURI
}

func (e *MissingMainError) Error() string {
	return fmt.Sprintf("executor: interface %s has no command path and no runner", e.InterfaceURI)
}

// ExecutorError is spec §7's ExecutorError: a binding or runner
// referenced an implementation absent from the selections document.
type ExecutorError struct {
	Reason string
}

func (e *ExecutorError) Error() string { return fmt.Sprintf("executor: %s", e.Reason) }

// NotCachedError is spec §7's NotCached: a selected implementation isn't
// present in the store at launch time.
type NotCachedError struct {
	InterfaceURI model.FeedURI
	ID           string
}

func (e *NotCachedError) Error() string {
	return fmt.Sprintf("executor: implementation %s (%s) is not present in the store", e.ID, e.InterfaceURI)
}

// RootResolver maps a selection to its on-disk implementation root,
// backed by the store. The executor depends only on this narrow
// interface, not the store package directly, so it stays testable
// without a real store.
type RootResolver interface {
	Root(sel *model.Selection) (string, bool)
}

// Plan is a fully specified process launch.
type Plan struct {
	Executable string
	Argv       []string
	Env        []string
	Dir        string

	cleanup []string // scratch directories created for ExecutableInPath/Var stubs
}

// Cleanup removes any scratch directories the plan created for stub
// executables. Callers should defer it after the process exits.
func (p *Plan) Cleanup() {
	for _, dir := range p.cleanup {
		os.RemoveAll(dir)
	}
}

// Executor composes a Plan and, optionally, spawns it.
type Executor struct {
	Store RootResolver

	// ScratchDir is the parent directory ExecutableInVar/ExecutableInPath
	// stub scripts are written under. Defaults to os.MkdirTemp("", ...).
	ScratchDir string
}

// Plan builds the process launch for sel's root command, appending
// userArgs after the resolved command chain's own arguments.
func (e *Executor) Plan(sel *model.Selections, userArgs []string) (*Plan, error) {
	main := sel.Main()
	if main == nil {
		return nil, &ExecutorError{Reason: "selections document has no root selection"}
	}

	chain, err := e.runnerChain(sel, main)
	if err != nil {
		return nil, err
	}

	outer := chain[len(chain)-1]
	outerRoot, err := e.rootOf(outer)
	if err != nil {
		return nil, err
	}
	if outer.CommandPath == "" {
		return nil, &MissingMainError{InterfaceURI: outer.InterfaceURI}
	}

	// Bindings are applied before argv expansion: a <for-each> argument
	// iterates a variable another implementation's binding set (e.g.
	// PYTHONPATH), so the composed environment must exist first.
	env, cleanup, err := e.buildEnv(sel)
	if err != nil {
		return nil, err
	}
	lookup := envLookup(env)

	plan := &Plan{Executable: filepath.Join(outerRoot, outer.CommandPath)}
	plan.Argv = append(plan.Argv, expandArgs(outer.CommandArguments, lookup)...)

	for i := len(chain) - 2; i >= 0; i-- {
		link := chain[i]
		root, err := e.rootOf(link)
		if err != nil {
			return nil, err
		}
		if link.CommandPath == "" {
			return nil, &MissingMainError{InterfaceURI: link.InterfaceURI}
		}
		plan.Argv = append(plan.Argv, filepath.Join(root, link.CommandPath))
		plan.Argv = append(plan.Argv, expandArgs(link.CommandArguments, lookup)...)
	}

	plan.Argv = append(plan.Argv, userArgs...)

	plan.Env = env
	plan.cleanup = cleanup

	if wd, ok := workingDir(sel, e); ok {
		plan.Dir = wd
	} else {
		plan.Dir = outerRoot
	}

	return plan, nil
}

// Run plans and spawns sel's root command, wiring the child to the
// current process's standard streams and returning its exit code,
// mirroring rope's main.go "run" case.
func (e *Executor) Run(ctx context.Context, sel *model.Selections, userArgs []string) (int, error) {
	plan, err := e.Plan(sel, userArgs)
	if err != nil {
		return 1, err
	}
	defer plan.Cleanup()

	cmd := exec.CommandContext(ctx, plan.Executable, plan.Argv...)
	cmd.Env = plan.Env
	cmd.Dir = plan.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 1, err
	}
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 1, err
	}
	return 0, nil
}

func (e *Executor) rootOf(sel *model.Selection) (string, error) {
	root, ok := e.Store.Root(sel)
	if !ok {
		return "", &NotCachedError{InterfaceURI: sel.InterfaceURI, ID: sel.ID}
	}
	return root, nil
}

// runnerChain walks root's runner dependency, innermost first, collecting
// every link in the command chain. A cycle (an interface appearing twice)
// is reported as an ExecutorError rather than looping forever.
func (e *Executor) runnerChain(sel *model.Selections, root *model.Selection) ([]*model.Selection, error) {
	chain := []*model.Selection{root}
	seen := map[model.FeedURI]bool{root.InterfaceURI: true}

	cur := root
	for {
		runnerDep, ok := findRunnerDependency(cur)
		if !ok {
			return chain, nil
		}
		next, ok := sel.Selections[runnerDep.Dependency.InterfaceURI]
		if !ok {
			return nil, &ExecutorError{Reason: fmt.Sprintf("runner %s has no selection", runnerDep.Dependency.InterfaceURI)}
		}
		if seen[next.InterfaceURI] {
			return nil, &ExecutorError{Reason: fmt.Sprintf("runner chain cycles back to %s", next.InterfaceURI)}
		}
		seen[next.InterfaceURI] = true
		chain = append(chain, next)
		cur = next
	}
}

func findRunnerDependency(sel *model.Selection) (model.SelectedDependency, bool) {
	for _, dep := range sel.Dependencies {
		if dep.Dependency.IsRunner {
			return dep, true
		}
	}
	return model.SelectedDependency{}, false
}

// envLookup builds a name->value lookup function over a composed
// os.Environ()-shaped slice, for argv expansion to read without
// mutating the real process environment.
func envLookup(env []string) func(string) string {
	return func(name string) string {
		v, _ := lookupVar(env, name)
		return v
	}
}

// expandArgs renders a command's <arg>/<for-each> template list into
// plain argv strings, resolving ArgRef/ForEach against lookup — the
// environment already composed by buildEnv, since <for-each> operates on
// variables set by other implementations' bindings (e.g. PYTHONPATH).
func expandArgs(args []model.Arg, lookup func(string) string) []string {
	var out []string
	for _, a := range args {
		out = append(out, expandArg(a, lookup)...)
	}
	return out
}

func expandArg(a model.Arg, lookup func(string) string) []string {
	switch {
	case a.IsForEach:
		value := lookup(a.ForEachVar)
		if value == "" {
			return nil
		}
		sep := a.ForEachSep
		if sep == "" {
			sep = string(os.PathListSeparator)
		}
		var out []string
		for _, item := range strings.Split(value, sep) {
			for _, nested := range a.ForEachNested {
				out = append(out, strings.ReplaceAll(expandSingle(nested, lookup), "${item}", item))
			}
		}
		return out
	case a.IsArgRef:
		return []string{lookup(a.ArgRefVar)}
	default:
		return []string{a.Literal}
	}
}

func expandSingle(a model.Arg, lookup func(string) string) string {
	if a.IsArgRef {
		return lookup(a.ArgRefVar)
	}
	return a.Literal
}

// buildEnv applies every selected implementation's environment-affecting
// bindings, in interface-URI order for determinism, starting from the
// current process environment.
func (e *Executor) buildEnv(sel *model.Selections) ([]string, []string, error) {
	env := os.Environ()
	var cleanup []string

	uris := make([]string, 0, len(sel.Selections))
	for uri := range sel.Selections {
		uris = append(uris, string(uri))
	}
	sort.Strings(uris)

	for _, uriStr := range uris {
		uri := model.FeedURI(uriStr)
		s := sel.Selections[uri]
		root, err := e.rootOf(s)
		if err != nil {
			return nil, cleanup, err
		}

		for _, b := range s.Bindings {
			switch {
			case b.Environment != nil:
				env = applyEnvironmentBinding(env, root, b.Environment)
			case b.ExecutableInVar != nil:
				stubDir, stubPath, err := e.writeStub(sel, s, b.ExecutableInVar.Command, envLookup(env))
				if err != nil {
					return nil, cleanup, err
				}
				cleanup = append(cleanup, stubDir)
				env = setVar(env, b.ExecutableInVar.Name, stubPath)
			case b.ExecutableInPath != nil:
				stubDir, stubPath, err := e.writeStub(sel, s, b.ExecutableInPath.Command, envLookup(env))
				if err != nil {
					return nil, cleanup, err
				}
				cleanup = append(cleanup, stubDir)
				env = prependPath(env, filepath.Dir(stubPath))
			}
			// WorkingDirBinding is handled separately by workingDir.
			// GenericBinding is surfaced verbatim in the selections
			// document and is not interpreted here, per spec §4.H.
		}
	}

	return env, cleanup, nil
}

func applyEnvironmentBinding(env []string, root string, b *model.EnvironmentBinding) []string {
	value := b.Value
	if b.Insert != "" {
		value = filepath.Join(root, b.Insert)
	}

	sep := b.Separator
	if sep == "" {
		sep = string(os.PathListSeparator)
	}

	existing, has := lookupVar(env, b.Name)
	if !has {
		existing = b.Default
		has = existing != ""
	}

	var next string
	switch b.Mode {
	case model.BindingReplace:
		next = value
	case model.BindingPrepend:
		if has {
			next = value + sep + existing
		} else {
			next = value
		}
	case model.BindingAppend:
		if has {
			next = existing + sep + value
		} else {
			next = value
		}
	}

	return setVar(env, b.Name, next)
}

func lookupVar(env []string, name string) (string, bool) {
	prefix := name + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

func setVar(env []string, name, value string) []string {
	prefix := name + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func prependPath(env []string, dir string) []string {
	existing, _ := lookupVar(env, "PATH")
	if existing == "" {
		return setVar(env, "PATH", dir)
	}
	return setVar(env, "PATH", dir+string(os.PathListSeparator)+existing)
}

// workingDir returns the last WorkingDirBinding seen across every
// selection, visited in sorted interface-URI order, joined onto that
// selection's implementation root.
func workingDir(sel *model.Selections, e *Executor) (string, bool) {
	var result string
	var found bool
	uris := make([]string, 0, len(sel.Selections))
	for uri := range sel.Selections {
		uris = append(uris, string(uri))
	}
	sort.Strings(uris)
	for _, uri := range uris {
		s := sel.Selections[model.FeedURI(uri)]
		root, err := e.rootOf(s)
		if err != nil {
			continue
		}
		for _, b := range s.Bindings {
			if b.WorkingDir != nil {
				result = filepath.Join(root, b.WorkingDir.Path)
				found = true
			}
		}
	}
	return result, found
}

// writeStub materializes a small shell script under a fresh scratch
// directory that, when executed, re-runs the chain rooted at owner's own
// command named "command" (spec §4.H's ExecutableInVar/ExecutableInPath).
// This reuses owner's already-resolved Selection rather than re-resolving
// a different command name on the same interface — see DESIGN.md for why
// a single selection-per-interface carries only one resolved command.
func (e *Executor) writeStub(sel *model.Selections, owner *model.Selection, command string, lookup func(string) string) (dir, path string, err error) {
	chain, err := e.runnerChain(sel, owner)
	if err != nil {
		return "", "", err
	}

	outer := chain[len(chain)-1]
	outerRoot, err := e.rootOf(outer)
	if err != nil {
		return "", "", err
	}

	var argv []string
	argv = append(argv, filepath.Join(outerRoot, outer.CommandPath))
	argv = append(argv, expandArgs(outer.CommandArguments, lookup)...)
	for i := len(chain) - 2; i >= 0; i-- {
		link := chain[i]
		root, err := e.rootOf(link)
		if err != nil {
			return "", "", err
		}
		argv = append(argv, filepath.Join(root, link.CommandPath))
		argv = append(argv, expandArgs(link.CommandArguments, lookup)...)
	}

	scratchParent := e.ScratchDir
	if scratchParent == "" {
		scratchParent = os.TempDir()
	}
	stubDir, err := os.MkdirTemp(scratchParent, "zeroinstall-stub-*")
	if err != nil {
		return "", "", fmt.Errorf("executor: creating stub scratch directory: %w", err)
	}

	shell, err := safeexec.LookPath("sh")
	if err != nil {
		shell = "/bin/sh"
	}

	script := "#!" + shell + "\n" + quoteShellArgs(argv) + " \"$@\"\n"
	stubPath := filepath.Join(stubDir, stubName(command))
	if err := os.WriteFile(stubPath, []byte(script), 0o755); err != nil {
		os.RemoveAll(stubDir)
		return "", "", fmt.Errorf("executor: writing stub script: %w", err)
	}

	return stubDir, stubPath, nil
}

func stubName(command string) string {
	if command == "" {
		return "run"
	}
	return command
}

func quoteShellArgs(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return "exec " + strings.Join(quoted, " ")
}

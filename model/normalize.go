package model

import (
	"fmt"
	"strings"

	"github.com/AlexanderEkdahl/zeroinstall/version"
)

// inherited carries the attributes a <group> pushes down to its
// descendants; each level overrides only the fields it sets.
type inherited struct {
	version   string
	arch      string
	stability string
	license   string
	main      string
	langs     string
	requires  []RequiresXML
	restricts []RequiresXML
	runners   []RunnerXML
	commands  []CommandXML
}

func (parent inherited) override(g GroupXML) inherited {
	next := parent
	if g.Version != "" {
		next.version = g.Version
	}
	if g.Arch != "" {
		next.arch = g.Arch
	}
	if g.Stability != "" {
		next.stability = g.Stability
	}
	if g.License != "" {
		next.license = g.License
	}
	if g.Main != "" {
		next.main = g.Main
	}
	if g.Langs != "" {
		next.langs = g.Langs
	}
	// Dependencies and commands accumulate rather than override: a child
	// group sees every ancestor's requires/restricts/runner/command in
	// addition to its own.
	next.requires = append(append([]RequiresXML{}, parent.requires...), g.Requires...)
	next.restricts = append(append([]RequiresXML{}, parent.restricts...), g.Restricts...)
	next.runners = append(append([]RunnerXML{}, parent.runners...), g.Runners...)
	next.commands = append(append([]CommandXML{}, parent.commands...), g.Commands...)
	return next
}

// Normalize flattens the feed's group/implementation tree into a flat
// list of Implementation records, every inheritable attribute pushed
// down, per spec §9's "replace deep inheritance with a flat data record
// plus a separate normalization pass."
func Normalize(f *Feed) error {
	root := inherited{}
	f.FlatImplementations = f.FlatImplementations[:0]

	for _, g := range f.Groups {
		if err := normalizeGroup(f, g, root); err != nil {
			return err
		}
	}
	for _, impl := range f.Implementations {
		if err := normalizeImplementation(f, impl, root); err != nil {
			return err
		}
	}

	for i := range f.EntryPoints {
		ep := f.EntryPoints[i]
		_ = ep // entry points are consumed directly from f.EntryPoints by the catalog/executor
	}

	return nil
}

func normalizeGroup(f *Feed, g GroupXML, parent inherited) error {
	merged := parent.override(g)

	for _, child := range g.Groups {
		if err := normalizeGroup(f, child, merged); err != nil {
			return err
		}
	}
	for _, impl := range g.Implementations {
		if err := normalizeImplementation(f, impl, merged); err != nil {
			return err
		}
	}
	return nil
}

func normalizeImplementation(f *Feed, x ImplementationXML, parent inherited) error {
	versionStr := x.Version
	if versionStr == "" {
		versionStr = parent.version
	}
	v, ok := version.Parse(versionStr)
	if !ok {
		return fmt.Errorf("implementation %q: malformed version %q", x.ID, versionStr)
	}

	archStr := x.Arch
	if archStr == "" {
		archStr = parent.arch
	}
	var arch Architecture
	if archStr != "" {
		a, err := ParseArchitecture(archStr)
		if err != nil {
			return fmt.Errorf("implementation %q: %w", x.ID, err)
		}
		arch = a
	} else {
		arch = Architecture{OS: OSAll, Cpu: CpuAll}
	}

	stabilityStr := x.Stability
	if stabilityStr == "" {
		stabilityStr = parent.stability
	}
	stability := ParseStability(stabilityStr)
	if stability == StabilityUnset {
		stability = StabilityTesting
	}

	license := x.License
	if license == "" {
		license = parent.license
	}

	langsStr := x.Langs
	if langsStr == "" {
		langsStr = parent.langs
	}
	var langs []string
	if langsStr != "" {
		langs = strings.Fields(langsStr)
	}

	impl := Implementation{
		ID:        x.ID,
		FeedURI:   f.URI,
		Version:   v,
		Arch:      arch,
		Stability: stability,
		License:   license,
		Released:  x.Released,
		Main:      x.Main,
		Digests:   ManifestDigests{},
		Langs:     langs,
		Commands:  map[string]Command{},
	}
	if impl.Main == "" {
		impl.Main = parent.main
	}

	if x.ManifestDigest.SHA1 != "" {
		impl.Digests["sha1"] = x.ManifestDigest.SHA1
	}
	if x.ManifestDigest.SHA1New != "" {
		impl.Digests["sha1new"] = x.ManifestDigest.SHA1New
	}
	if x.ManifestDigest.SHA256 != "" {
		impl.Digests["sha256"] = x.ManifestDigest.SHA256
	}
	if x.ManifestDigest.SHA256New != "" {
		impl.Digests["sha256new"] = x.ManifestDigest.SHA256New
	}

	for _, a := range x.Archives {
		impl.Retrieval = append(impl.Retrieval, archiveToRetrieval(a))
	}
	for _, file := range x.Files {
		impl.Retrieval = append(impl.Retrieval, fileToRetrieval(file))
	}
	for _, r := range x.Recipes {
		impl.Retrieval = append(impl.Retrieval, recipeToRetrieval(r))
	}

	for _, req := range append(append([]RequiresXML{}, parent.requires...), x.Requires...) {
		dep, err := requiresToDependency(req, false, false, "")
		if err != nil {
			return fmt.Errorf("implementation %q: %w", x.ID, err)
		}
		impl.Dependencies = append(impl.Dependencies, dep)
	}
	for _, res := range append(append([]RequiresXML{}, parent.restricts...), x.Restricts...) {
		dep, err := requiresToDependency(res, true, false, "")
		if err != nil {
			return fmt.Errorf("implementation %q: %w", x.ID, err)
		}
		impl.Dependencies = append(impl.Dependencies, dep)
	}
	for _, r := range append(append([]RunnerXML{}, parent.runners...), x.Runners...) {
		dep, err := requiresToDependency(r.RequiresXML, false, true, r.Command)
		if err != nil {
			return fmt.Errorf("implementation %q: %w", x.ID, err)
		}
		impl.Dependencies = append(impl.Dependencies, dep)
	}

	for _, cx := range append(append([]CommandXML{}, parent.commands...), x.Commands...) {
		cmd, err := commandFromXML(cx)
		if err != nil {
			return fmt.Errorf("implementation %q command %q: %w", x.ID, cx.Name, err)
		}
		impl.Commands[cmd.Name] = cmd
	}

	f.FlatImplementations = append(f.FlatImplementations, impl)
	return nil
}

func requiresToDependency(req RequiresXML, restriction, runner bool, runnerCommand string) (Dependency, error) {
	r := version.Unconstrained()
	if req.Versions != "" {
		parsed, err := version.ParseRange(req.Versions)
		if err != nil {
			return Dependency{}, err
		}
		r = parsed
	}

	importance := ImportanceEssential
	if req.Importance == "recommended" {
		importance = ImportanceRecommended
	}

	return Dependency{
		InterfaceURI:  CanonicalizeFeedURI(req.Interface),
		Versions:      r,
		Importance:    importance,
		IsRunner:      runner,
		Command:       runnerCommand,
		IsRestriction: restriction,
	}, nil
}

func commandFromXML(cx CommandXML) (Command, error) {
	cmd := Command{Name: cx.Name, Path: cx.Path}

	if cx.Runner != nil {
		dep, err := requiresToDependency(cx.Runner.RequiresXML, false, true, cx.Runner.Command)
		if err != nil {
			return Command{}, err
		}
		cmd.Runner = &dep
	}

	for _, e := range cx.Environments {
		mode := BindingReplace
		switch e.Mode {
		case "prepend":
			mode = BindingPrepend
		case "append":
			mode = BindingAppend
		}
		cmd.Bindings = append(cmd.Bindings, Binding{Environment: &EnvironmentBinding{
			Name: e.Name, Insert: e.Insert, Value: e.Value,
			Mode: mode, Default: e.Default, Separator: e.Separator,
		}})
	}
	for _, e := range cx.ExecutableInVars {
		cmd.Bindings = append(cmd.Bindings, Binding{ExecutableInVar: &ExecutableInVarBinding{
			Name: e.Name, Command: e.Command,
		}})
	}
	for _, e := range cx.ExecutableInPaths {
		cmd.Bindings = append(cmd.Bindings, Binding{ExecutableInPath: &ExecutableInPathBinding{
			Name: e.Name, Command: e.Command,
		}})
	}
	for _, w := range cx.WorkingDirs {
		cmd.Bindings = append(cmd.Bindings, Binding{WorkingDir: &WorkingDirBinding{Path: w.Src}})
	}

	return cmd, nil
}

func archiveToRetrieval(a ArchiveXML) RetrievalMethod {
	return RetrievalMethod{
		Kind: RetrievalArchive,
		Href: a.Href, Size: a.Size, Extract: a.Extract, Dest: a.Dest,
		Type: a.Type, StartOffset: a.StartOffset,
	}
}

func fileToRetrieval(file FileXML) RetrievalMethod {
	return RetrievalMethod{
		Kind: RetrievalSingleFile,
		Href: file.Href, Size: file.Size, Dest: file.Dest,
		Executable: file.Executable == "true" || file.Executable == "1",
	}
}

func recipeToRetrieval(r RecipeXML) RetrievalMethod {
	rm := RetrievalMethod{Kind: RetrievalRecipe}
	for _, a := range r.Archives {
		rm.Steps = append(rm.Steps, RecipeStep{
			Kind: StepArchive, Href: a.Href, Size: a.Size, Extract: a.Extract,
			Dest: a.Dest, Type: a.Type, StartOffset: a.StartOffset,
		})
	}
	for _, file := range r.Files {
		rm.Steps = append(rm.Steps, RecipeStep{
			Kind: StepFile, Href: file.Href, Size: file.Size, Dest: file.Dest,
			Executable: file.Executable == "true" || file.Executable == "1",
		})
	}
	for _, rn := range r.Renames {
		rm.Steps = append(rm.Steps, RecipeStep{Kind: StepRename, Source: rn.Source, Dest: rn.Dest})
	}
	for _, rm2 := range r.Removes {
		rm.Steps = append(rm.Steps, RecipeStep{Kind: StepRemove, Source: rm2.Path})
	}
	for _, cf := range r.CopyFroms {
		rm.Steps = append(rm.Steps, RecipeStep{
			Kind: StepCopyFrom, OtherImplementationID: cf.ID, Source: cf.Source, Dest: cf.Dest,
		})
	}
	return rm
}

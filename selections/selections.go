// Package selections implements spec §4.J: loading and saving a
// Selections document as XML, and diffing two documents. Grounded on
// model/feed.go's XML-shadow-struct pattern (ImplementationXML,
// CommandXML, ManifestDigestXML, ...) that already structures the sibling
// feed-document encoding; a selections document reuses the same
// namespace and several of the same element shapes (manifest-digest,
// command, arg), so its shadow structs are modeled directly on those.
package selections

import (
	"encoding/xml"
	"fmt"
	"os"
	"sort"

	"github.com/AlexanderEkdahl/zeroinstall/model"
	"github.com/AlexanderEkdahl/zeroinstall/version"
)

type selectionsXML struct {
	XMLName    xml.Name       `xml:"http://zero-install.sourceforge.net/2004/injector/interface selections"`
	Interface  string         `xml:"interface,attr"`
	Command    string         `xml:"command,attr,omitempty"`
	Selections []selectionXML `xml:"selection"`
}

type selectionXML struct {
	Interface string `xml:"interface,attr"`
	FromFeed  string `xml:"from-feed,attr,omitempty"`
	ID        string `xml:"id,attr"`
	Version   string `xml:"version,attr"`
	Arch      string `xml:"arch,attr,omitempty"`
	Command   string `xml:"command,attr,omitempty"`

	ManifestDigest model.ManifestDigestXML `xml:"manifest-digest"`

	CommandDef *commandDefXML   `xml:"command-def,omitempty"`
	Bindings   []bindingXML     `xml:"binding"`
	Depends    []dependencyXML  `xml:"dependency"`
}

// commandDefXML carries the selected command's resolved path and argv
// template, so the document is self-contained per spec §4.J/§6 — no
// re-fetch of the originating feed is needed to run it.
type commandDefXML struct {
	Path string  `xml:"path,attr,omitempty"`
	Args []argXML `xml:"arg"`
}

type argXML struct {
	Literal string `xml:",chardata"`

	IsArgRef  bool   `xml:"arg-ref,attr,omitempty"`
	ArgRefVar string `xml:"var,attr,omitempty"`

	IsForEach  bool     `xml:"for-each,attr,omitempty"`
	ForEachVar string   `xml:"item-from,attr,omitempty"`
	ForEachSep string   `xml:"separator,attr,omitempty"`
	Nested     []argXML `xml:"arg"`
}

type bindingXML struct {
	Environment      *environmentXML      `xml:"environment,omitempty"`
	ExecutableInVar  *execInVarXML        `xml:"executable-in-var,omitempty"`
	ExecutableInPath *execInPathXML       `xml:"executable-in-path,omitempty"`
	WorkingDir       *workingDirXML       `xml:"working-dir,omitempty"`
	Generic          *string              `xml:"generic-binding,omitempty"`
}

type environmentXML struct {
	Name      string `xml:"name,attr"`
	Insert    string `xml:"insert,attr,omitempty"`
	Value     string `xml:"value,attr,omitempty"`
	Mode      string `xml:"mode,attr,omitempty"`
	Default   string `xml:"default,attr,omitempty"`
	Separator string `xml:"separator,attr,omitempty"`
}

type execInVarXML struct {
	Name    string `xml:"name,attr"`
	Command string `xml:"command,attr,omitempty"`
}

type execInPathXML struct {
	Name    string `xml:"name,attr"`
	Command string `xml:"command,attr,omitempty"`
}

type workingDirXML struct {
	Path string `xml:"src,attr"`
}

type dependencyXML struct {
	Interface   string `xml:"interface,attr"`
	Versions    string `xml:"versions,attr,omitempty"`
	Importance  string `xml:"importance,attr,omitempty"`
	Runner      bool   `xml:"runner,attr,omitempty"`
	Command     string `xml:"command,attr,omitempty"`
	Restriction bool   `xml:"restriction,attr,omitempty"`
	SelectedID  string `xml:"selected-id,attr,omitempty"`
}

var bindingModeNames = map[model.BindingMode]string{
	model.BindingReplace: "replace",
	model.BindingPrepend: "prepend",
	model.BindingAppend:  "append",
}

var bindingModeValues = map[string]model.BindingMode{
	"replace": model.BindingReplace,
	"prepend": model.BindingPrepend,
	"append":  model.BindingAppend,
	"":        model.BindingReplace,
}

// Load parses a selections document from path.
func Load(path string) (*model.Selections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("selections: reading %s: %w", path, err)
	}
	return Unmarshal(data)
}

// Save writes sel as XML to path.
func Save(path string, sel *model.Selections) error {
	data, err := Marshal(sel)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("selections: writing %s: %w", path, err)
	}
	return nil
}

// Marshal renders sel as XML bytes, with a header matching feed.xml's
// own XML declaration convention.
func Marshal(sel *model.Selections) ([]byte, error) {
	doc := toXML(sel)
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("selections: marshaling: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Unmarshal parses XML bytes into a Selections document.
func Unmarshal(data []byte) (*model.Selections, error) {
	var doc selectionsXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("selections: parsing: %w", err)
	}
	return fromXML(&doc), nil
}

func toXML(sel *model.Selections) *selectionsXML {
	doc := &selectionsXML{
		Interface: string(sel.InterfaceURI),
		Command:   sel.Command,
	}

	uris := make([]string, 0, len(sel.Selections))
	for uri := range sel.Selections {
		uris = append(uris, string(uri))
	}
	sort.Strings(uris)

	for _, uriStr := range uris {
		s := sel.Selections[model.FeedURI(uriStr)]
		doc.Selections = append(doc.Selections, selectionToXML(s))
	}
	return doc
}

func selectionToXML(s *model.Selection) selectionXML {
	sx := selectionXML{
		Interface:      string(s.InterfaceURI),
		FromFeed:       string(s.FromFeed),
		ID:             s.ID,
		Version:        s.Version.String(),
		Arch:           s.Arch.String(),
		Command:        s.Command,
		ManifestDigest: digestsToXML(s.Digests),
	}

	if s.CommandPath != "" || len(s.CommandArguments) > 0 {
		sx.CommandDef = &commandDefXML{
			Path: s.CommandPath,
			Args: argsToXML(s.CommandArguments),
		}
	}

	for _, b := range s.Bindings {
		sx.Bindings = append(sx.Bindings, bindingToXML(b))
	}
	for _, d := range s.Dependencies {
		sx.Depends = append(sx.Depends, dependencyToXML(d))
	}
	return sx
}

func digestsToXML(d model.ManifestDigests) model.ManifestDigestXML {
	return model.ManifestDigestXML{
		SHA1:      d["sha1"],
		SHA1New:   d["sha1new"],
		SHA256:    d["sha256"],
		SHA256New: d["sha256new"],
	}
}

func digestsFromXML(x model.ManifestDigestXML) model.ManifestDigests {
	if x.SHA1 == "" && x.SHA1New == "" && x.SHA256 == "" && x.SHA256New == "" {
		return nil
	}
	d := model.ManifestDigests{}
	if x.SHA1 != "" {
		d["sha1"] = x.SHA1
	}
	if x.SHA1New != "" {
		d["sha1new"] = x.SHA1New
	}
	if x.SHA256 != "" {
		d["sha256"] = x.SHA256
	}
	if x.SHA256New != "" {
		d["sha256new"] = x.SHA256New
	}
	return d
}

func argsToXML(args []model.Arg) []argXML {
	out := make([]argXML, 0, len(args))
	for _, a := range args {
		out = append(out, argToXML(a))
	}
	return out
}

func argToXML(a model.Arg) argXML {
	ax := argXML{
		Literal:    a.Literal,
		IsArgRef:   a.IsArgRef,
		ArgRefVar:  a.ArgRefVar,
		IsForEach:  a.IsForEach,
		ForEachVar: a.ForEachVar,
		ForEachSep: a.ForEachSep,
	}
	if a.IsForEach {
		ax.Nested = argsToXML(a.ForEachNested)
	}
	return ax
}

func argsFromXML(args []argXML) []model.Arg {
	if len(args) == 0 {
		return nil
	}
	out := make([]model.Arg, 0, len(args))
	for _, a := range args {
		out = append(out, argFromXML(a))
	}
	return out
}

func argFromXML(a argXML) model.Arg {
	ma := model.Arg{
		Literal:    a.Literal,
		IsArgRef:   a.IsArgRef,
		ArgRefVar:  a.ArgRefVar,
		IsForEach:  a.IsForEach,
		ForEachVar: a.ForEachVar,
		ForEachSep: a.ForEachSep,
	}
	if a.IsForEach {
		ma.ForEachNested = argsFromXML(a.Nested)
	}
	return ma
}

func bindingToXML(b model.Binding) bindingXML {
	var bx bindingXML
	switch {
	case b.Environment != nil:
		bx.Environment = &environmentXML{
			Name:      b.Environment.Name,
			Insert:    b.Environment.Insert,
			Value:     b.Environment.Value,
			Mode:      bindingModeNames[b.Environment.Mode],
			Default:   b.Environment.Default,
			Separator: b.Environment.Separator,
		}
	case b.ExecutableInVar != nil:
		bx.ExecutableInVar = &execInVarXML{Name: b.ExecutableInVar.Name, Command: b.ExecutableInVar.Command}
	case b.ExecutableInPath != nil:
		bx.ExecutableInPath = &execInPathXML{Name: b.ExecutableInPath.Name, Command: b.ExecutableInPath.Command}
	case b.WorkingDir != nil:
		bx.WorkingDir = &workingDirXML{Path: b.WorkingDir.Path}
	case b.Generic != nil:
		xmlCopy := b.Generic.XML
		bx.Generic = &xmlCopy
	}
	return bx
}

func bindingFromXML(bx bindingXML) model.Binding {
	switch {
	case bx.Environment != nil:
		return model.Binding{Environment: &model.EnvironmentBinding{
			Name:      bx.Environment.Name,
			Insert:    bx.Environment.Insert,
			Value:     bx.Environment.Value,
			Mode:      bindingModeValues[bx.Environment.Mode],
			Default:   bx.Environment.Default,
			Separator: bx.Environment.Separator,
		}}
	case bx.ExecutableInVar != nil:
		return model.Binding{ExecutableInVar: &model.ExecutableInVarBinding{Name: bx.ExecutableInVar.Name, Command: bx.ExecutableInVar.Command}}
	case bx.ExecutableInPath != nil:
		return model.Binding{ExecutableInPath: &model.ExecutableInPathBinding{Name: bx.ExecutableInPath.Name, Command: bx.ExecutableInPath.Command}}
	case bx.WorkingDir != nil:
		return model.Binding{WorkingDir: &model.WorkingDirBinding{Path: bx.WorkingDir.Path}}
	case bx.Generic != nil:
		return model.Binding{Generic: &model.GenericBinding{XML: *bx.Generic}}
	}
	return model.Binding{}
}

func dependencyToXML(d model.SelectedDependency) dependencyXML {
	importance := "essential"
	if d.Dependency.Importance == model.ImportanceRecommended {
		importance = "recommended"
	}
	return dependencyXML{
		Interface:   string(d.Dependency.InterfaceURI),
		Versions:    d.Dependency.Versions.String(),
		Importance:  importance,
		Runner:      d.Dependency.IsRunner,
		Command:     d.Dependency.Command,
		Restriction: d.Dependency.IsRestriction,
		SelectedID:  d.SelectedID,
	}
}

func dependencyFromXML(dx dependencyXML) model.SelectedDependency {
	importance := model.ImportanceEssential
	if dx.Importance == "recommended" {
		importance = model.ImportanceRecommended
	}
	versions := version.Unconstrained()
	if dx.Versions != "" {
		if parsed, err := version.ParseRange(dx.Versions); err == nil {
			versions = parsed
		}
	}
	return model.SelectedDependency{
		Dependency: model.Dependency{
			InterfaceURI:  model.FeedURI(dx.Interface),
			Versions:      versions,
			Importance:    importance,
			IsRunner:      dx.Runner,
			Command:       dx.Command,
			IsRestriction: dx.Restriction,
		},
		SelectedID: dx.SelectedID,
	}
}

func fromXML(doc *selectionsXML) *model.Selections {
	sel := &model.Selections{
		InterfaceURI: model.FeedURI(doc.Interface),
		Command:      doc.Command,
		Selections:   map[model.FeedURI]*model.Selection{},
	}

	for _, sx := range doc.Selections {
		s := selectionFromXML(sx)
		sel.Selections[s.InterfaceURI] = s
	}
	return sel
}

func selectionFromXML(sx selectionXML) *model.Selection {
	ver, _ := version.Parse(sx.Version)
	arch, _ := model.ParseArchitecture(sx.Arch)

	s := &model.Selection{
		InterfaceURI: model.FeedURI(sx.Interface),
		FromFeed:     model.FeedURI(sx.FromFeed),
		ID:           sx.ID,
		Version:      ver,
		Arch:         arch,
		Command:      sx.Command,
		Digests:      digestsFromXML(sx.ManifestDigest),
	}

	if sx.CommandDef != nil {
		s.CommandPath = sx.CommandDef.Path
		s.CommandArguments = argsFromXML(sx.CommandDef.Args)
	}

	for _, bx := range sx.Bindings {
		s.Bindings = append(s.Bindings, bindingFromXML(bx))
	}
	for _, dx := range sx.Depends {
		s.Dependencies = append(s.Dependencies, dependencyFromXML(dx))
	}
	return s
}

// Change describes one interface's difference between two Selections
// documents, per spec §4.J's diff invariant.
type Change struct {
	InterfaceURI model.FeedURI
	Kind         ChangeKind
	OldID        string
	NewID        string
	OldVersion   string
	NewVersion   string
}

type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeRemoved
	ChangeModified
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	default:
		return "modified"
	}
}

// Diff reports every interface whose selected ID, version, or digest set
// changed between old and new, plus interfaces added or removed
// entirely. Results are sorted by interface URI for determinism.
func Diff(old, new *model.Selections) []Change {
	uris := map[model.FeedURI]bool{}
	for uri := range old.Selections {
		uris[uri] = true
	}
	for uri := range new.Selections {
		uris[uri] = true
	}

	var changes []Change
	for uri := range uris {
		oldSel, inOld := old.Selections[uri]
		newSel, inNew := new.Selections[uri]

		switch {
		case inOld && !inNew:
			changes = append(changes, Change{InterfaceURI: uri, Kind: ChangeRemoved, OldID: oldSel.ID, OldVersion: oldSel.Version.String()})
		case !inOld && inNew:
			changes = append(changes, Change{InterfaceURI: uri, Kind: ChangeAdded, NewID: newSel.ID, NewVersion: newSel.Version.String()})
		case inOld && inNew:
			if selectionChanged(oldSel, newSel) {
				changes = append(changes, Change{
					InterfaceURI: uri,
					Kind:         ChangeModified,
					OldID:        oldSel.ID,
					NewID:        newSel.ID,
					OldVersion:   oldSel.Version.String(),
					NewVersion:   newSel.Version.String(),
				})
			}
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].InterfaceURI < changes[j].InterfaceURI })
	return changes
}

func selectionChanged(a, b *model.Selection) bool {
	if a.ID != b.ID {
		return true
	}
	if version.Compare(a.Version, b.Version) != 0 {
		return true
	}
	return !digestsEqual(a.Digests, b.Digests)
}

func digestsEqual(a, b model.ManifestDigests) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

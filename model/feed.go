package model

import (
	"encoding/xml"

	"github.com/AlexanderEkdahl/zeroinstall/version"
)

// FeedNamespace is the XML namespace of feed and selections documents.
const FeedNamespace = "http://zero-install.sourceforge.net/2004/injector/interface"

// Stability is an ordered acceptability label on an implementation.
type Stability int

const (
	StabilityUnset Stability = iota
	StabilityBuggy
	StabilityInsecure
	StabilityDeveloper
	StabilityTesting
	StabilityStable
	StabilityPackaged
)

var stabilityNames = map[string]Stability{
	"buggy":     StabilityBuggy,
	"insecure":  StabilityInsecure,
	"developer": StabilityDeveloper,
	"testing":   StabilityTesting,
	"stable":    StabilityStable,
	"packaged":  StabilityPackaged,
}

// ParseStability maps a feed's stability attribute string to its ordered
// value. An unrecognized or empty string is StabilityUnset.
func ParseStability(s string) Stability {
	return stabilityNames[s]
}

func (s Stability) String() string {
	for name, v := range stabilityNames {
		if v == s {
			return name
		}
	}
	return "unset"
}

// Importance distinguishes a dependency the solver must satisfy from one
// it may drop if it cannot find a candidate.
type Importance int

const (
	ImportanceEssential Importance = iota
	ImportanceRecommended
)

// Dependency is a <requires>/<restricts>/<runner> element: a constraint
// on some other interface's selected version, optionally propagating a
// command chain (runner).
type Dependency struct {
	InterfaceURI FeedURI
	Versions     version.Range
	Importance   Importance

	// Runner is set when this dependency came from a <runner> element;
	// Command names the runner's command to bind into the selection.
	IsRunner bool
	Command  string

	// IsRestriction marks a <restricts> element: it constrains the
	// target interface's active range but never forces the target to
	// be selected on its own (spec §4.F).
	IsRestriction bool
}

// Binding is the tagged-variant family of environment/PATH/cwd
// side-effects a selected implementation contributes to the launched
// process. Exactly one of the pointer fields is set.
type Binding struct {
	Environment     *EnvironmentBinding
	ExecutableInVar *ExecutableInVarBinding
	ExecutableInPath *ExecutableInPathBinding
	WorkingDir      *WorkingDirBinding
	Generic         *GenericBinding
}

type BindingMode int

const (
	BindingReplace BindingMode = iota
	BindingPrepend
	BindingAppend
)

// EnvironmentBinding sets or extends an environment variable from a
// selected implementation's installed path.
type EnvironmentBinding struct {
	Name      string
	Insert    string // path relative to the implementation root
	Value     string // literal value, mutually exclusive with Insert
	Mode      BindingMode
	Default   string
	Separator string
}

// ExecutableInVarBinding points an environment variable at a generated
// stub that re-invokes the CLI for Command under the same selections.
type ExecutableInVarBinding struct {
	Name    string
	Command string
}

// ExecutableInPathBinding creates a stub executable in a scratch
// directory and prepends that directory to PATH.
type ExecutableInPathBinding struct {
	Name    string
	Command string
}

// WorkingDirBinding sets the process working directory relative to the
// implementation root.
type WorkingDirBinding struct {
	Path string
}

// GenericBinding is surfaced verbatim in the selections document; the
// executor does not interpret it.
type GenericBinding struct {
	XML string
}

// Arg is one argv template element: a literal, an <arg> expansion, or a
// <for-each> expansion over a separator-delimited environment variable.
type Arg struct {
	Literal string

	IsArgRef  bool
	ArgRefVar string

	IsForEach     bool
	ForEachVar    string
	ForEachSep    string
	ForEachNested []Arg
}

// Command is a named, executable entry point of an implementation.
type Command struct {
	Name     string
	Path     string // relative to the implementation root; empty if only a Runner
	Arguments []Arg
	Runner   *Dependency // nil if this command has no runner
	Bindings []Binding
}

// RetrievalMethodKind tags the variant of a RetrievalMethod.
type RetrievalMethodKind int

const (
	RetrievalArchive RetrievalMethodKind = iota
	RetrievalSingleFile
	RetrievalRecipe
)

// RecipeStepKind tags one step of a Recipe.
type RecipeStepKind int

const (
	StepArchive RecipeStepKind = iota
	StepFile
	StepRename
	StepRemove
	StepCopyFrom
)

// RecipeStep is one ordered action of a Recipe retrieval method.
type RecipeStep struct {
	Kind RecipeStepKind

	// StepArchive / StepFile fields:
	Href        string
	Size        int64
	Extract     string
	Dest        string
	Type        string
	StartOffset int64
	Executable  bool

	// StepRename / StepRemove fields:
	Source string // also used as StepCopyFrom's source path

	// StepCopyFrom fields:
	OtherImplementationID string
}

// RetrievalMethod is a tagged variant: archive, single-file, or recipe.
type RetrievalMethod struct {
	Kind RetrievalMethodKind

	// Archive / SingleFile fields, mirrored onto the equivalent RecipeStep
	// fields so the fetcher can treat a top-level archive/file exactly
	// like a one-step recipe.
	Href        string
	Size        int64
	Extract     string
	Dest        string
	Type        string
	StartOffset int64
	Executable  bool

	// Recipe field:
	Steps []RecipeStep
}

// ManifestDigests is the set of algorithm->hex digest pairs declared on
// an implementation. At least one must be supported by the store.
type ManifestDigests map[string]string

// Implementation is a concrete, digest-identified artifact of an
// interface, after group-inheritance normalization has flattened every
// inherited attribute onto it directly.
type Implementation struct {
	ID           string
	FeedURI      FeedURI // the feed this implementation belongs to (may differ from the root via <feed>)
	Version      version.Version
	Arch         Architecture
	Stability    Stability
	License      string
	Released     string
	Main         string // legacy single-command path, pre-<command>
	Digests      ManifestDigests
	Retrieval    []RetrievalMethod
	Commands     map[string]Command
	Dependencies []Dependency
	Bindings     []Binding
	Langs        []string
}

// EntryPoint names a command with UI hints.
type EntryPoint struct {
	Command        string
	BinaryName     string
	Names          []string
	Summaries      []string
	NeedsTerminal  bool
	SuggestAutoStart bool
}

// Feed is the parsed, not-yet-normalized document describing one
// interface: the group/implementation tree plus entry points and
// metadata. Normalize flattens it into Implementations.
type Feed struct {
	URI FeedURI `xml:"-"`

	XMLName     xml.Name     `xml:"interface"`
	Name        string       `xml:"name"`
	Summaries   []string     `xml:"summary"`
	Descriptions []string    `xml:"description"`
	Icons       []Icon       `xml:"icon"`
	Feeds       []FeedRef    `xml:"feed"`
	FeedFor     []FeedForRef `xml:"feed-for"`
	ReplacedBy  *ReplacedBy  `xml:"replaced-by"`
	EntryPoints []EntryPointXML `xml:"entry-point"`
	Groups      []GroupXML   `xml:"group"`
	Implementations []ImplementationXML `xml:"implementation"`

	// FlatImplementations is populated by Normalize; it is not part of the
	// XML shape.
	FlatImplementations []Implementation `xml:"-"`
}

// FeedForRef is a <feed-for interface="..."/> element.
type FeedForRef struct {
	Interface string `xml:"interface,attr"`
}

type Icon struct {
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
}

type FeedRef struct {
	Src string `xml:"src,attr"`
}

type ReplacedBy struct {
	Interface string `xml:"interface,attr"`
}

type EntryPointXML struct {
	Command       string `xml:"command,attr"`
	BinaryName    string `xml:"binary-name,attr"`
	Names         []string `xml:"name"`
	Summaries     []string `xml:"summary"`
	NeedsTerminal *struct{} `xml:"needs-terminal"`
}

// GroupXML is the shallow, still-nested XML representation of <group>;
// Normalize hoists its inheritable attributes onto each descendant
// Implementation.
type GroupXML struct {
	Version    string `xml:"version,attr"`
	Arch       string `xml:"arch,attr"`
	Stability  string `xml:"stability,attr"`
	License    string `xml:"license,attr"`
	Main       string `xml:"main,attr"`
	Langs      string `xml:"langs,attr"`

	Requires  []RequiresXML `xml:"requires"`
	Restricts []RequiresXML `xml:"restricts"`
	Runners   []RunnerXML   `xml:"runner"`
	Commands  []CommandXML  `xml:"command"`

	Groups          []GroupXML          `xml:"group"`
	Implementations []ImplementationXML `xml:"implementation"`
}

type RequiresXML struct {
	Interface string `xml:"interface,attr"`
	Versions  string `xml:"version,attr"`
	Importance string `xml:"importance,attr"`
}

type RunnerXML struct {
	RequiresXML
	Command string `xml:"command,attr"`
}

type CommandXML struct {
	Name string `xml:"name,attr"`
	Path string `xml:"path,attr"`

	Runner *RunnerXML `xml:"runner"`

	Environments      []EnvironmentXML      `xml:"environment"`
	ExecutableInVars  []ExecutableInVarXML  `xml:"executable-in-var"`
	ExecutableInPaths []ExecutableInPathXML `xml:"executable-in-path"`
	WorkingDirs       []WorkingDirXML       `xml:"working-dir"`
}

type EnvironmentXML struct {
	Name      string `xml:"name,attr"`
	Insert    string `xml:"insert,attr"`
	Value     string `xml:"value,attr"`
	Mode      string `xml:"mode,attr"`
	Default   string `xml:"default,attr"`
	Separator string `xml:"separator,attr"`
}

type ExecutableInVarXML struct {
	Name    string `xml:"name,attr"`
	Command string `xml:"command,attr"`
}

type ExecutableInPathXML struct {
	Name    string `xml:"name,attr"`
	Command string `xml:"command,attr"`
}

type WorkingDirXML struct {
	Src string `xml:"src,attr"`
}

type ManifestDigestXML struct {
	SHA1    string `xml:"sha1,attr"`
	SHA1New string `xml:"sha1new,attr"`
	SHA256  string `xml:"sha256,attr"`
	SHA256New string `xml:"sha256new,attr"`
}

type ArchiveXML struct {
	Href        string `xml:"href,attr"`
	Size        int64  `xml:"size,attr"`
	Extract     string `xml:"extract,attr"`
	Dest        string `xml:"dest,attr"`
	Type        string `xml:"type,attr"`
	StartOffset int64  `xml:"start-offset,attr"`
}

type FileXML struct {
	Href       string `xml:"href,attr"`
	Size       int64  `xml:"size,attr"`
	Dest       string `xml:"dest,attr"`
	Executable string `xml:"executable,attr"`
}

type RecipeXML struct {
	Archives []ArchiveXML  `xml:"archive"`
	Files    []FileXML     `xml:"file"`
	Renames  []RenameXML   `xml:"rename"`
	Removes  []RemoveXML   `xml:"remove"`
	CopyFroms []CopyFromXML `xml:"copy-from"`
}

type RenameXML struct {
	Source string `xml:"source,attr"`
	Dest   string `xml:"dest,attr"`
}

type RemoveXML struct {
	Path string `xml:"path,attr"`
}

type CopyFromXML struct {
	ID   string `xml:"id,attr"`
	Source string `xml:"source,attr"`
	Dest   string `xml:"dest,attr"`
}

// ImplementationXML is the shallow XML shape; Normalize merges it with
// every ancestor GroupXML's inherited fields to build a flat
// Implementation.
type ImplementationXML struct {
	ID        string `xml:"id,attr"`
	Version   string `xml:"version,attr"`
	Arch      string `xml:"arch,attr"`
	Stability string `xml:"stability,attr"`
	License   string `xml:"license,attr"`
	Released  string `xml:"released,attr"`
	Main      string `xml:"main,attr"`
	Langs     string `xml:"langs,attr"`

	ManifestDigest ManifestDigestXML `xml:"manifest-digest"`

	Archives []ArchiveXML `xml:"archive"`
	Files    []FileXML    `xml:"file"`
	Recipes  []RecipeXML  `xml:"recipe"`

	Requires  []RequiresXML `xml:"requires"`
	Restricts []RequiresXML `xml:"restricts"`
	Runners   []RunnerXML   `xml:"runner"`
	Commands  []CommandXML  `xml:"command"`
}

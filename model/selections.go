package model

import "github.com/AlexanderEkdahl/zeroinstall/version"

// Selections is the solver's output: one selected implementation per
// interface that participated in the request.
type Selections struct {
	InterfaceURI FeedURI
	Command      string
	Selections   map[FeedURI]*Selection
}

// Main returns the selection for the root interface, or nil if the
// document is empty.
func (s *Selections) Main() *Selection {
	if s == nil {
		return nil
	}
	return s.Selections[s.InterfaceURI]
}

// Selection is one implementation chosen for one interface.
type Selection struct {
	InterfaceURI FeedURI
	FromFeed     FeedURI
	ID           string
	Version      version.Version
	Arch         Architecture
	Digests      ManifestDigests

	// Command is the name of the command selected for this interface, or
	// empty when none was requested. It holds only the name; runner
	// selections are linked through Dependencies.
	Command string

	// CommandPath/CommandArguments mirror Command's Path/Arguments from
	// the Implementation this selection was chosen from, copied in so
	// the selections document is self-contained (spec §4.J) and the
	// executor never needs to re-fetch a feed to run it.
	CommandPath      string
	CommandArguments []Arg

	Bindings []Binding

	// Dependencies lists this implementation's requires/restricts/runner
	// dependencies with
	// their target interface's resolved selected ID, for selections-XML
	// fidelity (spec §6).
	Dependencies []SelectedDependency
}

// SelectedDependency pairs a Dependency with the ID ultimately selected
// for its target interface, as recorded in the selections document.
type SelectedDependency struct {
	Dependency Dependency
	SelectedID string
}

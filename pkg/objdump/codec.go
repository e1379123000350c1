// Package objdump defines the object-dump codec contract: parsing MOO
// object dump text into a structured Definition and
// serialising it back, plus decompiling a verb's program into source
// lines for the diff engine. The contract is consumed by pkg/objhandler
// and pkg/history; this package also provides the one concrete
// implementation the rest of the module is tested against.
package objdump

import "github.com/moovcs/vcsd/pkg/vcserr"

// PropertyDef is a property definition on an object (not an override of a
// parent's property).
type PropertyDef struct {
	Name  string
	Value string
	Owner string
	Perms string
}

// PropertyOverride is a re-declaration of an inherited property's value or
// permissions without redefining it.
type PropertyOverride struct {
	Name  string
	Value string
	Perms string
}

// VerbDef is one verb on an object, with its decompiled source lines
// already attached (the reference codec below stores verbs as source, so
// DecompileVerb is a passthrough; a bytecode-backed codec would decompile
// lazily here instead).
type VerbDef struct {
	Names []string
	Owner string
	Perms string
	Args  string
	Lines []string
}

// FirstName returns the verb's primary name, used wherever a single
// verb name is wanted rather than the full alias list.
func (v VerbDef) FirstName() string {
	if len(v.Names) == 0 {
		return ""
	}
	return v.Names[0]
}

// Definition is the parsed form of one object dump.
type Definition struct {
	Name        string
	Parent      string
	Owner       string
	Flags       string
	Properties  []PropertyDef
	Overrides   []PropertyOverride
	Verbs       []VerbDef
}

// Codec is the component-F contract: parse dump text into a Definition,
// serialise a Definition back to canonical dump text, and decompile a
// verb's program into source lines.
type Codec interface {
	// Parse parses dump text into exactly one Definition. It returns a
	// *vcserr.Error of KindParseError on a malformed dump, or
	// KindMultipleObjects if the text describes more than one object.
	Parse(dump string) (*Definition, error)

	// Serialise renders a Definition back to canonical dump text.
	Serialise(def *Definition) (string, error)

	// DecompileVerb lowers a verb's program to source lines. An empty
	// program yields an empty slice, never an error.
	DecompileVerb(v VerbDef) ([]string, error)
}

// MultipleObjectsError builds the KindMultipleObjects error for a dump
// that parsed into n objects instead of exactly one.
func MultipleObjectsError(n int) error {
	return vcserr.New(vcserr.KindMultipleObjects, "expected 1 object, got %d", n)
}

// ParseError builds the KindParseError error for a dump the codec could
// not parse at all.
func ParseError(cause error) error {
	return vcserr.Wrap(vcserr.KindParseError, cause, "failed to parse object dump")
}

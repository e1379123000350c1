package objdump

import (
	"fmt"
	"regexp"
	"strings"
)

// TextCodec implements Codec against a LambdaMOO-style textual object dump:
//
//	object NAME
//	  parent: PARENT
//	  owner: OWNER
//	  flags: "rx"
//	  property NAME (owner: O, perms: P) = VALUE;
//	  override NAME (perms: P) = VALUE;
//	  verb NAME1 NAME2 (owner: O, perms: P, args: "this none this")
//	    <source line>
//	    <source line>
//	  endverb
//	endobject
//
// This is the reference implementation of the external object-dump codec
// contract: a real deployment would swap this out for one backed by
// a full MOO compiler, but the pipeline in pkg/objhandler only ever talks
// to the Codec interface.
type TextCodec struct{}

// NewTextCodec returns the reference Codec implementation.
func NewTextCodec() *TextCodec { return &TextCodec{} }

var (
	objectHeaderRE = regexp.MustCompile(`^object\s+(\S+)\s*$`)
	parentRE       = regexp.MustCompile(`^parent:\s*(\S+)\s*$`)
	ownerRE        = regexp.MustCompile(`^owner:\s*(\S+)\s*$`)
	flagsRE        = regexp.MustCompile(`^flags:\s*"([^"]*)"\s*$`)
	propertyRE     = regexp.MustCompile(`^property\s+(\S+)\s*\(owner:\s*([^,]+),\s*perms:\s*"([^"]*)"\)\s*=\s*(.*);\s*$`)
	overrideRE     = regexp.MustCompile(`^override\s+(\S+)\s*\(perms:\s*"([^"]*)"\)\s*=\s*(.*);\s*$`)
	verbHeaderRE   = regexp.MustCompile(`^verb\s+(.+?)\s*\(owner:\s*([^,]+),\s*perms:\s*"([^"]*)",\s*args:\s*"([^"]*)"\)\s*$`)
)

// Parse implements Codec.
func (TextCodec) Parse(dump string) (*Definition, error) {
	lines := strings.Split(dump, "\n")

	var objectStarts int
	for _, line := range lines {
		if objectHeaderRE.MatchString(strings.TrimSpace(line)) {
			objectStarts++
		}
	}
	if objectStarts == 0 {
		return nil, ParseError(fmt.Errorf("no \"object NAME\" header found"))
	}
	if objectStarts > 1 {
		return nil, MultipleObjectsError(objectStarts)
	}

	def := &Definition{}
	var inVerb bool
	var verb VerbDef
	var sawHeader, sawFooter bool

	for i := 0; i < len(lines); i++ {
		raw := lines[i]
		line := strings.TrimSpace(raw)
		if line == "" {
			if inVerb {
				verb.Lines = append(verb.Lines, raw)
			}
			continue
		}

		switch {
		case !sawHeader:
			m := objectHeaderRE.FindStringSubmatch(line)
			if m == nil {
				return nil, ParseError(fmt.Errorf("expected \"object NAME\", got %q", line))
			}
			def.Name = m[1]
			sawHeader = true

		case inVerb:
			if line == "endverb" {
				def.Verbs = append(def.Verbs, verb)
				verb = VerbDef{}
				inVerb = false
				continue
			}
			verb.Lines = append(verb.Lines, raw)

		case line == "endobject":
			sawFooter = true

		case parentRE.MatchString(line):
			def.Parent = parentRE.FindStringSubmatch(line)[1]

		case ownerRE.MatchString(line):
			def.Owner = ownerRE.FindStringSubmatch(line)[1]

		case flagsRE.MatchString(line):
			def.Flags = flagsRE.FindStringSubmatch(line)[1]

		case propertyRE.MatchString(line):
			m := propertyRE.FindStringSubmatch(line)
			def.Properties = append(def.Properties, PropertyDef{
				Name:  m[1],
				Owner: strings.TrimSpace(m[2]),
				Perms: m[3],
				Value: m[4],
			})

		case overrideRE.MatchString(line):
			m := overrideRE.FindStringSubmatch(line)
			def.Overrides = append(def.Overrides, PropertyOverride{
				Name:  m[1],
				Perms: m[2],
				Value: m[3],
			})

		case verbHeaderRE.MatchString(line):
			m := verbHeaderRE.FindStringSubmatch(line)
			verb = VerbDef{
				Names: strings.Fields(m[1]),
				Owner: strings.TrimSpace(m[2]),
				Perms: m[3],
				Args:  m[4],
			}
			inVerb = true

		default:
			return nil, ParseError(fmt.Errorf("unrecognised line %q", line))
		}
	}

	if inVerb {
		return nil, ParseError(fmt.Errorf("verb %v missing endverb", verb.Names))
	}
	if !sawFooter {
		return nil, ParseError(fmt.Errorf("missing endobject"))
	}
	return def, nil
}

// Serialise implements Codec. Output is canonical: properties, overrides,
// and verbs are emitted in the order they were added to the Definition, so
// round-tripping a parsed dump (parse -> serialise -> parse) yields an
// identical Definition, and re-serialising the same filtered Definition
// always yields byte-identical text (needed for content addressing).
func (TextCodec) Serialise(def *Definition) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "object %s\n", def.Name)
	if def.Parent != "" {
		fmt.Fprintf(&b, "parent: %s\n", def.Parent)
	}
	if def.Owner != "" {
		fmt.Fprintf(&b, "owner: %s\n", def.Owner)
	}
	fmt.Fprintf(&b, "flags: %q\n", def.Flags)

	for _, p := range def.Properties {
		fmt.Fprintf(&b, "property %s (owner: %s, perms: %q) = %s;\n",
			p.Name, p.Owner, p.Perms, p.Value)
	}
	for _, o := range def.Overrides {
		fmt.Fprintf(&b, "override %s (perms: %q) = %s;\n", o.Name, o.Perms, o.Value)
	}
	for _, v := range def.Verbs {
		fmt.Fprintf(&b, "verb %s (owner: %s, perms: %q, args: %q)\n",
			strings.Join(v.Names, " "), v.Owner, v.Perms, v.Args)
		for _, l := range v.Lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
		b.WriteString("endverb\n")
	}
	b.WriteString("endobject\n")
	return b.String(), nil
}

// DecompileVerb implements Codec. The reference codec already stores a
// verb's program as source lines, so this is a passthrough; it still
// returns a non-nil empty slice for an empty program as the contract
// requires, never an error.
func (TextCodec) DecompileVerb(v VerbDef) ([]string, error) {
	if len(v.Lines) == 0 {
		return []string{}, nil
	}
	out := make([]string, len(v.Lines))
	copy(out, v.Lines)
	return out, nil
}

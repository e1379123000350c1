package objdump

import (
	"testing"

	"github.com/moovcs/vcsd/pkg/vcserr"
	"github.com/stretchr/testify/require"
)

const sampleDump = `object thing
parent: generic_thing
owner: wizard
flags: "rx"
property score (owner: wizard, perms: "rw") = 0;
override description (perms: "r") = "a thing";
verb look tell (owner: wizard, perms: "rxd", args: "this none this")
  player:tell("You see a thing.");
  return 1;
endverb
endobject
`

func TestTextCodec_ParseRoundTrip(t *testing.T) {
	c := NewTextCodec()

	def, err := c.Parse(sampleDump)
	require.NoError(t, err)
	require.Equal(t, "thing", def.Name)
	require.Equal(t, "generic_thing", def.Parent)
	require.Equal(t, "wizard", def.Owner)
	require.Equal(t, "rx", def.Flags)
	require.Len(t, def.Properties, 1)
	require.Equal(t, "score", def.Properties[0].Name)
	require.Len(t, def.Overrides, 1)
	require.Equal(t, "description", def.Overrides[0].Name)
	require.Len(t, def.Verbs, 1)
	require.Equal(t, []string{"look", "tell"}, def.Verbs[0].Names)
	require.Equal(t, "look", def.Verbs[0].FirstName())
	require.Len(t, def.Verbs[0].Lines, 2)

	out, err := c.Serialise(def)
	require.NoError(t, err)

	def2, err := c.Parse(out)
	require.NoError(t, err)
	require.Equal(t, def, def2)

	out2, err := c.Serialise(def2)
	require.NoError(t, err)
	require.Equal(t, out, out2)
}

func TestTextCodec_ParseMultipleObjects(t *testing.T) {
	c := NewTextCodec()
	dump := sampleDump + "\n" + sampleDump

	_, err := c.Parse(dump)
	require.Error(t, err)
	require.True(t, vcserr.Is(err, vcserr.KindMultipleObjects))
}

func TestTextCodec_ParseMalformed(t *testing.T) {
	c := NewTextCodec()

	_, err := c.Parse("this is not a dump at all\n")
	require.Error(t, err)
	require.True(t, vcserr.Is(err, vcserr.KindParseError))
}

func TestTextCodec_ParseMissingEndobject(t *testing.T) {
	c := NewTextCodec()

	_, err := c.Parse("object thing\nowner: wizard\n")
	require.Error(t, err)
	require.True(t, vcserr.Is(err, vcserr.KindParseError))
}

func TestTextCodec_DecompileVerbEmptyProgram(t *testing.T) {
	c := NewTextCodec()

	lines, err := c.DecompileVerb(VerbDef{Names: []string{"noop"}})
	require.NoError(t, err)
	require.NotNil(t, lines)
	require.Empty(t, lines)
}

package history

import (
	"testing"

	"github.com/moovcs/vcsd/pkg/objdump"
	"github.com/stretchr/testify/require"
)

const oldDump = `object thing
owner: wizard
flags: "rx"
property score (owner: wizard, perms: "rw") = 0;
verb look (owner: wizard, perms: "rxd", args: "this none this")
  player:tell("old");
endverb
endobject
`

const newDump = `object thing
owner: wizard
flags: "rx"
property score (owner: wizard, perms: "rw") = 1;
verb look (owner: wizard, perms: "rxd", args: "this none this")
  player:tell("new");
endverb
verb fly (owner: wizard, perms: "rxd", args: "this none this")
  player:tell("flying");
endverb
endobject
`

func TestDiffObjects_DetectsPropertyAndVerbChanges(t *testing.T) {
	codec := objdump.NewTextCodec()

	d, err := DiffObjects(codec, oldDump, newDump)
	require.NoError(t, err)
	require.Equal(t, "thing", d.Name)

	require.Len(t, d.Properties, 1)
	require.Equal(t, "score", d.Properties[0].Name)
	require.Equal(t, StatusModified, d.Properties[0].Status)
	require.Equal(t, "0", d.Properties[0].OldValue)
	require.Equal(t, "1", d.Properties[0].NewValue)

	var look, fly *VerbDiff
	for i := range d.Verbs {
		switch d.Verbs[i].Name {
		case "look":
			look = &d.Verbs[i]
		case "fly":
			fly = &d.Verbs[i]
		}
	}
	require.NotNil(t, look)
	require.Equal(t, StatusModified, look.Status)
	require.NotNil(t, fly)
	require.Equal(t, StatusAdded, fly.Status)
}

func TestDiffObjects_ObjectDidNotExistBefore(t *testing.T) {
	codec := objdump.NewTextCodec()

	d, err := DiffObjects(codec, "", newDump)
	require.NoError(t, err)
	require.Len(t, d.Verbs, 2)
	for _, v := range d.Verbs {
		require.Equal(t, StatusAdded, v.Status)
	}
}

func TestDiffObjects_ObjectDeleted(t *testing.T) {
	codec := objdump.NewTextCodec()

	d, err := DiffObjects(codec, oldDump, "")
	require.NoError(t, err)
	require.Len(t, d.Verbs, 1)
	require.Equal(t, StatusDeleted, d.Verbs[0].Status)
}

package history

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiffLines_Identical(t *testing.T) {
	lines := DiffLines([]string{"a", "b"}, []string{"a", "b"})
	for _, l := range lines {
		require.Equal(t, LineUnchanged, l.Type)
	}
}

func TestDiffLines_PureAddition(t *testing.T) {
	lines := DiffLines([]string{"a"}, []string{"a", "b"})
	require.Len(t, lines, 2)
	require.Equal(t, LineUnchanged, lines[0].Type)
	require.Equal(t, LineAdded, lines[1].Type)
	require.Equal(t, "b", lines[1].Content)
}

func TestDiffLines_PureRemoval(t *testing.T) {
	lines := DiffLines([]string{"a", "b"}, []string{"a"})
	require.Len(t, lines, 2)
	require.Equal(t, LineUnchanged, lines[0].Type)
	require.Equal(t, LineRemoved, lines[1].Type)
}

func TestGenerateHunks_SingleLineChangeIsChangedHunk(t *testing.T) {
	lines := DiffLines([]string{"return 1;"}, []string{"return 2;"})
	hunks := GenerateHunks(lines)
	require.Len(t, hunks, 1)
	require.Equal(t, HunkChanged, hunks[0].Type)
	require.Equal(t, []string{"- return 1;", "+ return 2;"}, hunks[0].Lines)
}

func TestGenerateHunks_RemovedLinesDoNotAdvanceLineNumber(t *testing.T) {
	lines := DiffLines(
		[]string{"a;", "b;", "c;"},
		[]string{"a;", "c;"},
	)
	hunks := GenerateHunks(lines)

	require.Len(t, hunks, 3)
	require.Equal(t, HunkUnchanged, hunks[0].Type)
	require.Equal(t, 1, hunks[0].Start)
	require.Equal(t, HunkRemoved, hunks[1].Type)
	require.Equal(t, 2, hunks[1].Start)
	require.Equal(t, HunkUnchanged, hunks[2].Type)
	require.Equal(t, 2, hunks[2].Start)
}

func TestGenerateHunks_PureAdditionAdvancesLineNumber(t *testing.T) {
	lines := DiffLines([]string{"a;"}, []string{"a;", "b;", "c;"})
	hunks := GenerateHunks(lines)

	require.Len(t, hunks, 2)
	require.Equal(t, HunkUnchanged, hunks[0].Type)
	require.Equal(t, HunkAdded, hunks[1].Type)
	require.Equal(t, 2, hunks[1].Start)
	require.Equal(t, []string{"b;", "c;"}, hunks[1].Lines)
}

func TestGenerateHunks_NoLines(t *testing.T) {
	require.Empty(t, GenerateHunks(nil))
}

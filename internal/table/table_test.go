package table

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func testTable(names ...string) *Table {
	t := New(testTime)
	for _, name := range names {
		t.InsertOrReplace(NewEntry(name, 10, "cafe", testTime))
	}
	return t
}

func TestInsertOrReplace(t *testing.T) {
	t.Parallel()

	tbl := testTable("a.txt", "b.txt")
	require.Len(t, tbl.Files, 2)

	// Replacing a live entry keeps its slot, not appends.
	repl := NewEntry("a.txt", 99, "beef", testTime)
	tbl.InsertOrReplace(repl)
	require.Len(t, tbl.Files, 2)
	assert.Equal(t, uint64(99), tbl.Files[0].OriginalSize)
	assert.Equal(t, "a.txt", tbl.Files[0].Name)

	// A deleted entry does not block insertion of a fresh one.
	require.NoError(t, tbl.MarkDeleted("b.txt", testTime))
	tbl.InsertOrReplace(NewEntry("b.txt", 7, "f00d", testTime))
	require.Len(t, tbl.Files, 3)
	assert.NotNil(t, tbl.Live("b.txt"))
	assert.NotNil(t, tbl.FindDeleted("b.txt"))
}

func TestMarkDeleted(t *testing.T) {
	t.Parallel()

	tbl := testTable("a.txt")
	require.NoError(t, tbl.MarkDeleted("a.txt", testTime))

	e := tbl.FindDeleted("a.txt")
	require.NotNil(t, e)
	assert.True(t, e.Deleted)
	require.NotNil(t, e.DeletedTime)
	assert.Equal(t, testTime, *e.DeletedTime)

	// Missing target is an error, never a silent no-op.
	err := tbl.MarkDeleted("a.txt", testTime)
	require.ErrorIs(t, err, ErrFileNotFound)
	err = tbl.MarkDeleted("nope", testTime)
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestRestore(t *testing.T) {
	t.Parallel()

	tbl := testTable("a.txt")
	require.NoError(t, tbl.MarkDeleted("a.txt", testTime))
	require.NoError(t, tbl.Restore("a.txt"))

	e := tbl.Live("a.txt")
	require.NotNil(t, e)
	assert.False(t, e.Deleted)
	assert.Nil(t, e.DeletedTime)
}

func TestRestore_Errors(t *testing.T) {
	t.Parallel()

	tbl := testTable("a.txt")
	err := tbl.Restore("a.txt")
	require.ErrorIs(t, err, ErrFileNotFound)

	// Deleted entry shadowed by a live replacement cannot be restored.
	require.NoError(t, tbl.MarkDeleted("a.txt", testTime))
	tbl.InsertOrReplace(NewEntry("a.txt", 5, "dead", testTime))
	err = tbl.Restore("a.txt")
	require.ErrorIs(t, err, ErrFileExists)
}

func TestPurge(t *testing.T) {
	t.Parallel()

	tbl := testTable("a.txt", "b.txt", "c.txt")
	require.NoError(t, tbl.MarkDeleted("a.txt", testTime))
	require.NoError(t, tbl.MarkDeleted("c.txt", testTime))

	assert.Equal(t, 2, tbl.Purge())
	assert.Empty(t, tbl.ListDeleted())
	require.Len(t, tbl.Files, 1)
	assert.Equal(t, "b.txt", tbl.Files[0].Name)

	assert.Equal(t, 0, tbl.Purge())
}

func TestList_InsertionOrder(t *testing.T) {
	t.Parallel()

	tbl := testTable("zz.txt", "aa.txt", "mm.txt")
	require.NoError(t, tbl.MarkDeleted("aa.txt", testTime))

	names := func(entries []*Entry) []string {
		out := make([]string, len(entries))
		for i, e := range entries {
			out[i] = e.Name
		}
		return out
	}

	assert.Equal(t, []string{"zz.txt", "mm.txt"}, names(tbl.List(false)))
	assert.Equal(t, []string{"zz.txt", "aa.txt", "mm.txt"}, names(tbl.List(true)))
	assert.Equal(t, []string{"aa.txt"}, names(tbl.ListDeleted()))

	// List returns copies; mutating them must not touch the table.
	tbl.List(false)[0].Name = "mutated"
	assert.Equal(t, "zz.txt", tbl.Files[0].Name)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	tbl := testTable("a.txt", "b.txt")
	require.NoError(t, tbl.MarkDeleted("b.txt", testTime))

	data, err := tbl.Encode(testTime.Add(time.Hour))
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Version, got.Version)
	assert.Equal(t, testTime.Add(time.Hour), got.Updated)
	require.Len(t, got.Files, 2)
	assert.False(t, got.Files[0].Deleted)
	assert.True(t, got.Files[1].Deleted)
}

func TestDecode_LegacySideList(t *testing.T) {
	t.Parallel()

	// Old volumes kept deleted entries on a separate deleted_files list.
	data := []byte(`{
		"version": "1.0",
		"created": "2024-01-02T03:04:05Z",
		"updated": "2024-06-07T08:09:10Z",
		"files": [{"name": "live.txt", "original_size": 3, "import_time": "2024-01-02T03:04:05Z"}],
		"deleted_files": [{"name": "gone.txt", "original_size": 9, "import_time": "2024-01-02T03:04:05Z"}]
	}`)

	tbl, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, tbl.Files, 2)

	assert.NotNil(t, tbl.Live("live.txt"))
	gone := tbl.FindDeleted("gone.txt")
	require.NotNil(t, gone)
	assert.True(t, gone.Deleted)
	require.NotNil(t, gone.DeletedTime)

	// Normalized form never re-emits the side-list.
	out, err := tbl.Encode(testTime)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "deleted_files")
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte("not json"))
	require.Error(t, err)
}

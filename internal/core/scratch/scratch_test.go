package scratch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docstream/internal/models"
)

func newArea(t *testing.T) (*Store, *Area) {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	a, err := s.Area("job-1")
	require.NoError(t, err)
	return s, a
}

func TestAreaRejectsUnsafeJobID(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Area("../escape")
	assert.Error(t, err)
	assert.False(t, s.Exists("../escape"))
}

func TestChunkLedgerAppendAndRead(t *testing.T) {
	_, a := newArea(t)

	require.NoError(t, a.AppendChunks([]models.Chunk{{Index: 0, Text: "a"}, {Index: 1, Text: "b"}}))
	require.NoError(t, a.AppendChunks([]models.Chunk{{Index: 2, Text: "c"}}))

	all, err := a.ReadChunks(0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[2].Text)

	window, err := a.ReadChunks(1, 1)
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, 1, window[0].Index)

	n, err := a.CountChunks()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestChunkLedgerIgnoresTornTail(t *testing.T) {
	_, a := newArea(t)
	require.NoError(t, a.AppendChunks([]models.Chunk{{Index: 0, Text: "a"}}))

	f, err := os.OpenFile(filepath.Join(a.Dir(), chunkLedger), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"index":1,"te`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	all, err := a.ReadChunks(0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, a.TruncateChunks(1))
	require.NoError(t, a.AppendChunks([]models.Chunk{{Index: 1, Text: "b"}}))
	all, err = a.ReadChunks(0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTruncateChunks(t *testing.T) {
	_, a := newArea(t)
	require.NoError(t, a.AppendChunks([]models.Chunk{{Index: 0}, {Index: 1}, {Index: 2}, {Index: 3}}))

	require.NoError(t, a.TruncateChunks(2))

	all, err := a.ReadChunks(0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[1].Index)
}

func TestTruncateMissingLedger(t *testing.T) {
	_, a := newArea(t)
	assert.NoError(t, a.TruncateChunks(0))
	assert.NoError(t, a.TruncateEmbeddings(0))
}

func TestEmbeddingLedgerLastWriteWins(t *testing.T) {
	_, a := newArea(t)
	require.NoError(t, a.AppendEmbeddings([]models.EmbeddedChunk{
		{ID: "0", Index: 0, Vector: []float32{1}},
		{ID: "1", Index: 1, Vector: []float32{1}},
	}))
	require.NoError(t, a.AppendEmbeddings([]models.EmbeddedChunk{{ID: "1", Index: 1, Vector: []float32{2}}}))

	got, err := a.LoadEmbeddings(1, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float32{2}, got[1].Vector)

	require.NoError(t, a.TruncateEmbeddings(1))
	got, err = a.LoadEmbeddings(0, 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSourceAndDestroy(t *testing.T) {
	s, a := newArea(t)

	path, err := a.WriteSource("txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, a.SourcePath(".txt"), path)

	size, ok := a.Exists(path)
	assert.True(t, ok)
	assert.Equal(t, int64(5), size)

	require.NoError(t, s.Destroy("job-1"))
	assert.False(t, s.Exists("job-1"))
	_, ok = a.Exists(path)
	assert.False(t, ok)
}

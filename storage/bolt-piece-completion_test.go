package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/tsunami/metainfo"
)

func testPieceCompletion(t *testing.T, pc PieceCompletion) {
	pk := PieceKey{InfoHash: metainfo.HashBytes([]byte("a")), Index: 3}

	b, err := pc.Get(pk)
	require.NoError(t, err)
	assert.False(t, b.Ok)

	require.NoError(t, pc.Set(pk, false))

	b, err = pc.Get(pk)
	require.NoError(t, err)
	assert.Equal(t, Completion{Complete: false, Ok: true}, b)

	require.NoError(t, pc.Set(pk, true))

	b, err = pc.Get(pk)
	require.NoError(t, err)
	assert.Equal(t, Completion{Complete: true, Ok: true}, b)

	// Other torrents sharing the database are unaffected.
	b, err = pc.Get(PieceKey{Index: 3})
	require.NoError(t, err)
	assert.False(t, b.Ok)
}

func TestBoltPieceCompletion(t *testing.T) {
	td := t.TempDir()
	pc, err := NewBoltPieceCompletion(td)
	require.NoError(t, err)
	defer pc.Close()
	testPieceCompletion(t, pc)
}

func TestBoltPieceCompletionPersists(t *testing.T) {
	td := t.TempDir()
	pc, err := NewBoltPieceCompletion(td)
	require.NoError(t, err)
	pk := PieceKey{Index: 1}
	require.NoError(t, pc.Set(pk, true))
	require.NoError(t, pc.Close())
	pc, err = NewBoltPieceCompletion(td)
	require.NoError(t, err)
	defer pc.Close()
	c, err := pc.Get(pk)
	require.NoError(t, err)
	assert.True(t, c.Complete)
}

func TestMapPieceCompletion(t *testing.T) {
	testPieceCompletion(t, NewMapPieceCompletion())
}

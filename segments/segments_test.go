package segments

import (
	"testing"

	g "github.com/anacrolix/generics"
	"github.com/stretchr/testify/assert"
)

type ScanCallbackValue struct {
	Index int
	Extent
}

type collectExtents []ScanCallbackValue

func (me *collectExtents) scanCallback(i int, e Extent) bool {
	*me = append(*me, ScanCallbackValue{
		Index:  i,
		Extent: e,
	})
	return true
}

func assertLocate(t *testing.T, ls []Length, needle Extent, expected collectExtents, covered bool) {
	var actual collectExtents
	ok := NewIndex(LengthIterFromSlice(ls)).Locate(needle, actual.scanCallback)
	assert.EqualValues(t, expected, actual)
	assert.Equal(t, covered, ok)
}

func TestLocate(t *testing.T) {
	ls := []Length{1, 0, 2, 0, 3}
	assertLocate(t, ls, Extent{2, 2}, collectExtents{{2, Extent{1, 1}}, {4, Extent{0, 1}}}, true)
	assertLocate(t, ls, Extent{0, 6}, collectExtents{
		{0, Extent{0, 1}}, {2, Extent{0, 2}}, {4, Extent{0, 3}},
	}, true)
	// Past the end.
	assertLocate(t, ls, Extent{6, 2}, nil, false)
	assertLocate(t, ls, Extent{5, 2}, collectExtents{{4, Extent{2, 1}}}, false)
	assertLocate(t, ls, Extent{3, 0}, nil, true)
}

func TestLocateOffset(t *testing.T) {
	index := NewIndex(LengthIterFromSlice([]Length{3, 0, 4}))
	assert.Equal(t, g.Some(IndexAndOffset{2, 1}), index.LocateOffset(4))
	assert.Equal(t, g.Some(IndexAndOffset{0, 2}), index.LocateOffset(2))
	assert.False(t, index.LocateOffset(7).Ok)
	assert.EqualValues(t, 7, index.End())
}

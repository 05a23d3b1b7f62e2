package segments

import (
	"iter"
	"sort"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/panicif"
)

func NewIndex(segments LengthIter) (ret Index) {
	var start Length
	for l := range segments {
		panicif.True(l < 0)
		ret.segments = append(ret.segments, Extent{start, l})
		start += l
	}
	return
}

type Index struct {
	segments []Extent
}

func (me Index) Len() int {
	return len(me.segments)
}

func (me Index) Index(i int) Extent {
	return me.segments[i]
}

// The total length of all segments.
func (me Index) End() Int {
	if len(me.segments) == 0 {
		return 0
	}
	return me.segments[len(me.segments)-1].End()
}

// Yields each segment overlapping e, in order, with the overlapping part relative to the start of
// that segment. Zero-length segments are never yielded.
func (me Index) LocateIter(e Extent) iter.Seq2[int, Extent] {
	return func(yield func(int, Extent) bool) {
		first := sort.Search(len(me.segments), func(i int) bool {
			return me.segments[i].End() > e.Start
		})
		for i := first; i < len(me.segments) && e.Length > 0; i++ {
			seg := me.segments[i]
			if seg.Length == 0 {
				continue
			}
			off := max(e.Start-seg.Start, 0)
			n := min(seg.Length-off, e.Length)
			if !yield(i, Extent{off, n}) {
				return
			}
			e.Start += n
			e.Length -= n
		}
	}
}

// Returns true if every part of e lies within the segments, or the callback stopped early.
func (me Index) Locate(e Extent, output Callback) bool {
	remaining := e.Length
	for i, found := range me.LocateIter(e) {
		remaining -= found.Length
		if !output(i, found) {
			return true
		}
	}
	return remaining == 0
}

type IndexAndOffset struct {
	Index  int
	Offset int64
}

// The segment containing the byte at off, if any.
func (me Index) LocateOffset(off int64) (ret g.Option[IndexAndOffset]) {
	for i, e := range me.LocateIter(Extent{off, 1}) {
		panicif.True(ret.Ok)
		panicif.NotEq(e.Length, 1)
		ret.Set(IndexAndOffset{
			Index:  i,
			Offset: e.Start,
		})
	}
	return
}

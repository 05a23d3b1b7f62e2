// Package segments maps extents of a concatenation of segments, such as the files of a torrent,
// onto the segments they cover.
package segments

import (
	"iter"
)

type Int = int64

type Length = Int

type Extent struct {
	Start, Length Int
}

func (e Extent) End() Int {
	return e.Start + e.Length
}

type (
	// Called with the index of each segment touched, and the extent within that segment.
	Callback   = func(segmentIndex int, segmentBounds Extent) bool
	LengthIter = iter.Seq[Length]
)

func LengthIterFromSlice(ls []Length) LengthIter {
	return func(yield func(Length) bool) {
		for _, l := range ls {
			if !yield(l) {
				return
			}
		}
	}
}

package typedRoaring

import (
	"github.com/RoaringBitmap/roaring"
)

type BitConstraint interface {
	~int | ~uint32
}

// A roaring.Bitmap over a small integer type, so callers don't convert at every call site.
type Bitmap[T BitConstraint] struct {
	roaring.Bitmap
}

func (me *Bitmap[T]) Contains(x T) bool {
	return me.Bitmap.Contains(uint32(x))
}

func (me *Bitmap[T]) Iterate(f func(x T) bool) {
	me.Bitmap.Iterate(func(x uint32) bool {
		return f(T(x))
	})
}

func (me *Bitmap[T]) Add(x T) {
	me.Bitmap.Add(uint32(x))
}

func (me *Bitmap[T]) CheckedAdd(x T) bool {
	return me.Bitmap.CheckedAdd(uint32(x))
}

func (me *Bitmap[T]) CheckedRemove(x T) bool {
	return me.Bitmap.CheckedRemove(uint32(x))
}

func (me *Bitmap[T]) Remove(x T) {
	me.Bitmap.Remove(uint32(x))
}

func (me *Bitmap[T]) Len() int {
	return int(me.Bitmap.GetCardinality())
}

func (me *Bitmap[T]) Clone() Bitmap[T] {
	return Bitmap[T]{*me.Bitmap.Clone()}
}

// The number of values in me that aren't in other.
func (me *Bitmap[T]) CountNotIn(other *Bitmap[T]) int {
	return int(me.Bitmap.GetCardinality() - me.Bitmap.AndCardinality(&other.Bitmap))
}

func (me *Bitmap[T]) ToSlice() (ret []T) {
	ret = make([]T, 0, me.Len())
	me.Iterate(func(x T) bool {
		ret = append(ret, x)
		return true
	})
	return
}

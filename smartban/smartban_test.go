package smartban

import (
	"slices"
	"testing"

	"github.com/cespare/xxhash"
	qt "github.com/go-quicktest/qt"
)

func newCache() *Cache[string, int, uint64] {
	c := &Cache[string, int, uint64]{Hash: xxhash.Sum64}
	c.Init()
	return c
}

func TestCheckBlocksFindsBadSources(t *testing.T) {
	c := newCache()
	c.RecordBlock("good", 0, []byte("aaaa"))
	c.RecordBlock("bad", 1, []byte("XXXX"))
	c.RecordBlock("good", 1, []byte("bbbb"))
	c.RecordBlock("bad", 0, []byte("YYYY"))
	// Same peer, same data, recorded once.
	c.RecordBlock("bad", 0, []byte("YYYY"))
	qt.Check(t, qt.IsTrue(c.HasPeerForBlocks(slices.Values([]int{3, 1}))))
	qt.Check(t, qt.IsFalse(c.HasPeerForBlocks(slices.Values([]int{3}))))
	bad := c.CheckBlocks(slices.Values([]Block[int]{
		{0, []byte("aaaa")},
		{1, []byte("bbbb")},
	}))
	qt.Check(t, qt.DeepEquals(bad, []string{"bad"}))
	qt.Check(t, qt.IsFalse(c.HasBlocks()))
}

func TestForgetPeer(t *testing.T) {
	c := newCache()
	c.RecordBlock("a", 0, []byte("x"))
	c.RecordBlock("b", 0, []byte("y"))
	c.RecordBlock("a", 1, []byte("z"))
	c.ForgetPeer("a")
	qt.Check(t, qt.DeepEquals(c.CheckBlock(0, []byte("x")), []string{"b"}))
	qt.Check(t, qt.IsFalse(c.HasPeerForBlocks(slices.Values([]int{1}))))
	c.ForgetBlockSeq(slices.Values([]int{0}))
	qt.Check(t, qt.IsFalse(c.HasBlocks()))
}

func BenchmarkRecordBlock(b *testing.B) {
	c := newCache()
	var data [1 << 14]byte
	b.SetBytes(int64(len(data)))
	i := 0
	for b.Loop() {
		c.RecordBlock("peer", i, data[:])
		i++
	}
}

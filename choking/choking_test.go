package choking

import (
	"testing"

	g "github.com/anacrolix/generics"
	qt "github.com/go-quicktest/qt"
)

func unchokedKeys(r Result[string]) (ret []string) {
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		if r.IsUnchoked(k) {
			ret = append(ret, k)
		}
	}
	return
}

func TestRanksByDownloadRate(t *testing.T) {
	m := Manager[string]{UploadSlots: 2, OptimisticRotation: 3, IntN: func(int) int { return 0 }}
	peers := []Peer[string]{
		{Key: "a", Interested: true, DownloadRate: 10},
		{Key: "b", Interested: true, DownloadRate: 300},
		{Key: "c", Interested: false, DownloadRate: 1000},
		{Key: "d", Interested: true, DownloadRate: 200},
		{Key: "e", Interested: true, DownloadRate: 5},
	}
	r := m.Tick(peers, false)
	// b and d by rank, a as the first remaining candidate.
	qt.Check(t, qt.DeepEquals(unchokedKeys(r), []string{"a", "b", "d"}))
	qt.Check(t, qt.Equals(r.Optimistic, g.Some("a")))
}

func TestSeedingRanksByUploadRate(t *testing.T) {
	m := Manager[string]{UploadSlots: 1, OptimisticRotation: 3, IntN: func(int) int { return 0 }}
	peers := []Peer[string]{
		{Key: "a", Interested: true, DownloadRate: 100, UploadRate: 1},
		{Key: "b", Interested: true, DownloadRate: 0, UploadRate: 50},
	}
	r := m.Tick(peers, true)
	qt.Check(t, qt.DeepEquals(unchokedKeys(r), []string{"a", "b"}))
	qt.Check(t, qt.Equals(r.Optimistic, g.Some("a")))
}

func TestOptimisticRotation(t *testing.T) {
	var picks []int
	next := 0
	m := Manager[string]{
		UploadSlots:        1,
		OptimisticRotation: 3,
		IntN: func(n int) int {
			picks = append(picks, n)
			next++
			return next % n
		},
	}
	peers := []Peer[string]{
		{Key: "a", Interested: true, DownloadRate: 100},
		{Key: "b", Interested: true},
		{Key: "c", Interested: true},
		{Key: "d", Interested: true},
	}
	var opts []string
	for range 7 {
		opts = append(opts, m.Tick(peers, false).Optimistic.Unwrap())
	}
	// Rotates on ticks 0, 3 and 6 only.
	qt.Check(t, qt.DeepEquals(picks, []int{3, 3, 3}))
	qt.Check(t, qt.DeepEquals(opts, []string{"c", "c", "c", "d", "d", "d", "b"}))
}

func TestOptimisticReplacedWhenIneligible(t *testing.T) {
	m := Manager[string]{UploadSlots: 1, OptimisticRotation: 3, IntN: func(int) int { return 0 }}
	peers := []Peer[string]{
		{Key: "a", Interested: true, DownloadRate: 100},
		{Key: "b", Interested: true},
		{Key: "c", Interested: true},
	}
	qt.Assert(t, qt.Equals(m.Tick(peers, false).Optimistic, g.Some("b")))
	peers[1].Interested = false
	r := m.Tick(peers, false)
	qt.Check(t, qt.Equals(r.Optimistic, g.Some("c")))
	qt.Check(t, qt.IsFalse(r.IsUnchoked("b")))
}

func TestEveryoneFitsNoOptimistic(t *testing.T) {
	m := Manager[string]{UploadSlots: 4, OptimisticRotation: 3}
	peers := []Peer[string]{
		{Key: "a", Interested: true},
		{Key: "b", Interested: false},
	}
	r := m.Tick(peers, false)
	qt.Check(t, qt.DeepEquals(unchokedKeys(r), []string{"a"}))
	qt.Check(t, qt.IsFalse(r.Optimistic.Ok))
}

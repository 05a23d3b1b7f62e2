// Package choking decides which peers we upload to. It works on snapshots and holds no
// connections, so the caller applies the result.
package choking

import (
	"math/rand/v2"
	"slices"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/multiless"
)

// A snapshot of a connection at tick time.
type Peer[K comparable] struct {
	Key K
	// The peer wants data from us.
	Interested bool
	// Bytes per second the peer has recently given us.
	DownloadRate int64
	// Bytes per second we have recently given the peer.
	UploadRate int64
}

type Manager[K comparable] struct {
	// Regular unchoke slots, filled by rank.
	UploadSlots int
	// Ticks between optimistic unchoke rotations.
	OptimisticRotation int
	// Returns a value in [0, n). Defaults to math/rand/v2.
	IntN func(n int) int

	ticks      int
	optimistic g.Option[K]
}

type Result[K comparable] struct {
	// Everyone to be unchoked after this tick. Everyone else is choked.
	Unchoked   map[K]struct{}
	Optimistic g.Option[K]
}

func (me Result[K]) IsUnchoked(k K) bool {
	_, ok := me.Unchoked[k]
	return ok
}

func (m *Manager[K]) intN(n int) int {
	if m.IntN != nil {
		return m.IntN(n)
	}
	return rand.IntN(n)
}

func (m *Manager[K]) Optimistic() g.Option[K] {
	return m.optimistic
}

// Runs one choke round. When seeding, peers are ranked by how fast we upload to them, otherwise
// by how fast they upload to us.
func (m *Manager[K]) Tick(peers []Peer[K], seeding bool) (ret Result[K]) {
	rate := func(p *Peer[K]) int64 {
		if seeding {
			return p.UploadRate
		}
		return p.DownloadRate
	}
	var interested []Peer[K]
	for _, p := range peers {
		if p.Interested {
			interested = append(interested, p)
		}
	}
	slices.SortStableFunc(interested, func(l, r Peer[K]) int {
		return multiless.New().Int64(rate(&r), rate(&l)).OrderingInt()
	})
	ret.Unchoked = make(map[K]struct{}, m.UploadSlots+1)
	ranked := interested[:min(m.UploadSlots, len(interested))]
	for _, p := range ranked {
		ret.Unchoked[p.Key] = struct{}{}
	}
	var candidates []K
	for _, p := range interested[len(ranked):] {
		candidates = append(candidates, p.Key)
	}
	rotate := m.OptimisticRotation <= 1 || m.ticks%m.OptimisticRotation == 0
	m.ticks++
	if m.optimistic.Ok && !rotate && slices.Contains(candidates, m.optimistic.Value) {
		// Keep the current optimistic peer until its rotation is up.
	} else if len(candidates) != 0 {
		m.optimistic = g.Some(candidates[m.intN(len(candidates))])
	} else {
		m.optimistic = g.None[K]()
	}
	if m.optimistic.Ok {
		ret.Unchoked[m.optimistic.Value] = struct{}{}
	}
	ret.Optimistic = m.optimistic
	return
}

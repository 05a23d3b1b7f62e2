package requestStrategy

import (
	"testing"
	"time"

	qt "github.com/go-quicktest/qt"

	"github.com/anacrolix/tsunami/metainfo"
	pp "github.com/anacrolix/tsunami/peer_protocol"
	"github.com/anacrolix/tsunami/piecemap"
)

const testBlockSize = 4

func newTestScheduler(t *testing.T, numPieces int, cfg Config) (*Scheduler[string], *piecemap.Map[string]) {
	// Two blocks per piece except a short last piece of one block.
	m := metainfo.Build("test", 2*testBlockSize, make([]byte, (numPieces-1)*2*testBlockSize+testBlockSize-1))
	qt.Assert(t, qt.Equals(m.NumPieces(), numPieces))
	if cfg.PipelineDepth == 0 {
		cfg.PipelineDepth = 10
	}
	cfg.BlockSize = testBlockSize
	pieces := piecemap.New[string](numPieces)
	return New(pieces, &m, cfg), pieces
}

func req(piece, begin, length int) Request {
	return Request{Index: pp.Integer(piece), Begin: pp.Integer(begin), Length: pp.Integer(length)}
}

var epoch = time.Unix(1000, 0)

func TestRarestFirst(t *testing.T) {
	s, pieces := newTestScheduler(t, 4, Config{PipelineDepth: 3})
	pieces.MarkAll("a")
	pieces.MarkHave("b", 0)
	pieces.MarkHave("b", 2)
	pieces.MarkHave("c", 0)
	// Availability: 0:3, 1:1, 2:2, 3:1.
	s.Unchoked("a")
	got := s.NextRequests("a", epoch)
	qt.Assert(t, qt.DeepEquals(got, []Request{
		req(1, 0, 4), req(1, 4, 4),
		// Ties go to the lowest index, and the last piece is short.
		req(3, 0, 3),
	}))
	qt.Check(t, qt.Equals(pieces.State(1), piecemap.InProgress))
	qt.Check(t, qt.Equals(pieces.State(3), piecemap.InProgress))
	qt.Check(t, qt.Equals(pieces.State(2), piecemap.Missing))
	// Full pipeline.
	qt.Check(t, qt.HasLen(s.NextRequests("a", epoch), 0))
	qt.Check(t, qt.Equals(s.Outstanding("a"), 3))
}

func TestOnlyAdvertisedPieces(t *testing.T) {
	s, pieces := newTestScheduler(t, 3, Config{})
	pieces.MarkHave("b", 2)
	s.Unchoked("b")
	for _, r := range s.NextRequests("b", epoch) {
		qt.Check(t, qt.Equals(r.Index, 2))
	}
	qt.Check(t, qt.Equals(s.Outstanding("b"), 1))
	// A peer with nothing gets nothing.
	s.Unchoked("c")
	qt.Check(t, qt.HasLen(s.NextRequests("c", epoch), 0))
}

func TestChokedPeerGetsNoRequests(t *testing.T) {
	s, pieces := newTestScheduler(t, 2, Config{})
	pieces.MarkAll("a")
	qt.Check(t, qt.HasLen(s.NextRequests("a", epoch), 0))
	s.Unchoked("a")
	qt.Check(t, qt.HasLen(s.NextRequests("a", epoch), 3))
	s.Choked("a", epoch)
	qt.Check(t, qt.Equals(s.Outstanding("a"), 0))
	qt.Check(t, qt.Equals(s.InFlight(), 0))
	// Nothing was received, so the pieces are untouched again.
	qt.Check(t, qt.Equals(pieces.State(0), piecemap.Missing))
	qt.Check(t, qt.Equals(s.UnverifiedBytes(), int64(0)))
	// Data for requests discarded by the choke is wasted, not an anomaly.
	res := s.Received("a", req(0, 0, 4), epoch)
	qt.Check(t, qt.IsFalse(res.Unsolicited))
	qt.Check(t, qt.IsTrue(res.Wasted))
}

func TestEndgameDuplicates(t *testing.T) {
	s, pieces := newTestScheduler(t, 2, Config{EndgameDuplicates: 2})
	for _, p := range []string{"a", "b", "c"} {
		pieces.MarkAll(p)
		s.Unchoked(p)
	}
	qt.Assert(t, qt.HasLen(s.NextRequests("a", epoch), 3))
	qt.Assert(t, qt.IsTrue(s.Endgame()))
	qt.Assert(t, qt.DeepEquals(s.NextRequests("b", epoch), []Request{
		req(0, 0, 4), req(0, 4, 4), req(1, 0, 3),
	}))
	// Capped at two owners per block.
	qt.Check(t, qt.HasLen(s.NextRequests("c", epoch), 0))
	qt.Check(t, qt.Equals(s.InFlight(), 3))

	res := s.Received("b", req(0, 4, 4), epoch)
	qt.Check(t, qt.IsTrue(res.Accepted))
	qt.Check(t, qt.DeepEquals(res.Cancel, []string{"a"}))
	qt.Check(t, qt.IsFalse(res.PieceFull))
	qt.Check(t, qt.IsFalse(s.HasRequest("a", req(0, 4, 4))))
	// The loser's copy turns up anyway.
	res = s.Received("a", req(0, 4, 4), epoch)
	qt.Check(t, qt.IsTrue(res.Wasted))
	qt.Check(t, qt.IsFalse(res.Unsolicited))
	qt.Check(t, qt.IsFalse(res.Accepted))

	res = s.Received("a", req(0, 0, 4), epoch)
	qt.Check(t, qt.IsTrue(res.Accepted))
	qt.Check(t, qt.IsTrue(res.PieceFull))
	qt.Check(t, qt.DeepEquals(res.Cancel, []string{"b"}))
}

func TestNoDuplicatesBeforeEndgame(t *testing.T) {
	s, pieces := newTestScheduler(t, 4, Config{PipelineDepth: 3, EndgameDuplicates: 2})
	pieces.MarkAll("a")
	pieces.MarkHave("b", 0)
	s.Unchoked("a")
	s.Unchoked("b")
	qt.Assert(t, qt.DeepEquals(s.NextRequests("a", epoch), []Request{req(1, 0, 4), req(1, 4, 4), req(2, 0, 4)}))
	qt.Assert(t, qt.DeepEquals(s.NextRequests("b", epoch), []Request{req(0, 0, 4), req(0, 4, 4)}))
	qt.Check(t, qt.IsFalse(s.Endgame()))
	pieces.MarkHave("b", 1)
	// Piece 1 is entirely in flight with a, and piece 3 is still untouched.
	qt.Check(t, qt.HasLen(s.NextRequests("b", epoch), 0))
}

func TestUnsolicited(t *testing.T) {
	s, pieces := newTestScheduler(t, 2, Config{})
	pieces.MarkAll("a")
	qt.Check(t, qt.IsTrue(s.Received("a", req(0, 0, 4), epoch).Unsolicited))
	qt.Check(t, qt.IsTrue(s.Received("z", req(0, 0, 4), epoch).Unsolicited))
}

func TestExpireAndSlowPeers(t *testing.T) {
	s, pieces := newTestScheduler(t, 8, Config{
		PipelineDepth:  8,
		RequestTimeout: time.Second,
		StallThreshold: 2,
	})
	pieces.MarkAll("slow")
	pieces.MarkAll("fast")
	s.Unchoked("slow")
	s.Unchoked("fast")
	now := epoch
	for range 2 {
		qt.Assert(t, qt.IsFalse(s.Slow("slow")))
		qt.Assert(t, qt.HasLen(s.NextRequests("slow", now), 8))
		// Not yet.
		qt.Assert(t, qt.HasLen(s.Expire(now.Add(time.Second/2)), 0))
		now = now.Add(time.Second)
		expired := s.Expire(now)
		qt.Assert(t, qt.HasLen(expired, 8))
		for _, e := range expired {
			qt.Check(t, qt.Equals(e.Peer, "slow"))
		}
		qt.Check(t, qt.Equals(s.Outstanding("slow"), 0))
		qt.Check(t, qt.Equals(s.InFlight(), 0))
	}
	qt.Check(t, qt.IsTrue(s.Slow("slow")))
	qt.Check(t, qt.IsFalse(s.Slow("fast")))
	qt.Check(t, qt.Equals(s.Capacity("slow"), 2))
	qt.Check(t, qt.Equals(s.Capacity("fast"), 8))
	order := []string{"slow", "fast"}
	s.FillOrder(order)
	qt.Check(t, qt.DeepEquals(order, []string{"fast", "slow"}))
	// Data turning up after the timeout isn't held against the peer.
	qt.Check(t, qt.IsFalse(s.Received("slow", req(0, 0, 4), now).Unsolicited))
	// A timely delivery clears the stall count.
	rs := s.NextRequests("slow", now)
	qt.Assert(t, qt.HasLen(rs, 2))
	qt.Check(t, qt.IsTrue(s.Received("slow", rs[0], now).Accepted))
	qt.Check(t, qt.IsFalse(s.Slow("slow")))
}

func TestRemovePeerReleases(t *testing.T) {
	s, pieces := newTestScheduler(t, 2, Config{})
	pieces.MarkAll("a")
	pieces.MarkAll("b")
	s.Unchoked("a")
	s.Unchoked("b")
	qt.Assert(t, qt.HasLen(s.NextRequests("a", epoch), 3))
	qt.Assert(t, qt.IsTrue(s.Received("a", req(0, 0, 4), epoch).Accepted))
	qt.Check(t, qt.Equals(s.RemovePeer("a"), 2))
	pieces.RemovePeer("a")
	qt.Check(t, qt.Equals(s.InFlight(), 0))
	// Piece 0 keeps its received block, piece 1 is forgotten.
	qt.Check(t, qt.Equals(pieces.State(0), piecemap.InProgress))
	qt.Check(t, qt.Equals(pieces.State(1), piecemap.Missing))
	qt.Check(t, qt.IsTrue(s.BlockReceived(req(0, 0, 4))))
	qt.Check(t, qt.DeepEquals(s.NextRequests("b", epoch), []Request{req(0, 4, 4), req(1, 0, 3)}))
}

func TestMaxUnverifiedBytes(t *testing.T) {
	s, pieces := newTestScheduler(t, 4, Config{MaxUnverifiedBytes: 2 * 2 * testBlockSize})
	pieces.MarkAll("a")
	s.Unchoked("a")
	got := s.NextRequests("a", epoch)
	qt.Check(t, qt.DeepEquals(got, []Request{req(0, 0, 4), req(0, 4, 4), req(1, 0, 4), req(1, 4, 4)}))
	qt.Check(t, qt.Equals(s.UnverifiedBytes(), int64(16)))
	for _, r := range got[:2] {
		s.Received("a", r, epoch)
	}
	qt.Assert(t, qt.IsNil(pieces.SetState(0, piecemap.Verifying)))
	// Still counted until verified.
	qt.Check(t, qt.HasLen(s.NextRequests("a", epoch), 0))
	qt.Assert(t, qt.IsNil(pieces.SetState(0, piecemap.Complete)))
	s.PieceVerified(0)
	qt.Check(t, qt.DeepEquals(s.NextRequests("a", epoch), []Request{req(2, 0, 4), req(2, 4, 4)}))
}

func TestResetPieceAfterHashFailure(t *testing.T) {
	s, pieces := newTestScheduler(t, 1, Config{})
	pieces.MarkAll("a")
	s.Unchoked("a")
	rs := s.NextRequests("a", epoch)
	qt.Assert(t, qt.HasLen(rs, 1))
	res := s.Received("a", rs[0], epoch)
	qt.Assert(t, qt.IsTrue(res.PieceFull))
	qt.Assert(t, qt.IsNil(pieces.SetState(0, piecemap.Verifying)))
	qt.Check(t, qt.HasLen(s.NextRequests("a", epoch), 0))
	s.ResetPiece(0)
	qt.Assert(t, qt.IsNil(pieces.SetState(0, piecemap.Missing)))
	qt.Check(t, qt.IsFalse(s.BlockReceived(rs[0])))
	qt.Check(t, qt.DeepEquals(s.NextRequests("a", epoch), rs))
}

func TestValidRequest(t *testing.T) {
	s, _ := newTestScheduler(t, 2, Config{})
	qt.Check(t, qt.IsTrue(s.ValidRequest(req(0, 4, 4))))
	qt.Check(t, qt.IsTrue(s.ValidRequest(req(1, 0, 3))))
	qt.Check(t, qt.IsFalse(s.ValidRequest(req(1, 0, 4))))
	qt.Check(t, qt.IsFalse(s.ValidRequest(req(0, 2, 4))))
	qt.Check(t, qt.IsFalse(s.ValidRequest(req(2, 0, 4))))
}

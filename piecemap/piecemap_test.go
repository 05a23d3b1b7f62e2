package piecemap

import (
	"errors"
	"testing"

	qt "github.com/go-quicktest/qt"
)

func TestAvailabilityIncremental(t *testing.T) {
	m := New[string](10)
	var changes []int
	m.OnChange = func(piece int) { changes = append(changes, piece) }
	qt.Assert(t, qt.IsNil(m.MarkBitfield("a", []bool{true, false, true, false, false, false, false, false, false, true, false, false, false, false, false, false})))
	added, err := m.MarkHave("b", 2)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(added))
	added, err = m.MarkHave("b", 2)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(added))
	qt.Check(t, qt.Equals(m.Availability(0), 1))
	qt.Check(t, qt.Equals(m.Availability(2), 2))
	qt.Check(t, qt.Equals(m.Availability(9), 1))
	qt.Check(t, qt.Equals(m.Availability(1), 0))
	qt.Check(t, qt.DeepEquals(changes, []int{0, 2, 9, 2}))
	qt.Check(t, qt.IsTrue(m.HasPiece("a", 9)))
	qt.Check(t, qt.IsFalse(m.HasPiece("b", 9)))
	qt.Check(t, qt.HasLen(m.PeersWith(2), 2))

	m.RemovePeer("a")
	qt.Check(t, qt.Equals(m.Availability(0), 0))
	qt.Check(t, qt.Equals(m.Availability(2), 1))
	qt.Check(t, qt.Equals(m.Availability(9), 0))
	qt.Check(t, qt.Equals(m.NumPeers(), 1))
	// Removing an unknown peer is harmless.
	m.RemovePeer("a")
}

func TestBitfieldReplacesPriorView(t *testing.T) {
	m := New[int](3)
	qt.Assert(t, qt.IsNil(m.MarkBitfield(1, []bool{true, true, true})))
	qt.Assert(t, qt.IsNil(m.MarkBitfield(1, []bool{false, true, false})))
	qt.Check(t, qt.Equals(m.Availability(0), 0))
	qt.Check(t, qt.Equals(m.Availability(1), 1))
	qt.Check(t, qt.Equals(m.PeerNumPieces(1), 1))
}

func TestBitfieldValidation(t *testing.T) {
	m := New[int](3)
	err := m.MarkBitfield(1, []bool{true, true})
	qt.Check(t, qt.IsTrue(errors.Is(err, ErrBadBitfieldLength)))
	err = m.MarkBitfield(1, []bool{true, true, false, false, false, false, false, true})
	qt.Check(t, qt.IsTrue(errors.Is(err, ErrSpareBitsSet)))
	qt.Check(t, qt.Equals(m.NumPeers(), 0))
	_, err = m.MarkHave(1, 3)
	qt.Check(t, qt.IsTrue(errors.Is(err, ErrPieceOutOfRange)))
}

func TestStateTransitions(t *testing.T) {
	m := New[int](2)
	qt.Check(t, qt.DeepEquals(m.MissingPieces(), []int{0, 1}))
	var ite IllegalTransitionError
	qt.Check(t, qt.ErrorAs(m.SetState(0, Complete), &ite))
	qt.Check(t, qt.ErrorAs(m.SetState(0, Verifying), &ite))
	qt.Assert(t, qt.IsNil(m.SetState(0, InProgress)))
	qt.Assert(t, qt.IsNil(m.SetState(0, Verifying)))
	// Hash mismatch.
	qt.Assert(t, qt.IsNil(m.SetState(0, Missing)))
	qt.Assert(t, qt.IsNil(m.SetState(0, InProgress)))
	qt.Assert(t, qt.IsNil(m.SetState(0, Verifying)))
	qt.Assert(t, qt.IsNil(m.SetState(0, Complete)))
	qt.Check(t, qt.ErrorAs(m.SetState(0, Missing), &ite))
	qt.Check(t, qt.Equals(ite.From, Complete))
	qt.Check(t, qt.DeepEquals(m.MissingPieces(), []int{1}))
	qt.Check(t, qt.Equals(m.Count(Complete), 1))
	qt.Check(t, qt.IsFalse(m.AllComplete()))
	qt.Assert(t, qt.IsNil(m.RestoreComplete(1)))
	qt.Check(t, qt.IsTrue(m.AllComplete()))
	qt.Check(t, qt.DeepEquals(m.CompleteBitfield(), []bool{true, true}))
}

func TestPeerHasWanted(t *testing.T) {
	m := New[int](4)
	m.MarkHave(1, 2)
	qt.Check(t, qt.IsTrue(m.PeerHasWanted(1)))
	qt.Check(t, qt.IsFalse(m.PeerHasWanted(2)))
	qt.Assert(t, qt.IsNil(m.RestoreComplete(2)))
	qt.Check(t, qt.IsFalse(m.PeerHasWanted(1)))
	m.MarkAll(2)
	qt.Check(t, qt.IsTrue(m.PeerIsSeed(2)))
	qt.Check(t, qt.IsTrue(m.PeerHasWanted(2)))
	qt.Check(t, qt.Equals(m.Availability(2), 2))
}

func BenchmarkRemovePeer(b *testing.B) {
	const pieces = 1 << 16
	m := New[int](pieces)
	for b.Loop() {
		m.MarkAll(1)
		m.RemovePeer(1)
	}
}

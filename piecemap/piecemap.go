// Package piecemap tracks which pieces each connected peer has advertised, how many peers have
// each piece, and our own progress on every piece.
package piecemap

import (
	"errors"
	"fmt"

	"github.com/anacrolix/missinggo/v2/panicif"

	typedRoaring "github.com/anacrolix/tsunami/typed-roaring"
)

type pieceIndex = int

var (
	ErrBadBitfieldLength = errors.New("bitfield has wrong length")
	ErrSpareBitsSet      = errors.New("bitfield has spare bits set")
	ErrPieceOutOfRange   = errors.New("piece index out of range")
)

type IllegalTransitionError struct {
	Piece    int
	From, To State
}

func (me IllegalTransitionError) Error() string {
	return fmt.Sprintf("piece %d: illegal transition from %v to %v", me.Piece, me.From, me.To)
}

// Map is owned by a single goroutine. P identifies peers, and must be comparable.
type Map[P comparable] struct {
	numPieces    int
	peers        map[P]*typedRoaring.Bitmap[pieceIndex]
	availability []int
	states       []State
	// Pieces in the Complete state, kept separately so peer interest is a cardinality check.
	complete   typedRoaring.Bitmap[pieceIndex]
	stateCount [Complete + 1]int
	// Called whenever a piece's availability or state changes.
	OnChange func(piece int)
}

func New[P comparable](numPieces int) *Map[P] {
	m := &Map[P]{
		numPieces:    numPieces,
		peers:        make(map[P]*typedRoaring.Bitmap[pieceIndex]),
		availability: make([]int, numPieces),
		states:       make([]State, numPieces),
	}
	m.stateCount[Missing] = numPieces
	return m
}

func (m *Map[P]) NumPieces() int {
	return m.numPieces
}

func (m *Map[P]) changed(piece int) {
	if m.OnChange != nil {
		m.OnChange(piece)
	}
}

func (m *Map[P]) checkPiece(piece int) error {
	if piece < 0 || piece >= m.numPieces {
		return fmt.Errorf("%w: %d of %d", ErrPieceOutOfRange, piece, m.numPieces)
	}
	return nil
}

func (m *Map[P]) peerBitmap(peer P) *typedRoaring.Bitmap[pieceIndex] {
	bm, ok := m.peers[peer]
	if !ok {
		bm = new(typedRoaring.Bitmap[pieceIndex])
		m.peers[peer] = bm
	}
	return bm
}

// Returns whether the peer didn't already have the piece.
func (m *Map[P]) MarkHave(peer P, piece int) (added bool, err error) {
	if err = m.checkPiece(piece); err != nil {
		return
	}
	if !m.peerBitmap(peer).CheckedAdd(piece) {
		return
	}
	m.availability[piece]++
	m.changed(piece)
	return true, nil
}

// Replaces everything previously known about the peer. bits may be exactly the piece count, or
// padded to whole bytes as on the wire, in which case the padding must be clear.
func (m *Map[P]) MarkBitfield(peer P, bits []bool) error {
	if len(bits) != m.numPieces && len(bits) != (m.numPieces+7)/8*8 {
		return fmt.Errorf("%w: %d bits for %d pieces", ErrBadBitfieldLength, len(bits), m.numPieces)
	}
	for _, b := range bits[m.numPieces:] {
		if b {
			return ErrSpareBitsSet
		}
	}
	m.RemovePeer(peer)
	bm := m.peerBitmap(peer)
	for i, b := range bits[:m.numPieces] {
		if b {
			bm.Add(i)
			m.availability[i]++
			m.changed(i)
		}
	}
	return nil
}

// Marks the peer as having every piece, as for a seed.
func (m *Map[P]) MarkAll(peer P) {
	m.RemovePeer(peer)
	bm := m.peerBitmap(peer)
	bm.AddRange(0, uint64(m.numPieces))
	for i := range m.numPieces {
		m.availability[i]++
		m.changed(i)
	}
}

// Costs O(pieces the peer held).
func (m *Map[P]) RemovePeer(peer P) {
	bm, ok := m.peers[peer]
	if !ok {
		return
	}
	delete(m.peers, peer)
	bm.Iterate(func(i pieceIndex) bool {
		m.availability[i]--
		panicif.True(m.availability[i] < 0)
		m.changed(i)
		return true
	})
}

func (m *Map[P]) Availability(piece int) int {
	return m.availability[piece]
}

func (m *Map[P]) HasPiece(peer P, piece int) bool {
	bm, ok := m.peers[peer]
	return ok && bm.Contains(piece)
}

func (m *Map[P]) PeerNumPieces(peer P) int {
	bm, ok := m.peers[peer]
	if !ok {
		return 0
	}
	return bm.Len()
}

// Calls f for each piece the peer has, in ascending order, until f returns false.
func (m *Map[P]) PeerPieces(peer P, f func(piece int) bool) {
	bm, ok := m.peers[peer]
	if !ok {
		return
	}
	bm.Iterate(f)
}

func (m *Map[P]) PeersWith(piece int) (ret []P) {
	for p, bm := range m.peers {
		if bm.Contains(piece) {
			ret = append(ret, p)
		}
	}
	return
}

func (m *Map[P]) NumPeers() int {
	return len(m.peers)
}

// Whether the peer has any piece we haven't completed, which is what makes us interested.
func (m *Map[P]) PeerHasWanted(peer P) bool {
	bm, ok := m.peers[peer]
	if !ok {
		return false
	}
	return bm.CountNotIn(&m.complete) != 0
}

// Whether the peer has every piece.
func (m *Map[P]) PeerIsSeed(peer P) bool {
	return m.numPieces != 0 && m.PeerNumPieces(peer) == m.numPieces
}

func (m *Map[P]) State(piece int) State {
	return m.states[piece]
}

func (m *Map[P]) SetState(piece int, to State) error {
	if err := m.checkPiece(piece); err != nil {
		return err
	}
	from := m.states[piece]
	if from == to {
		return nil
	}
	if !legalTransition(from, to) {
		return IllegalTransitionError{piece, from, to}
	}
	m.setState(piece, from, to)
	return nil
}

func (m *Map[P]) setState(piece int, from, to State) {
	m.states[piece] = to
	m.stateCount[from]--
	m.stateCount[to]++
	if to == Complete {
		m.complete.Add(piece)
	}
	m.changed(piece)
}

// Marks a piece we already have from a previous session. Only valid for a Missing piece.
func (m *Map[P]) RestoreComplete(piece int) error {
	if err := m.checkPiece(piece); err != nil {
		return err
	}
	if from := m.states[piece]; from != Missing {
		return IllegalTransitionError{piece, from, Complete}
	}
	m.setState(piece, Missing, Complete)
	return nil
}

func (m *Map[P]) Count(s State) int {
	return m.stateCount[s]
}

func (m *Map[P]) AllComplete() bool {
	return m.stateCount[Complete] == m.numPieces
}

func (m *Map[P]) MissingPieces() (ret []int) {
	for i, s := range m.states {
		if s == Missing {
			ret = append(ret, i)
		}
	}
	return
}

// Our own completed pieces, for sending a bitfield.
func (m *Map[P]) CompleteBitfield() []bool {
	ret := make([]bool, m.numPieces)
	m.complete.Iterate(func(i pieceIndex) bool {
		ret[i] = true
		return true
	})
	return ret
}

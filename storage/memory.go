package storage

import (
	"fmt"
	"sync"

	"github.com/anacrolix/tsunami/metainfo"
)

// Keeps pieces in memory. Useful for tests and for seeding data that's already in memory.
type Memory struct {
	m      *metainfo.Manifest
	mu     sync.RWMutex
	pieces map[int][]byte
}

var (
	_ Storage            = (*Memory)(nil)
	_ CompletionReporter = (*Memory)(nil)
)

func NewMemory(m *metainfo.Manifest) *Memory {
	return &Memory{
		m:      m,
		pieces: make(map[int][]byte),
	}
}

// Memory storage that already holds all of data, as a seed would.
func NewMemoryFrom(m *metainfo.Manifest, data []byte) *Memory {
	ret := NewMemory(m)
	for i := range m.NumPieces() {
		p := m.Piece(i)
		ret.pieces[i] = data[p.Offset() : p.Offset()+p.Length()]
	}
	return ret
}

func (me *Memory) checkBounds(piece int, begin int64, length int) error {
	if piece < 0 || piece >= me.m.NumPieces() {
		return fmt.Errorf("piece %d out of range", piece)
	}
	if begin < 0 || length < 0 || begin+int64(length) > me.m.PieceLen(piece) {
		return fmt.Errorf("block [%d, %d) out of bounds for piece %d", begin, begin+int64(length), piece)
	}
	return nil
}

func (me *Memory) ReadBlock(piece int, begin int64, length int) ([]byte, error) {
	if err := me.checkBounds(piece, begin, length); err != nil {
		return nil, err
	}
	me.mu.RLock()
	defer me.mu.RUnlock()
	b, ok := me.pieces[piece]
	if !ok {
		return nil, fmt.Errorf("piece %d: %w", piece, ErrPieceNotAvailable)
	}
	return append([]byte(nil), b[begin:begin+int64(length)]...), nil
}

func (me *Memory) WritePiece(piece int, data []byte) error {
	if err := me.checkBounds(piece, 0, len(data)); err != nil {
		return err
	}
	if int64(len(data)) != me.m.PieceLen(piece) {
		return fmt.Errorf("piece %d has length %d, got %d bytes", piece, me.m.PieceLen(piece), len(data))
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	me.pieces[piece] = append([]byte(nil), data...)
	return nil
}

func (me *Memory) Completion(piece int) Completion {
	me.mu.RLock()
	defer me.mu.RUnlock()
	_, ok := me.pieces[piece]
	return Completion{Ok: true, Complete: ok}
}

// The pieces concatenated, with zeroes where a piece is absent.
func (me *Memory) Bytes() []byte {
	me.mu.RLock()
	defer me.mu.RUnlock()
	ret := make([]byte, me.m.TotalLength)
	for i, b := range me.pieces {
		copy(ret[me.m.Piece(i).Offset():], b)
	}
	return ret
}

package metainfo

import (
	"fmt"

	"github.com/anacrolix/missinggo/v2/panicif"
)

type PieceIndex = int

type Piece struct {
	m *Manifest
	i PieceIndex
}

func (p Piece) String() string {
	return fmt.Sprintf("metainfo.Piece(Name=%q, i=%v)", p.m.Name, p.i)
}

// Every piece is PieceLength long except possibly the last.
func (p Piece) Length() int64 {
	i := p.i
	lastPiece := p.m.NumPieces() - 1
	switch {
	case 0 <= i && i < lastPiece:
		return p.m.PieceLength
	case lastPiece >= 0 && i == lastPiece:
		length := p.m.TotalLength - int64(i)*p.m.PieceLength
		panicif.True(length <= 0 || length > p.m.PieceLength)
		return length
	default:
		panic(i)
	}
}

func (p Piece) Offset() int64 {
	return int64(p.i) * p.m.PieceLength
}

func (p Piece) Hash() Hash {
	return p.m.Pieces[p.i]
}

func (p Piece) Index() int {
	return p.i
}

package metainfo

import (
	"errors"
	"fmt"
)

// The immutable description of a torrent's content that the engine needs: the piece geometry and
// the expected SHA1 of every piece.
type Manifest struct {
	Name        string
	InfoHash    Hash
	PieceLength int64
	TotalLength int64
	Pieces      []Hash
	Files       []FileInfo
}

func (m *Manifest) NumPieces() int {
	return len(m.Pieces)
}

func (m *Manifest) Piece(i int) Piece {
	return Piece{m, i}
}

func (m *Manifest) PieceLen(i int) int64 {
	return m.Piece(i).Length()
}

// Files as they're laid out in the content. Single file torrents have one file named after the
// torrent.
func (m *Manifest) UpvertedFiles() []FileInfo {
	if len(m.Files) == 0 {
		return []FileInfo{{Path: []string{m.Name}, Length: m.TotalLength}}
	}
	return m.Files
}

func (m *Manifest) IsDir() bool {
	return len(m.Files) != 0
}

func (m *Manifest) Validate() error {
	if m.PieceLength <= 0 {
		return errors.New("piece length must be positive")
	}
	if m.TotalLength < 0 {
		return errors.New("negative total length")
	}
	want := (m.TotalLength + m.PieceLength - 1) / m.PieceLength
	if int64(len(m.Pieces)) != want {
		return fmt.Errorf("have %d piece hashes, expected %d for %d bytes", len(m.Pieces), want, m.TotalLength)
	}
	if len(m.Files) != 0 {
		var sum int64
		for _, fi := range m.Files {
			if fi.Length < 0 {
				return fmt.Errorf("file %q has negative length", fi.DisplayPath())
			}
			if len(fi.Path) == 0 {
				return errors.New("file with empty path")
			}
			sum += fi.Length
		}
		if sum != m.TotalLength {
			return fmt.Errorf("file lengths sum to %d, total length is %d", sum, m.TotalLength)
		}
	}
	return nil
}

// Builds a single file manifest over data in memory. The info hash is derived from the piece
// hashes and geometry the same way a .torrent info dictionary would be.
func Build(name string, pieceLength int64, data []byte) (m Manifest) {
	m = Manifest{
		Name:        name,
		PieceLength: pieceLength,
		TotalLength: int64(len(data)),
	}
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		end := min(off+pieceLength, int64(len(data)))
		m.Pieces = append(m.Pieces, HashBytes(data[off:end]))
	}
	m.InfoHash = m.computeInfoHash()
	return
}

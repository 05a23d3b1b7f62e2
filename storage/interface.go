package storage

import (
	"errors"
)

var ErrPieceNotAvailable = errors.New("piece not available")

// Where a torrent's data lives. The engine reads blocks to upload, and writes whole pieces once
// they pass their hash check. Must be safe for concurrent use.
type Storage interface {
	ReadBlock(piece int, begin int64, length int) ([]byte, error)
	WritePiece(piece int, data []byte) error
}

// Optionally implemented by a Storage that remembers which pieces it holds from an earlier run.
type CompletionReporter interface {
	Completion(piece int) Completion
}

// Completion state of a piece.
type Completion struct {
	Err error
	// The state is known or cached.
	Ok bool
	// If Ok, whether the data is correct.
	Complete bool
}

// Implementations track the completion of pieces. It must be concurrent-safe.
type PieceCompletion interface {
	Get(PieceKey) (Completion, error)
	Set(_ PieceKey, complete bool) error
	Close() error
}

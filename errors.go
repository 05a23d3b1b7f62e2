package tsunami

import (
	"errors"
)

var (
	ErrInfoHashMismatch = errors.New("info hash mismatch")
	ErrSelfConnection   = errors.New("connected to self")
	ErrTooManyAnomalies = errors.New("too many protocol anomalies")
	// Run gave up waiting for data.
	ErrStalled          = errors.New("torrent stalled")
	ErrTorrentClosed    = errors.New("torrent closed")
	ErrBanned           = errors.New("address banned")
	errConnLimit        = errors.New("connection limit reached")
	errDuplicateConn    = errors.New("already connected to peer")
	errMutuallyComplete = errors.New("both sides complete")
)

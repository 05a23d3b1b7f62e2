package tsunami

import (
	"fmt"
	"time"

	"github.com/anacrolix/tsunami/piecemap"
)

type TorrentState int32

const (
	TorrentDownloading TorrentState = iota
	TorrentSeeding
	// Downloading, but no data has been accepted for Config.StalledAfter.
	TorrentStalled
	// Storage failed.
	TorrentFailed
	TorrentClosed
)

func (me TorrentState) String() string {
	switch me {
	case TorrentDownloading:
		return "downloading"
	case TorrentSeeding:
		return "seeding"
	case TorrentStalled:
		return "stalled"
	case TorrentFailed:
		return "failed"
	case TorrentClosed:
		return "closed"
	default:
		return fmt.Sprintf("TorrentState(%d)", int32(me))
	}
}

type TorrentStats struct {
	ConnStats

	State          TorrentState
	PiecesComplete int
	PiecesTotal    int
	BytesCompleted int64
	BytesLeft      int64

	ActivePeers   int
	HalfOpenPeers int
	// Addresses waiting to be dialed.
	PendingPeers int
	BannedPeers  int

	// Distinct blocks requested and not yet received.
	RequestsInFlight int
	Endgame          bool
	HashFailures     int
	// Bytes per second, averaged over Config.RateWindow.
	DownloadRate int64
	UploadRate   int64
	// Why the torrent failed.
	Err error
}

func (t *Torrent) computeState(now time.Time) TorrentState {
	switch {
	case t.failed():
		return TorrentFailed
	case t.done.IsSet() || t.closed.IsSet():
		return TorrentClosed
	case t.seeding():
		return TorrentSeeding
	case t.stalled(now):
		return TorrentStalled
	default:
		return TorrentDownloading
	}
}

// Called by the coordinator to refresh what Stats and State return.
func (t *Torrent) publishStats() {
	now := time.Now()
	s := TorrentStats{
		ConnStats:        t.connStats.Copy(),
		State:            t.computeState(now),
		PiecesComplete:   t.pieces.Count(piecemap.Complete),
		PiecesTotal:      t.manifest.NumPieces(),
		BytesCompleted:   t.bytesCompleted,
		BytesLeft:        t.manifest.TotalLength - t.bytesCompleted,
		ActivePeers:      len(t.conns),
		HalfOpenPeers:    len(t.halfOpen),
		PendingPeers:     len(t.candidates),
		BannedPeers:      len(t.banned),
		RequestsInFlight: t.sched.InFlight(),
		Endgame:          t.sched.Endgame(),
		HashFailures:     t.hashFailures,
		DownloadRate:     t.downloadRate.Rate(now),
		UploadRate:       t.uploadRate.Rate(now),
		Err:              t.failErr,
	}
	t.state.Store(int32(s.State))
	t.statsMu.Lock()
	t.stats = s
	t.statsMu.Unlock()
}

// A snapshot, current as of the coordinator's last event.
func (t *Torrent) Stats() TorrentStats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	ret := t.stats
	ret.State = t.State()
	return ret
}

func (t *Torrent) State() TorrentState {
	if t.closed.IsSet() && !t.running.Load() {
		return TorrentClosed
	}
	return TorrentState(t.state.Load())
}

package tsunami

import (
	"context"
	"crypto/rand"
	"fmt"
	"iter"
	"net/netip"
	"slices"
	"time"

	"github.com/anacrolix/log"
	"github.com/cespare/xxhash"

	"github.com/anacrolix/tsunami/metainfo"
	pp "github.com/anacrolix/tsunami/peer_protocol"
	"github.com/anacrolix/tsunami/piecemap"
	"github.com/anacrolix/tsunami/smartban"
)

type blockKey struct {
	piece, block int
}

type smartBanCache = smartban.Cache[netip.Addr, blockKey, uint64]

// A piece being put together from blocks.
type pieceAssembly struct {
	data []byte
	// The address each block came from.
	sources []netip.Addr
}

func (pa *pieceAssembly) distinctSources() (ret []netip.Addr) {
	for _, a := range pa.sources {
		if !slices.Contains(ret, a) {
			ret = append(ret, a)
		}
	}
	return
}

// Assembly buffers for pieces in progress, and the record of who sent what for pieces that failed.
type blockTracker struct {
	blockSize int
	pieces    map[int]*pieceAssembly
	smartBan  smartBanCache
	// Keeps peers from crafting blocks that collide with good data.
	salt [8]byte
}

func (me *blockTracker) init(blockSize int) {
	me.blockSize = blockSize
	me.pieces = make(map[int]*pieceAssembly)
	rand.Read(me.salt[:])
	me.smartBan.Hash = me.hashBlock
	me.smartBan.Init()
}

func (me *blockTracker) hashBlock(b []byte) uint64 {
	h := xxhash.New()
	h.Write(me.salt[:])
	h.Write(b)
	return h.Sum64()
}

func (me *blockTracker) clear() {
	clear(me.pieces)
}

func (me *blockTracker) assembly(piece int, length int64) *pieceAssembly {
	pa := me.pieces[piece]
	if pa == nil {
		pa = &pieceAssembly{
			data:    make([]byte, length),
			sources: make([]netip.Addr, (length+int64(me.blockSize)-1)/int64(me.blockSize)),
		}
		me.pieces[piece] = pa
	}
	return pa
}

func (me *blockTracker) take(piece int) *pieceAssembly {
	pa := me.pieces[piece]
	delete(me.pieces, piece)
	return pa
}

func (me *blockTracker) blocks(piece int, pa *pieceAssembly) iter.Seq[smartban.Block[blockKey]] {
	return func(yield func(smartban.Block[blockKey]) bool) {
		for i := range pa.sources {
			begin := i * me.blockSize
			end := min(begin+me.blockSize, len(pa.data))
			if !yield(smartban.Block[blockKey]{Key: blockKey{piece, i}, Data: pa.data[begin:end]}) {
				return
			}
		}
	}
}

func (me *blockTracker) blockKeys(piece int, pa *pieceAssembly) iter.Seq[blockKey] {
	return func(yield func(blockKey) bool) {
		for i := range pa.sources {
			if !yield(blockKey{piece, i}) {
				return
			}
		}
	}
}

// Remember who sent each block of a piece that failed.
func (me *blockTracker) recordFailure(piece int, pa *pieceAssembly) {
	for b := range me.blocks(piece, pa) {
		me.smartBan.RecordBlock(pa.sources[b.Key.block], b.Key, b.Data)
	}
}

// Compares the good data for a piece against what was recorded when it failed before. Returns the
// addresses that sent something else.
func (me *blockTracker) checkVerified(piece int, pa *pieceAssembly) []netip.Addr {
	if !me.smartBan.HasPeerForBlocks(me.blockKeys(piece, pa)) {
		return nil
	}
	return me.smartBan.CheckBlocks(me.blocks(piece, pa))
}

func (t *Torrent) storeBlock(c *PeerConn, r pp.RequestSpec, data []byte) {
	piece := r.Index.Int()
	pa := t.blocks.assembly(piece, t.manifest.PieceLen(piece))
	copy(pa.data[r.Begin.Int():], data)
	pa.sources[r.Begin.Int()/t.cfg.BlockSize] = c.RemoteAddr.Addr()
}

type pieceHashed struct {
	piece   int
	correct bool
	// Set if the piece was correct but couldn't be stored.
	writeErr error
	// The hash was abandoned.
	err error
}

// Every block of the piece is in. Hashing happens off the coordinator.
func (t *Torrent) verifyPiece(piece int) {
	t.mustSetPieceState(piece, piecemap.Verifying)
	data := t.blocks.pieces[piece].data
	ctx := t.runCtx
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.post(t.hashPiece(ctx, t.manifest.Piece(piece), data))
	}()
}

// Hashes the piece data, and stores it if it's correct. Runs concurrently with the coordinator.
func (t *Torrent) hashPiece(ctx context.Context, p metainfo.Piece, data []byte) (ret pieceHashed) {
	ret.piece = p.Index()
	ret.err = t.hashers.Acquire(ctx, 1)
	if ret.err != nil {
		return
	}
	defer t.hashers.Release(1)
	ret.correct = metainfo.HashBytes(data) == p.Hash()
	if ret.correct {
		ret.writeErr = t.storage.WritePiece(p.Index(), data)
	}
	return
}

func (t *Torrent) mustSetPieceState(piece int, s piecemap.State) {
	err := t.pieces.SetState(piece, s)
	if err != nil {
		panic(err)
	}
}

func (t *Torrent) onPieceHashed(e pieceHashed, now time.Time) {
	if e.err != nil {
		return
	}
	piece := e.piece
	pa := t.blocks.take(piece)
	if pa == nil {
		panic(fmt.Sprintf("no assembly for hashed piece %d", piece))
	}
	if e.correct && e.writeErr != nil {
		t.fail(fmt.Errorf("writing piece %d: %w", piece, e.writeErr))
		return
	}
	sources := pa.distinctSources()
	if !e.correct {
		t.pieceHashFailed(piece, pa, sources, now)
		return
	}
	pieceHashedCorrect.Add(1)
	t.mustSetPieceState(piece, piecemap.Complete)
	t.sched.PieceVerified(piece)
	t.bytesCompleted += t.manifest.PieceLen(piece)
	t.sourcesStats(sources, func(cs *ConnStats) { cs.PiecesDirtiedGood.Add(1) })
	for _, addr := range t.blocks.checkVerified(piece, pa) {
		t.strike(addr, fmt.Sprintf("sent bad data for piece %d", piece))
	}
	for _, c := range t.connsAsSlice() {
		c.write(pp.MakeHaveMessage(pp.Integer(piece)))
		c.updateInterest()
	}
	if t.pieces.AllComplete() {
		t.onComplete()
	}
}

func (t *Torrent) pieceHashFailed(piece int, pa *pieceAssembly, sources []netip.Addr, now time.Time) {
	pieceHashedNotCorrect.Add(1)
	t.hashFailures++
	t.logger.Levelf(log.Warning, "piece %d failed hash check (%d sources)", piece, len(sources))
	t.mustSetPieceState(piece, piecemap.Missing)
	t.sched.ResetPiece(piece)
	t.sourcesStats(sources, func(cs *ConnStats) { cs.PiecesDirtiedBad.Add(1) })
	if len(sources) == 1 {
		t.strike(sources[0], fmt.Sprintf("sole source of bad piece %d", piece))
	} else {
		t.blocks.recordFailure(piece, pa)
	}
	t.fillRequests(now)
}

// Applies f to the stats of connections from the given addresses, and once to the torrent's.
func (t *Torrent) sourcesStats(sources []netip.Addr, f func(*ConnStats)) {
	f(&t.connStats)
	for c := range t.conns {
		if slices.Contains(sources, c.RemoteAddr.Addr()) {
			f(&c.stats)
		}
	}
}

func (t *Torrent) strike(addr netip.Addr, why string) {
	if _, ok := t.banned[addr]; ok {
		return
	}
	t.strikes[addr]++
	n := t.strikes[addr]
	t.logger.Levelf(log.Warning, "corruption strike %d for %v: %s", n, addr, why)
	if n >= t.cfg.CorruptionStrikes {
		t.ban(addr)
	}
}

func (t *Torrent) ban(addr netip.Addr) {
	t.banned[addr] = struct{}{}
	t.logger.Levelf(log.Warning, "banned %v", addr)
	t.blocks.smartBan.ForgetPeer(addr)
	for ap := range t.candidates {
		if ap.Addr() == addr {
			delete(t.candidates, ap)
		}
	}
	for _, c := range t.connsAsSlice() {
		if c.RemoteAddr.Addr() == addr {
			t.dropConn(c, ErrBanned)
		}
	}
}

func (t *Torrent) onComplete() {
	t.logger.Levelf(log.Info, "all %d pieces complete", t.manifest.NumPieces())
	if t.downloading && t.discovery != nil {
		t.announce(AnnounceCompleted)
	}
	// Seeds have nothing for us, and want nothing from us.
	for _, c := range t.connsAsSlice() {
		if t.pieces.PeerIsSeed(c) {
			t.dropConn(c, errMutuallyComplete)
		}
	}
}

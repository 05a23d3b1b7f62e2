package requestStrategy

import (
	"slices"
	"time"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/multiless"

	"github.com/anacrolix/tsunami/metainfo"
	pp "github.com/anacrolix/tsunami/peer_protocol"
	"github.com/anacrolix/tsunami/piecemap"
)

type Config struct {
	// Outstanding requests allowed per healthy peer.
	PipelineDepth int
	BlockSize     int
	// The most peers a single block is requested from at once during endgame. 1 disables
	// duplication.
	EndgameDuplicates int
	RequestTimeout    time.Duration
	// Consecutive timeouts after which a peer is treated as slow.
	StallThreshold int
	// Bytes of pieces started but not yet verified. Zero means no limit.
	MaxUnverifiedBytes int64
}

// Decides which blocks to request from whom, and tracks every request in flight. Owned by a
// single goroutine, and P identifies peers.
type Scheduler[P comparable] struct {
	cfg      Config
	manifest *metainfo.Manifest
	pieces   *piecemap.Map[P]
	order    *PieceRequestOrder
	// Pieces with at least one request issued or block received.
	started map[pieceIndex]*pieceBlocks
	owners  map[Request][]P
	peers   map[P]*peerState

	unverifiedBytes int64
}

type pieceBlocks struct {
	received    []bool
	numReceived int
	// Distinct blocks with at least one owner.
	inflight int
}

func (pb *pieceBlocks) full() bool {
	return pb.numReceived == len(pb.received)
}

type peerState struct {
	requests map[Request]time.Time
	// Requests we withdrew whose data may still turn up. Kept until the data arrives or it's too
	// old to matter.
	cancelled map[Request]time.Time
	stalls    int
	choked    bool
}

// Takes over pieces.OnChange to keep the piece order current.
func New[P comparable](pieces *piecemap.Map[P], manifest *metainfo.Manifest, cfg Config) *Scheduler[P] {
	panicif.NotEq(pieces.NumPieces(), manifest.NumPieces())
	panicif.True(cfg.BlockSize <= 0 || cfg.BlockSize > pp.MaxBlockSize)
	panicif.True(cfg.PipelineDepth <= 0)
	if cfg.EndgameDuplicates < 1 {
		cfg.EndgameDuplicates = 1
	}
	s := &Scheduler[P]{
		cfg:      cfg,
		manifest: manifest,
		pieces:   pieces,
		order:    NewPieceOrder(NewTidwallBtree(), manifest.NumPieces()),
		started:  make(map[pieceIndex]*pieceBlocks),
		owners:   make(map[Request][]P),
		peers:    make(map[P]*peerState),
	}
	pieces.OnChange = s.pieceChanged
	for i := range manifest.NumPieces() {
		s.pieceChanged(i)
	}
	return s
}

func (s *Scheduler[P]) pieceChanged(piece int) {
	if s.pieces.State(piece).Requestable() {
		s.order.Add(piece, PieceRequestOrderState{
			Availability: s.pieces.Availability(piece),
		})
	} else {
		s.order.Delete(piece)
	}
}

func (s *Scheduler[P]) numBlocks(piece int) int {
	return int((s.manifest.PieceLen(piece) + int64(s.cfg.BlockSize) - 1) / int64(s.cfg.BlockSize))
}

func (s *Scheduler[P]) blockRequest(piece, block int) Request {
	begin := int64(block) * int64(s.cfg.BlockSize)
	length := min(int64(s.cfg.BlockSize), s.manifest.PieceLen(piece)-begin)
	return Request{
		Index:  pp.Integer(piece),
		Begin:  pp.Integer(begin),
		Length: pp.Integer(length),
	}
}

// The block index if r describes exactly a block of the torrent.
func (s *Scheduler[P]) blockIndex(r Request) (int, bool) {
	piece := r.Index.Int()
	if piece < 0 || piece >= s.manifest.NumPieces() {
		return 0, false
	}
	if r.Begin.Int()%s.cfg.BlockSize != 0 {
		return 0, false
	}
	block := r.Begin.Int() / s.cfg.BlockSize
	if block >= s.numBlocks(piece) || s.blockRequest(piece, block) != r {
		return 0, false
	}
	return block, true
}

func (s *Scheduler[P]) peer(p P) *peerState {
	ps, ok := s.peers[p]
	if !ok {
		ps = &peerState{
			requests:  make(map[Request]time.Time),
			cancelled: make(map[Request]time.Time),
			// Every connection starts out choked.
			choked: true,
		}
		s.peers[p] = ps
	}
	return ps
}

func (s *Scheduler[P]) slow(ps *peerState) bool {
	return s.cfg.StallThreshold > 0 && ps.stalls >= s.cfg.StallThreshold
}

func (s *Scheduler[P]) capacity(ps *peerState) int {
	if s.slow(ps) {
		return max(1, s.cfg.PipelineDepth/4)
	}
	return s.cfg.PipelineDepth
}

func (s *Scheduler[P]) Slow(p P) bool {
	ps, ok := s.peers[p]
	return ok && s.slow(ps)
}

// The most requests the peer may have outstanding right now.
func (s *Scheduler[P]) Capacity(p P) int {
	return s.capacity(s.peer(p))
}

func (s *Scheduler[P]) Outstanding(p P) int {
	ps, ok := s.peers[p]
	if !ok {
		return 0
	}
	return len(ps.requests)
}

func (s *Scheduler[P]) HasRequest(p P, r Request) bool {
	ps, ok := s.peers[p]
	if !ok {
		return false
	}
	_, ok = ps.requests[r]
	return ok
}

// Distinct blocks with at least one request in flight.
func (s *Scheduler[P]) InFlight() int {
	return len(s.owners)
}

func (s *Scheduler[P]) UnverifiedBytes() int64 {
	return s.unverifiedBytes
}

// No piece remains untouched, so blocks in flight elsewhere may be requested again.
func (s *Scheduler[P]) Endgame() bool {
	return s.pieces.Count(piecemap.Missing) == 0 && s.pieces.Count(piecemap.InProgress) != 0
}

// Sorts peers into the order they should be offered requests: healthy peers first.
func (s *Scheduler[P]) FillOrder(peers []P) {
	slices.SortStableFunc(peers, func(l, r P) int {
		return multiless.New().Bool(s.Slow(l), s.Slow(r)).OrderingInt()
	})
}

func (s *Scheduler[P]) unverifiedAllows(starting, pieceLen int64) bool {
	if s.cfg.MaxUnverifiedBytes == 0 {
		return true
	}
	cur := s.unverifiedBytes + starting
	// Always allow one piece, or a piece longer than the limit would never start.
	return cur == 0 || cur+pieceLen <= s.cfg.MaxUnverifiedBytes
}

// Issues up to the peer's spare capacity in new requests and returns them. The caller sends them.
// Blocks nobody has been asked for come first. In endgame, blocks in flight with other peers
// follow.
func (s *Scheduler[P]) NextRequests(p P, now time.Time) (ret []Request) {
	ps := s.peer(p)
	if ps.choked {
		return
	}
	capacity := s.capacity(ps) - len(ps.requests)
	if capacity <= 0 {
		return
	}
	ret = s.planRequests(p, ps, capacity, false, ret)
	if len(ret) < capacity && s.Endgame() {
		ret = s.planRequests(p, ps, capacity, true, ret)
	}
	for _, r := range ret {
		s.issue(p, ps, r, now)
	}
	return
}

func (s *Scheduler[P]) planRequests(p P, ps *peerState, capacity int, duplicates bool, planned []Request) []Request {
	// Bytes of pieces that this pass would start.
	var starting int64
	for item := range s.order.Iter() {
		if len(planned) == capacity {
			break
		}
		piece := item.Key
		if !s.pieces.HasPiece(p, piece) {
			continue
		}
		pb := s.started[piece]
		if pb == nil {
			if duplicates {
				continue
			}
			pieceLen := s.manifest.PieceLen(piece)
			if !s.unverifiedAllows(starting, pieceLen) {
				continue
			}
			starting += pieceLen
		}
		for block := range s.numBlocks(piece) {
			if len(planned) == capacity {
				break
			}
			if pb != nil && pb.received[block] {
				continue
			}
			r := s.blockRequest(piece, block)
			if _, ok := ps.requests[r]; ok {
				continue
			}
			owners := len(s.owners[r])
			if duplicates {
				if owners == 0 || owners >= s.cfg.EndgameDuplicates || slices.Contains(planned, r) {
					continue
				}
			} else if owners != 0 {
				continue
			}
			planned = append(planned, r)
		}
	}
	return planned
}

func (s *Scheduler[P]) issue(p P, ps *peerState, r Request, now time.Time) {
	piece := r.Index.Int()
	pb := s.started[piece]
	if pb == nil {
		pb = &pieceBlocks{received: make([]bool, s.numBlocks(piece))}
		s.started[piece] = pb
		s.unverifiedBytes += s.manifest.PieceLen(piece)
	}
	if s.pieces.State(piece) == piecemap.Missing {
		s.mustSetState(piece, piecemap.InProgress)
	}
	ps.requests[r] = now
	delete(ps.cancelled, r)
	if len(s.owners[r]) == 0 {
		pb.inflight++
	}
	s.owners[r] = append(s.owners[r], p)
}

func (s *Scheduler[P]) mustSetState(piece int, state piecemap.State) {
	err := s.pieces.SetState(piece, state)
	if err != nil {
		panic(err)
	}
}

// Removes the request from the peer and the block's owners.
func (s *Scheduler[P]) dropRequest(p P, ps *peerState, r Request) {
	delete(ps.requests, r)
	owners := s.owners[r]
	i := slices.Index(owners, p)
	panicif.True(i < 0)
	owners = slices.Delete(owners, i, i+1)
	if len(owners) != 0 {
		s.owners[r] = owners
		return
	}
	delete(s.owners, r)
	if pb := s.started[r.Index.Int()]; pb != nil {
		pb.inflight--
	}
}

// Forget a piece that has made no progress, so it counts as Missing again.
func (s *Scheduler[P]) maybeRevert(piece int) {
	pb := s.started[piece]
	if pb == nil || pb.inflight != 0 || pb.numReceived != 0 {
		return
	}
	if s.pieces.State(piece) != piecemap.InProgress {
		return
	}
	s.dropPiece(piece)
	s.mustSetState(piece, piecemap.Missing)
}

func (s *Scheduler[P]) dropPiece(piece int) {
	if _, ok := s.started[piece]; !ok {
		return
	}
	delete(s.started, piece)
	s.unverifiedBytes -= s.manifest.PieceLen(piece)
	panicif.True(s.unverifiedBytes < 0)
}

// Withdraw a request, remembering it so that its data arriving later isn't held against the
// peer. Returns false if the peer had no such request.
func (s *Scheduler[P]) Cancel(p P, r Request, now time.Time) bool {
	ps, ok := s.peers[p]
	if !ok {
		return false
	}
	if _, ok := ps.requests[r]; !ok {
		return false
	}
	s.dropRequest(p, ps, r)
	ps.cancelled[r] = now
	s.maybeRevert(r.Index.Int())
	return true
}

// Withdraws all the peer's requests, returning them so they can be cancelled on the wire.
func (s *Scheduler[P]) CancelAll(p P, now time.Time) (ret []Request) {
	ps, ok := s.peers[p]
	if !ok {
		return
	}
	for r := range ps.requests {
		ret = append(ret, r)
	}
	slices.SortFunc(ret, compareRequests)
	for _, r := range ret {
		s.Cancel(p, r, now)
	}
	return
}

func compareRequests(l, r Request) int {
	return multiless.New().Int64(l.Index.Int64(), r.Index.Int64()).Int64(l.Begin.Int64(), r.Begin.Int64()).OrderingInt()
}

// The peer choked us, which discards everything we asked of it.
func (s *Scheduler[P]) Choked(p P, now time.Time) {
	s.CancelAll(p, now)
	s.peer(p).choked = true
}

func (s *Scheduler[P]) Unchoked(p P) {
	s.peer(p).choked = false
}

// Releases everything the peer held. Returns the number of requests released.
func (s *Scheduler[P]) RemovePeer(p P) (released int) {
	ps, ok := s.peers[p]
	if !ok {
		return
	}
	var touched []int
	for r := range ps.requests {
		s.dropRequest(p, ps, r)
		touched = append(touched, r.Index.Int())
		released++
	}
	delete(s.peers, p)
	for _, piece := range touched {
		s.maybeRevert(piece)
	}
	return
}

type Expired[P comparable] struct {
	Peer    P
	Request Request
}

// Releases requests outstanding longer than the request timeout back to the pool, counting a
// stall against each owner. Cancelled requests too old to matter are forgotten.
func (s *Scheduler[P]) Expire(now time.Time) (ret []Expired[P]) {
	if s.cfg.RequestTimeout <= 0 {
		return
	}
	for p, ps := range s.peers {
		stalled := false
		for r, issued := range ps.requests {
			if now.Sub(issued) >= s.cfg.RequestTimeout {
				ret = append(ret, Expired[P]{p, r})
				stalled = true
			}
		}
		for r, at := range ps.cancelled {
			if now.Sub(at) >= s.cfg.RequestTimeout {
				delete(ps.cancelled, r)
			}
		}
		if stalled {
			ps.stalls++
		}
	}
	for _, e := range ret {
		s.Cancel(e.Peer, e.Request, now)
	}
	return
}

type ReceiveResult[P comparable] struct {
	// The block was needed and is now recorded.
	Accepted bool
	// We asked for this at some point, but it's of no further use.
	Wasted bool
	// Neither outstanding nor recently cancelled.
	Unsolicited bool
	// Other peers that were asked for the same block, whose requests have been withdrawn and
	// should be cancelled on the wire.
	Cancel []P
	// Every block of the piece is now present.
	PieceFull bool
}

// Records the arrival of block data from a peer.
func (s *Scheduler[P]) Received(p P, r Request, now time.Time) (res ReceiveResult[P]) {
	ps, ok := s.peers[p]
	if !ok {
		res.Unsolicited = true
		return
	}
	if _, ok := ps.requests[r]; ok {
		s.dropRequest(p, ps, r)
		ps.stalls = 0
	} else if _, ok := ps.cancelled[r]; ok {
		delete(ps.cancelled, r)
	} else {
		res.Unsolicited = true
		return
	}
	piece := r.Index.Int()
	block, ok := s.blockIndex(r)
	panicif.False(ok)
	pb := s.started[piece]
	if pb == nil || !s.pieces.State(piece).Requestable() || pb.received[block] {
		res.Wasted = true
		s.maybeRevert(piece)
		return
	}
	pb.received[block] = true
	pb.numReceived++
	for _, other := range slices.Clone(s.owners[r]) {
		ops := s.peers[other]
		s.dropRequest(other, ops, r)
		ops.cancelled[r] = now
		res.Cancel = append(res.Cancel, other)
	}
	res.Accepted = true
	res.PieceFull = pb.full()
	return
}

// Whether the block has been received for a piece in progress.
func (s *Scheduler[P]) BlockReceived(r Request) bool {
	block, ok := s.blockIndex(r)
	if !ok {
		return false
	}
	pb := s.started[r.Index.Int()]
	return pb != nil && pb.received[block]
}

// Whether r could be a block of this torrent.
func (s *Scheduler[P]) ValidRequest(r Request) bool {
	_, ok := s.blockIndex(r)
	return ok
}

// Discards received blocks after a failed hash check so the piece is fetched again.
func (s *Scheduler[P]) ResetPiece(piece int) {
	pb := s.started[piece]
	if pb != nil {
		panicif.NotEq(pb.inflight, 0)
	}
	s.dropPiece(piece)
}

// The piece passed its hash check and needs no more tracking.
func (s *Scheduler[P]) PieceVerified(piece int) {
	s.dropPiece(piece)
}

package tsunami

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/anacrolix/tsunami/choking"
	"github.com/anacrolix/tsunami/metainfo"
	pp "github.com/anacrolix/tsunami/peer_protocol"
	"github.com/anacrolix/tsunami/piecemap"
	requestStrategy "github.com/anacrolix/tsunami/request-strategy"
	"github.com/anacrolix/tsunami/storage"
)

type NewTorrentOpts struct {
	Manifest *metainfo.Manifest
	// Defaults to memory.
	Storage storage.Storage
	// Optional. Supplies peers and receives announces.
	Discovery Discovery
	// Defaults to NewDefaultConfig.
	Config *Config
}

// Drives one torrent's swarm. Everything below the coordinator-owned fields is only touched by the
// goroutine in Run.
type Torrent struct {
	// Torrent-level aggregate statistics.
	connStats ConnStats
	cfg       Config
	logger    log.Logger
	manifest  *metainfo.Manifest
	infoHash  metainfo.Hash
	peerID    PeerID
	storage   storage.Storage
	discovery Discovery

	events chan any
	// Close was called.
	closed chansync.SetOnce
	// The coordinator stopped accepting events.
	done    chansync.SetOnce
	stopped chansync.SetOnce
	running atomic.Bool
	// Session, dial and hashing goroutines.
	wg        sync.WaitGroup
	hashers   *semaphore.Weighted
	chunkPool sync.Pool

	downloadRate *rollingRate
	uploadRate   *rollingRate

	peersMu    sync.Mutex
	newPeers   []netip.AddrPort
	peersAdded chan struct{}

	statsMu sync.Mutex
	stats   TorrentStats
	state   atomic.Int32

	// Coordinator-owned.
	runCtx       context.Context
	pieces       *piecemap.Map[*PeerConn]
	sched        *requestStrategy.Scheduler[*PeerConn]
	choker       choking.Manager[*PeerConn]
	conns        map[*PeerConn]struct{}
	halfOpen     map[netip.AddrPort]*PeerConn
	candidates   map[netip.AddrPort]*candidate
	strikes      map[netip.Addr]int
	banned       map[netip.Addr]struct{}
	blocks       blockTracker
	failErr      error
	hashFailures int
	// Bytes of Complete pieces.
	bytesCompleted int64
	lastProgress   time.Time
	gaveUp         bool
	// We had to download something, so completion is worth announcing.
	downloading bool
	announces   chan AnnounceRequest
}

func NewTorrent(opts NewTorrentOpts) (*Torrent, error) {
	m := opts.Manifest
	if m == nil {
		return nil, errors.New("no manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validating manifest: %w", err)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	t := &Torrent{
		cfg:        *cfg,
		manifest:   m,
		infoHash:   m.InfoHash,
		storage:    opts.Storage,
		discovery:  opts.Discovery,
		events:     make(chan any, 64),
		peersAdded: make(chan struct{}, 1),
		announces:  make(chan AnnounceRequest, 4),
		conns:      make(map[*PeerConn]struct{}),
		halfOpen:   make(map[netip.AddrPort]*PeerConn),
		candidates: make(map[netip.AddrPort]*candidate),
		strikes:    make(map[netip.Addr]int),
		banned:     make(map[netip.Addr]struct{}),
	}
	if err := t.cfg.check(); err != nil {
		return nil, err
	}
	t.cfg.setRateLimiterBursts()
	t.logger = t.cfg.Logger
	if t.logger.IsZero() {
		t.logger = log.Default.WithNames("tsunami")
	}
	if t.cfg.Debug {
		t.logger = t.logger.FilterLevel(log.Debug)
	}
	t.logger = t.logger.WithContextValue(fmt.Sprintf("torrent %v", t.infoHash))
	if t.storage == nil {
		t.storage = storage.NewMemory(m)
	}
	t.peerID = t.cfg.peerID()
	t.hashers = semaphore.NewWeighted(int64(max(1, t.cfg.PieceHashers)))
	t.chunkPool.New = func() any {
		b := make([]byte, t.cfg.BlockSize)
		return &b
	}
	t.downloadRate = newRollingRate(t.cfg.RateWindow)
	t.uploadRate = newRollingRate(t.cfg.RateWindow)
	t.pieces = piecemap.New[*PeerConn](m.NumPieces())
	t.sched = requestStrategy.New(t.pieces, m, t.cfg.schedulerConfig())
	t.choker = choking.Manager[*PeerConn]{
		UploadSlots:        t.cfg.UploadSlots,
		OptimisticRotation: t.cfg.OptimisticRotation,
	}
	t.blocks.init(t.cfg.BlockSize)
	t.restoreCompletion()
	t.downloading = !t.pieces.AllComplete()
	t.publishStats()
	return t, nil
}

func (cfg *Config) check() error {
	if cfg.BlockSize <= 0 || cfg.BlockSize > pp.MaxBlockSize {
		return fmt.Errorf("block size %d out of range", cfg.BlockSize)
	}
	if cfg.PipelineDepth <= 0 {
		return fmt.Errorf("pipeline depth must be positive")
	}
	if cfg.ChokeInterval <= 0 {
		return fmt.Errorf("choke interval must be positive")
	}
	if cfg.MaxProtocolAnomalies <= 0 || cfg.CorruptionStrikes <= 0 {
		return fmt.Errorf("anomaly and strike limits must be positive")
	}
	return nil
}

// Marks pieces the storage already holds as complete.
func (t *Torrent) restoreCompletion() {
	cr, ok := t.storage.(storage.CompletionReporter)
	if !ok {
		return
	}
	for i := range t.manifest.NumPieces() {
		c := cr.Completion(i)
		if c.Err != nil {
			t.logger.Levelf(log.Warning, "getting completion for piece %d: %v", i, c.Err)
			continue
		}
		if !c.Ok || !c.Complete {
			continue
		}
		err := t.pieces.RestoreComplete(i)
		if err != nil {
			panic(err)
		}
		t.bytesCompleted += t.manifest.PieceLen(i)
	}
}

func (t *Torrent) InfoHash() metainfo.Hash {
	return t.infoHash
}

func (t *Torrent) PeerID() PeerID {
	return t.peerID
}

func (t *Torrent) maxMessageLength() pp.Integer {
	return pp.Integer(max(256<<10, t.manifest.NumPieces()/8+2))
}

func (t *Torrent) putChunkBuffer(b []byte) {
	if cap(b) == t.cfg.BlockSize {
		b = b[:cap(b)]
		t.chunkPool.Put(&b)
	}
}

// Hands an event to the coordinator. Returns false if it's no longer running.
func (t *Torrent) post(ev any) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.done.Done():
		return false
	case <-t.closed.Done():
		return false
	}
}

type (
	connMessage struct {
		c   *PeerConn
		msg pp.Message
	}
	// The reader goroutine exited.
	connClosed struct {
		c *PeerConn
	}
	// The connection completed its handshake and wants to join the swarm.
	connEstablished struct {
		c *PeerConn
	}
	dialFailed struct {
		c   *PeerConn
		err error
	}
)

// Runs the swarm until ctx is done, Close is called, storage fails, or the torrent gives up.
func (t *Torrent) Run(ctx context.Context) (err error) {
	if !t.running.CompareAndSwap(false, true) {
		return errors.New("torrent already run")
	}
	defer t.stopped.Set()
	if t.closed.IsSet() {
		t.done.Set()
		t.publishStats()
		return ErrTorrentClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.runCtx = ctx
	t.lastProgress = time.Now()
	var g errgroup.Group
	if t.discovery != nil {
		g.Go(func() error { return t.feedDiscoveredPeers(ctx) })
		g.Go(func() error { return t.runAnnouncer(ctx) })
		t.announce(AnnounceStarted)
	}
	t.logger.Levelf(log.Info, "running, %d/%d pieces complete", t.pieces.Count(piecemap.Complete), t.manifest.NumPieces())
	err = t.loop(ctx)
	cancel()
	t.shutdown()
	g.Wait()
	if t.discovery != nil {
		t.announceStopped(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Levelf(log.Error, "stopped: %v", err)
	}
	t.publishStats()
	return
}

const housekeepingInterval = time.Second

func (t *Torrent) loop(ctx context.Context) error {
	housekeeping := time.NewTicker(housekeepingInterval)
	defer housekeeping.Stop()
	choke := time.NewTicker(t.cfg.ChokeInterval)
	defer choke.Stop()
	var announce <-chan time.Time
	if t.discovery != nil && t.cfg.AnnounceInterval > 0 {
		ticker := time.NewTicker(t.cfg.AnnounceInterval)
		defer ticker.Stop()
		announce = ticker.C
	}
	t.addNewPeers(time.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed.Done():
			return nil
		case ev := <-t.events:
			t.handleEvent(ev, time.Now())
		case <-t.peersAdded:
			t.addNewPeers(time.Now())
		case now := <-housekeeping.C:
			t.housekeep(now)
		case now := <-choke.C:
			t.chokeTick(now)
		case <-announce:
			t.announce(AnnounceNone)
		}
		if t.failErr != nil {
			return t.failErr
		}
		if t.gaveUp {
			return ErrStalled
		}
		t.publishStats()
	}
}

func (t *Torrent) handleEvent(ev any, now time.Time) {
	switch e := ev.(type) {
	case connMessage:
		c := e.c
		if !t.hasConn(c) {
			t.putChunkBuffer(e.msg.Piece)
			return
		}
		err := c.onMessage(&e.msg, now)
		if err != nil {
			t.dropConn(c, err)
		}
	case connClosed:
		t.deleteConn(e.c, now)
	case connEstablished:
		t.onConnEstablished(e.c, now)
	case dialFailed:
		t.onDialFailed(e.c, e.err, now)
	case pieceHashed:
		t.onPieceHashed(e, now)
	default:
		panic(ev)
	}
}

func (t *Torrent) housekeep(now time.Time) {
	expired := t.sched.Expire(now)
	for _, e := range expired {
		e.Peer.logger.Levelf(log.Debug, "request %v timed out", e.Request)
		e.Peer.write(e.Request.ToMsg(pp.Cancel))
	}
	if len(expired) != 0 {
		t.fillRequests(now)
	}
	t.openConns(now)
	t.checkStalled(now)
}

func (t *Torrent) checkStalled(now time.Time) {
	if !t.wantsData() || t.cfg.StalledAfter <= 0 {
		return
	}
	stalledFor := now.Sub(t.lastProgress) - t.cfg.StalledAfter
	if t.cfg.GiveUpAfter > 0 && stalledFor >= t.cfg.GiveUpAfter {
		t.gaveUp = true
	}
}

func (t *Torrent) stalled(now time.Time) bool {
	return t.wantsData() && t.cfg.StalledAfter > 0 && !t.lastProgress.IsZero() &&
		now.Sub(t.lastProgress) >= t.cfg.StalledAfter
}

func (t *Torrent) wantsData() bool {
	return !t.failed() && !t.pieces.AllComplete()
}

func (t *Torrent) failed() bool {
	return t.failErr != nil
}

func (t *Torrent) seeding() bool {
	return t.pieces.AllComplete()
}

// Storage failed. Nothing more can be completed, so the torrent stops.
func (t *Torrent) fail(err error) {
	if t.failErr != nil {
		return
	}
	t.failErr = err
	t.logger.Levelf(log.Error, "torrent failed: %v", err)
}

func (t *Torrent) chokeTick(now time.Time) {
	conns := t.connsAsSlice()
	peers := make([]choking.Peer[*PeerConn], 0, len(conns))
	for _, c := range conns {
		peers = append(peers, choking.Peer[*PeerConn]{
			Key:          c,
			Interested:   c.peerInterested,
			DownloadRate: c.downloadRate.Rate(now),
			UploadRate:   c.uploadRate.Rate(now),
		})
	}
	res := t.choker.Tick(peers, t.seeding())
	for _, c := range conns {
		if res.IsUnchoked(c) {
			c.unchoke()
		} else {
			c.choke()
		}
	}
}

// Offers requests to every connection, healthy peers first.
func (t *Torrent) fillRequests(now time.Time) {
	conns := t.connsAsSlice()
	t.sched.FillOrder(conns)
	for _, c := range conns {
		c.updateRequests(now)
	}
}

func (t *Torrent) connsAsSlice() []*PeerConn {
	ret := make([]*PeerConn, 0, len(t.conns))
	for c := range t.conns {
		ret = append(ret, c)
	}
	// Map order is random, but ties should be stable for a given set of connections.
	slices.SortFunc(ret, func(l, r *PeerConn) int {
		return l.RemoteAddr.Compare(r.RemoteAddr)
	})
	return ret
}

func (t *Torrent) hasConn(c *PeerConn) bool {
	_, ok := t.conns[c]
	return ok
}

// Closes the connection and removes it from the swarm now.
func (t *Torrent) dropConn(c *PeerConn, reason error) {
	c.close(reason)
	t.deleteConn(c, time.Now())
}

func (t *Torrent) deleteConn(c *PeerConn, now time.Time) {
	if !t.hasConn(c) {
		return
	}
	delete(t.conns, c)
	released := t.sched.RemovePeer(c)
	t.pieces.RemovePeer(c)
	c.logger.Levelf(log.Debug, "closed: %v (released %d requests)", c.CloseReason(), released)
	if c.outgoing {
		t.retryLater(c.RemoteAddr, now)
	}
	if released != 0 {
		t.fillRequests(now)
	}
}

// Stops everything Run started, and waits for it.
func (t *Torrent) shutdown() {
	t.done.Set()
	for c := range t.conns {
		c.close(ErrTorrentClosed)
		t.sched.RemovePeer(c)
		t.pieces.RemovePeer(c)
	}
	clear(t.conns)
	for _, c := range t.halfOpen {
		c.close(ErrTorrentClosed)
	}
	clear(t.halfOpen)
	t.wg.Wait()
	for {
		select {
		case ev := <-t.events:
			switch e := ev.(type) {
			case connEstablished:
				e.c.close(ErrTorrentClosed)
			case connMessage:
				t.putChunkBuffer(e.msg.Piece)
			}
		default:
			t.blocks.clear()
			return
		}
	}
}

// Stops the torrent, and waits for Run to return if it's running.
func (t *Torrent) Close() error {
	t.closed.Set()
	if t.running.Load() {
		<-t.stopped.Done()
	}
	return nil
}

// Closed is done once the torrent stops running.
func (t *Torrent) Closed() <-chan struct{} {
	return t.done.Done()
}

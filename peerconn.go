package tsunami

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	pp "github.com/anacrolix/tsunami/peer_protocol"
	"github.com/anacrolix/tsunami/piecemap"
	requestStrategy "github.com/anacrolix/tsunami/request-strategy"
)

type Request = requestStrategy.Request

// Maximum pending requests we allow peers to send us.
const maxRequests = 250

type PeerConnState int32

const (
	PeerConnConnecting PeerConnState = iota
	PeerConnHandshaking
	PeerConnExchanging
	PeerConnClosed
)

func (me PeerConnState) String() string {
	switch me {
	case PeerConnConnecting:
		return "connecting"
	case PeerConnHandshaking:
		return "handshaking"
	case PeerConnExchanging:
		return "exchanging"
	case PeerConnClosed:
		return "closed"
	default:
		return fmt.Sprintf("PeerConnState(%d)", int32(me))
	}
}

// Maintains the state of a BitTorrent-protocol based connection with a peer.
type PeerConn struct {
	t          *Torrent
	RemoteAddr netip.AddrPort
	// We dialed the peer.
	outgoing bool
	// Set once the handshake completes.
	PeerID            PeerID
	PeerExtensionBits pp.PeerExtensionBits
	logger            log.Logger
	state             atomic.Int32

	// Owned by the coordinator.
	peerChoking         bool
	peerInterested      bool
	amInterested        bool
	anomalies           int
	completedHandshake  time.Time
	lastMessageReceived time.Time

	// Read by the uploader, so requests stop being served the moment we choke.
	amChoking      atomic.Bool
	peerRequestsMu sync.Mutex
	// Requests the peer made of us, in the order they arrived.
	peerRequests []Request

	messageWriter peerConnMsgWriter
	r             io.Reader
	ctx           context.Context
	cancel        context.CancelFunc

	closeMu     sync.Mutex
	conn        net.Conn
	closeReason error
	closed      chansync.SetOnce

	downloadRate *rollingRate
	uploadRate   *rollingRate
	stats        ConnStats
}

func (t *Torrent) newPeerConn(nc net.Conn, addr netip.AddrPort, outgoing bool) *PeerConn {
	c := &PeerConn{
		t:            t,
		RemoteAddr:   addr,
		outgoing:     outgoing,
		conn:         nc,
		peerChoking:  true,
		logger:       t.logger.WithContextValue(fmt.Sprintf("conn %v", addr)),
		downloadRate: newRollingRate(t.cfg.RateWindow),
		uploadRate:   newRollingRate(t.cfg.RateWindow),
	}
	c.amChoking.Store(true)
	if nc == nil {
		c.setState(PeerConnConnecting)
	} else {
		c.setState(PeerConnHandshaking)
	}
	return c
}

func (c *PeerConn) String() string {
	if c.completedHandshake.IsZero() {
		return c.RemoteAddr.String()
	}
	return fmt.Sprintf("%v (%v)", c.RemoteAddr, c.PeerID)
}

func (c *PeerConn) setState(s PeerConnState) {
	c.state.Store(int32(s))
}

func (c *PeerConn) State() PeerConnState {
	return PeerConnState(c.state.Load())
}

// Why the connection closed, or nil if it hasn't.
func (c *PeerConn) CloseReason() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeReason
}

func (c *PeerConn) Stats() ConnStats {
	return c.stats.Copy()
}

func (c *PeerConn) allStats(f func(*ConnStats)) {
	allStats(f, &c.stats, &c.t.connStats)
}

// The first reason given is the one kept.
func (c *PeerConn) close(reason error) {
	if reason == nil {
		reason = errors.New("closed")
	}
	c.closeMu.Lock()
	if c.closeReason == nil {
		c.closeReason = reason
	}
	nc := c.conn
	first := c.closed.Set()
	c.closeMu.Unlock()
	if !first {
		return
	}
	c.setState(PeerConnClosed)
	if c.cancel != nil {
		c.cancel()
	}
	if nc != nil {
		nc.Close()
	}
	c.tickleWriter()
}

// Establishes the underlying connection for a PeerConn we're initiating.
func (c *PeerConn) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.t.cfg.DialTimeout)
	defer cancel()
	nc, err := c.t.cfg.dialContext()(ctx, "tcp", c.RemoteAddr.String())
	if err != nil {
		unsuccessfulDials.Add(1)
		return fmt.Errorf("dialing: %w", err)
	}
	successfulDials.Add(1)
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.IsSet() {
		nc.Close()
		return c.closeReason
	}
	c.conn = nc
	c.setState(PeerConnHandshaking)
	return nil
}

func (c *PeerConn) handshake(ctx context.Context) error {
	t := c.t
	ctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	res, err := pp.Handshake(ctx, c.conn, &t.infoHash, t.peerID, t.cfg.Extensions)
	if err != nil {
		return fmt.Errorf("handshaking: %w", err)
	}
	c.allStats(func(cs *ConnStats) {
		cs.BytesWritten.Add(int64(pp.HandshakeLen))
		cs.BytesRead.Add(int64(pp.HandshakeLen))
	})
	if res.Hash != t.infoHash {
		return fmt.Errorf("%w: peer wants %v", ErrInfoHashMismatch, res.Hash)
	}
	if res.PeerID == t.peerID {
		connsToSelf.Add(1)
		return ErrSelfConnection
	}
	c.PeerID = res.PeerID
	c.PeerExtensionBits = res.PeerExtensionBits
	c.completedHandshake = time.Now()
	return nil
}

// Starts the reader and writer. Called by the coordinator once it has accepted the connection.
func (c *PeerConn) start(ctx context.Context) {
	t := c.t
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.setState(PeerConnExchanging)
	c.lastMessageReceived = time.Now()
	var r io.Reader = deadlineReader{c.conn, c.conn, t.cfg.IdleTimeout}
	if t.cfg.DownloadRateLimiter != nil {
		r = &rateLimitedReader{l: t.cfg.DownloadRateLimiter, r: r}
	}
	rw := connStatsReadWriter{
		rw: struct {
			io.Reader
			io.Writer
		}{r, deadlineWriter{c.conn, c.conn, t.cfg.WriteTimeout}},
		c: c,
	}
	c.r = rw
	c.messageWriter = peerConnMsgWriter{
		fillWriteBuffer: c.fillWriteBuffer,
		closed:          &c.closed,
		logger:          c.logger,
		w:               rw,
		wroteMsg: func(msg *pp.Message) {
			c.allStats(func(cs *ConnStats) { cs.wroteMsg(msg) })
		},
		writeBuffer: new(bytes.Buffer),
	}
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		err := c.messageWriter.run(t.cfg.KeepAliveTimeout)
		if err != nil {
			c.close(fmt.Errorf("writing: %w", err))
		}
	}()
	go func() {
		defer t.wg.Done()
		err := c.mainReadLoop()
		c.close(err)
		t.post(connClosed{c})
	}()
}

// Decodes messages and hands them to the coordinator. Never touches torrent state.
func (c *PeerConn) mainReadLoop() (err error) {
	t := c.t
	decoder := pp.Decoder{
		R:         bufio.NewReaderSize(c.r, 1<<17),
		MaxLength: t.maxMessageLength(),
		Pool:      &t.chunkPool,
	}
	for {
		var msg pp.Message
		err = decoder.Decode(&msg)
		if c.closed.IsSet() {
			return nil
		}
		if err == io.EOF {
			return errors.New("peer closed connection")
		}
		if err != nil {
			return fmt.Errorf("decoding message: %w", err)
		}
		c.allStats(func(cs *ConnStats) { cs.readMsg(&msg) })
		if msg.Keepalive {
			receivedKeepalives.Add(1)
			continue
		}
		messageTypesReceived.Add(msg.Type.String(), 1)
		if !t.post(connMessage{c, msg}) {
			return ErrTorrentClosed
		}
	}
}

func (c *PeerConn) write(msg pp.Message) bool {
	return c.messageWriter.write(msg)
}

func (c *PeerConn) tickleWriter() {
	c.messageWriter.mu.Lock()
	defer c.messageWriter.mu.Unlock()
	c.messageWriter.writeCond.Broadcast()
}

// Stop serving the peer, and drop anything it asked for.
func (c *PeerConn) choke() {
	if c.amChoking.Swap(true) {
		return
	}
	c.clearPeerRequests()
	c.write(pp.Message{Type: pp.Choke})
}

func (c *PeerConn) unchoke() {
	if !c.amChoking.Swap(false) {
		return
	}
	c.write(pp.Message{Type: pp.Unchoke})
}

func (c *PeerConn) setInterested(interested bool) {
	if c.amInterested == interested {
		return
	}
	c.amInterested = interested
	c.write(pp.Message{Type: func() pp.MessageType {
		if interested {
			return pp.Interested
		}
		return pp.NotInterested
	}()})
}

// Returns false if the queue is full. Duplicates are dropped.
func (c *PeerConn) queuePeerRequest(r Request) bool {
	c.peerRequestsMu.Lock()
	defer c.peerRequestsMu.Unlock()
	if slices.Contains(c.peerRequests, r) {
		return true
	}
	if len(c.peerRequests) >= maxRequests {
		return false
	}
	c.peerRequests = append(c.peerRequests, r)
	c.tickleWriter()
	return true
}

func (c *PeerConn) cancelPeerRequest(r Request) bool {
	c.peerRequestsMu.Lock()
	defer c.peerRequestsMu.Unlock()
	i := slices.Index(c.peerRequests, r)
	if i < 0 {
		return false
	}
	c.peerRequests = slices.Delete(c.peerRequests, i, i+1)
	return true
}

func (c *PeerConn) clearPeerRequests() {
	c.peerRequestsMu.Lock()
	defer c.peerRequestsMu.Unlock()
	c.peerRequests = nil
}

func (c *PeerConn) popPeerRequest() (r Request, ok bool) {
	c.peerRequestsMu.Lock()
	defer c.peerRequestsMu.Unlock()
	if len(c.peerRequests) == 0 {
		return
	}
	r = c.peerRequests[0]
	c.peerRequests = slices.Delete(c.peerRequests, 0, 1)
	return r, true
}

func (c *PeerConn) numPeerRequests() int {
	c.peerRequestsMu.Lock()
	defer c.peerRequestsMu.Unlock()
	return len(c.peerRequests)
}

// Serves queued peer requests while there's room in the write buffer. Runs in the writer
// goroutine.
func (c *PeerConn) fillWriteBuffer() {
	for !c.messageWriter.bufferFull() {
		if c.amChoking.Load() || c.closed.IsSet() {
			return
		}
		r, ok := c.popPeerRequest()
		if !ok {
			return
		}
		if !c.uploadBlock(r) {
			return
		}
	}
}

// Returns false if uploading should stop for now.
func (c *PeerConn) uploadBlock(r Request) bool {
	t := c.t
	b, err := t.storage.ReadBlock(r.Index.Int(), r.Begin.Int64(), r.Length.Int())
	if err != nil {
		c.logger.Levelf(log.Warning, "reading %v to upload: %v", r, err)
		return true
	}
	err = t.cfg.UploadRateLimiter.WaitN(c.ctx, len(b))
	if err != nil {
		if c.ctx.Err() != nil {
			return false
		}
		c.logger.Levelf(log.Warning, "waiting for upload bandwidth: %v", err)
		return true
	}
	written := c.messageWriter.writeIf(func() bool { return !c.amChoking.Load() }, pp.Message{
		Type:  pp.Piece,
		Index: r.Index,
		Begin: r.Begin,
		Piece: b,
	})
	if !written {
		return false
	}
	now := time.Now()
	c.uploadRate.Add(now, int64(len(b)))
	t.uploadRate.Add(now, int64(len(b)))
	return true
}

// Counts a protocol violation. Returns an error once the connection has had too many.
func (c *PeerConn) anomaly(format string, args ...any) error {
	c.anomalies++
	c.logger.Levelf(log.Warning, "protocol anomaly %d: %s", c.anomalies, fmt.Sprintf(format, args...))
	if c.anomalies >= c.t.cfg.MaxProtocolAnomalies {
		return fmt.Errorf("%w: %d", ErrTooManyAnomalies, c.anomalies)
	}
	return nil
}

// Handles a message from the peer on the coordinator. A returned error closes the connection.
func (c *PeerConn) onMessage(msg *pp.Message, now time.Time) error {
	t := c.t
	c.lastMessageReceived = now
	switch msg.Type {
	case pp.Choke:
		if c.peerChoking {
			return nil
		}
		c.peerChoking = true
		t.sched.Choked(c, now)
		// Requests the peer dropped may be served by someone else.
		t.fillRequests(now)
	case pp.Unchoke:
		if !c.peerChoking {
			return nil
		}
		c.peerChoking = false
		t.sched.Unchoked(c)
		c.updateRequests(now)
	case pp.Interested:
		c.peerInterested = true
	case pp.NotInterested:
		c.peerInterested = false
	case pp.Have:
		_, err := t.pieces.MarkHave(c, msg.Index.Int())
		if err != nil {
			return c.anomaly("have: %v", err)
		}
		c.updateInterest()
		c.updateRequests(now)
	case pp.Bitfield:
		err := t.pieces.MarkBitfield(c, msg.Bitfield)
		if err != nil {
			return fmt.Errorf("bad bitfield: %w", err)
		}
		c.updateInterest()
		c.updateRequests(now)
	case pp.Request:
		return c.onPeerRequest(msg.RequestSpec())
	case pp.Cancel:
		c.cancelPeerRequest(msg.RequestSpec())
	case pp.Piece:
		return c.onPiece(msg, now)
	case pp.Port:
		// We have no DHT to give the port to.
	default:
		return fmt.Errorf("unexpected message type %v", msg.Type)
	}
	return nil
}

func (t *Torrent) validPeerRequest(r Request) bool {
	piece := r.Index.Int()
	if piece < 0 || piece >= t.manifest.NumPieces() {
		return false
	}
	if r.Length == 0 || r.Length > pp.MaxBlockSize {
		return false
	}
	return r.Begin.Int64()+r.Length.Int64() <= t.manifest.PieceLen(piece)
}

func (c *PeerConn) onPeerRequest(r Request) error {
	t := c.t
	if c.amChoking.Load() {
		// The peer may not have processed our choke yet.
		return nil
	}
	if !t.validPeerRequest(r) {
		return c.anomaly("invalid request %v", r)
	}
	if t.pieces.State(r.Index.Int()) != piecemap.Complete {
		requestsReceivedForMissingPieces.Add(1)
		return c.anomaly("request for piece we don't have: %v", r)
	}
	if !c.queuePeerRequest(r) {
		return c.anomaly("more than %d requests queued", maxRequests)
	}
	return nil
}

func (c *PeerConn) onPiece(msg *pp.Message, now time.Time) error {
	t := c.t
	defer t.putChunkBuffer(msg.Piece)
	r := msg.RequestSpec()
	res := t.sched.Received(c, r, now)
	if res.Unsolicited {
		chunksReceivedUnsolicited.Add(1)
		c.allStats(add(1, func(cs *ConnStats) *count { return &cs.ChunksReadUnsolicited }))
		return c.anomaly("unsolicited %v", r)
	}
	if res.Wasted {
		chunksReceivedWasted.Add(1)
		c.allStats(add(1, func(cs *ConnStats) *count { return &cs.ChunksReadWasted }))
		c.updateRequests(now)
		return nil
	}
	n := int64(len(msg.Piece))
	c.allStats(func(cs *ConnStats) {
		cs.ChunksReadUseful.Add(1)
		cs.BytesReadUsefulData.Add(n)
	})
	c.downloadRate.Add(now, n)
	t.downloadRate.Add(now, n)
	t.lastProgress = now
	t.storeBlock(c, r, msg.Piece)
	for _, other := range res.Cancel {
		other.write(pp.MakeCancelMessage(r.Index, r.Begin, r.Length))
		other.updateRequests(now)
	}
	if res.PieceFull {
		t.verifyPiece(r.Index.Int())
	}
	c.updateRequests(now)
	return nil
}

// Interested while the peer has pieces we still want.
func (c *PeerConn) updateInterest() {
	c.setInterested(!c.t.failed() && c.t.pieces.PeerHasWanted(c))
}

// Tops up our requests to the peer.
func (c *PeerConn) updateRequests(now time.Time) {
	if !c.amInterested || c.peerChoking || c.closed.IsSet() {
		return
	}
	for _, r := range c.t.sched.NextRequests(c, now) {
		c.write(r.ToMsg(pp.Request))
	}
}

package tsunami

import (
	"cmp"
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/anacrolix/log"
	"github.com/cenkalti/backoff/v5"

	pp "github.com/anacrolix/tsunami/peer_protocol"
	"github.com/anacrolix/tsunami/piecemap"
)

// Consecutive failures after which an address is forgotten.
const maxDialFailures = 5

// An address we may dial.
type candidate struct {
	addr     netip.AddrPort
	backoff  *backoff.ExponentialBackOff
	next     time.Time
	failures int
}

func newCandidate(addr netip.AddrPort) *candidate {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxInterval = 5 * time.Minute
	return &candidate{addr: addr, backoff: bo}
}

// Adds addresses to dial. Safe to call from any goroutine, before or during Run.
func (t *Torrent) AddPeers(addrs ...netip.AddrPort) {
	t.peersMu.Lock()
	t.newPeers = append(t.newPeers, addrs...)
	t.peersMu.Unlock()
	select {
	case t.peersAdded <- struct{}{}:
	default:
	}
}

func (t *Torrent) addNewPeers(now time.Time) {
	t.peersMu.Lock()
	addrs := t.newPeers
	t.newPeers = nil
	t.peersMu.Unlock()
	for _, addr := range addrs {
		t.addCandidate(netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()))
	}
	t.openConns(now)
}

func (t *Torrent) addCandidate(addr netip.AddrPort) {
	if !addr.IsValid() || addr.Port() == 0 {
		return
	}
	if _, ok := t.banned[addr.Addr()]; ok {
		return
	}
	if _, ok := t.candidates[addr]; ok {
		return
	}
	t.candidates[addr] = newCandidate(addr)
}

func (t *Torrent) haveConnTo(addr netip.AddrPort) bool {
	for c := range t.conns {
		if c.RemoteAddr == addr {
			return true
		}
	}
	return false
}

// Candidates that may be dialed now, soonest due first.
func (t *Torrent) readyCandidates(now time.Time) (ret []*candidate) {
	for addr, cand := range t.candidates {
		if now.Before(cand.next) {
			continue
		}
		if _, ok := t.halfOpen[addr]; ok {
			continue
		}
		if t.haveConnTo(addr) {
			continue
		}
		ret = append(ret, cand)
	}
	slices.SortFunc(ret, func(l, r *candidate) int {
		return cmp.Or(l.next.Compare(r.next), l.addr.Compare(r.addr))
	})
	return
}

// Dials candidates while there's room for more connections.
func (t *Torrent) openConns(now time.Time) {
	if !t.wantsData() || t.runCtx == nil || t.done.IsSet() {
		return
	}
	for _, cand := range t.readyCandidates(now) {
		if len(t.halfOpen) >= t.cfg.HalfOpenConns {
			return
		}
		if len(t.conns)+len(t.halfOpen) >= t.cfg.MaxEstablishedConns {
			return
		}
		t.dial(cand)
	}
}

func (t *Torrent) dial(cand *candidate) {
	c := t.newPeerConn(nil, cand.addr, true)
	t.halfOpen[cand.addr] = c
	ctx := t.runCtx
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := c.dial(ctx)
		if err == nil {
			err = c.handshake(ctx)
		}
		if err != nil {
			c.close(err)
			t.post(dialFailed{c, err})
			return
		}
		if !t.post(connEstablished{c}) {
			c.close(ErrTorrentClosed)
		}
	}()
}

func (t *Torrent) onDialFailed(c *PeerConn, err error, now time.Time) {
	if t.halfOpen[c.RemoteAddr] == c {
		delete(t.halfOpen, c.RemoteAddr)
	}
	c.logger.Levelf(log.Debug, "connecting: %v", err)
	if errors.Is(err, ErrSelfConnection) || errors.Is(err, ErrInfoHashMismatch) {
		delete(t.candidates, c.RemoteAddr)
	} else {
		t.retryLater(c.RemoteAddr, now)
	}
	t.openConns(now)
}

// Backs off an address after a failed or lost connection.
func (t *Torrent) retryLater(addr netip.AddrPort, now time.Time) {
	cand, ok := t.candidates[addr]
	if !ok {
		return
	}
	cand.failures++
	if cand.failures >= maxDialFailures {
		delete(t.candidates, addr)
		return
	}
	cand.next = now.Add(cand.backoff.NextBackOff())
}

// Whether a connection that completed its handshake may join the swarm.
func (t *Torrent) admit(c *PeerConn) error {
	if t.failed() || t.done.IsSet() {
		return ErrTorrentClosed
	}
	if _, ok := t.banned[c.RemoteAddr.Addr()]; ok {
		return ErrBanned
	}
	if len(t.conns) >= t.cfg.MaxEstablishedConns {
		return errConnLimit
	}
	for other := range t.conns {
		if other.PeerID == c.PeerID {
			return errDuplicateConn
		}
	}
	return nil
}

func (t *Torrent) onConnEstablished(c *PeerConn, now time.Time) {
	if c.outgoing && t.halfOpen[c.RemoteAddr] == c {
		delete(t.halfOpen, c.RemoteAddr)
	}
	err := t.admit(c)
	if err != nil {
		c.close(err)
		c.logger.Levelf(log.Debug, "not adding connection: %v", err)
		if c.outgoing {
			t.retryLater(c.RemoteAddr, now)
		}
		return
	}
	if cand, ok := t.candidates[c.RemoteAddr]; ok && c.outgoing {
		cand.failures = 0
		cand.backoff.Reset()
	}
	t.conns[c] = struct{}{}
	c.start(t.runCtx)
	c.logger.Levelf(log.Debug, "added connection, extensions %v", c.PeerExtensionBits)
	if t.pieces.Count(piecemap.Complete) != 0 {
		c.write(pp.Message{
			Type:     pp.Bitfield,
			Bitfield: t.pieces.CompleteBitfield(),
		})
	}
	c.updateInterest()
}

// Takes over a connection the peer initiated. Blocks for the handshake, which must be for this
// torrent. The connection is closed on error.
func (t *Torrent) AcceptConn(ctx context.Context, nc net.Conn) error {
	c := t.newPeerConn(nc, addrPortFromNetAddr(nc.RemoteAddr()), false)
	if t.closed.IsSet() {
		c.close(ErrTorrentClosed)
		return ErrTorrentClosed
	}
	err := c.handshake(ctx)
	if err != nil {
		c.close(err)
		return err
	}
	if !t.post(connEstablished{c}) {
		c.close(ErrTorrentClosed)
		return ErrTorrentClosed
	}
	return nil
}

// Accepts connections from l until ctx is done or accepting fails. l is closed on return.
func (t *Torrent) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	go func() {
		select {
		case <-t.closed.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	defer l.Close()
	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go func() {
			err := t.AcceptConn(ctx, nc)
			if err != nil {
				t.logger.Levelf(log.Debug, "accepting %v: %v", nc.RemoteAddr(), err)
			}
		}()
	}
}

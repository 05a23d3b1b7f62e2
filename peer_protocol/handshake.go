package peer_protocol

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"strings"
	"time"

	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/anacrolix/tsunami/metainfo"
)

type ExtensionBit uint

// https://www.bittorrent.org/beps/bep_0004.html
// https://wiki.theory.org/BitTorrentSpecification.html#Reserved_Bytes
const (
	ExtensionBitDht  = 0 // http://www.bittorrent.org/beps/bep_0005.html
	ExtensionBitFast = 2 // http://www.bittorrent.org/beps/bep_0006.html
	// LibTorrent Extension Protocol, http://www.bittorrent.org/beps/bep_0010.html
	ExtensionBitLtep = 20
)

type (
	PeerExtensionBits [8]byte
)

var bitTags = []struct {
	bit ExtensionBit
	tag string
}{
	// Ordered by their bit position left to right.
	{ExtensionBitLtep, "ltep"},
	{ExtensionBitFast, "fast"},
	{ExtensionBitDht, "dht"},
}

func (pex PeerExtensionBits) String() string {
	pexHex := hex.EncodeToString(pex[:])
	tags := make([]string, 0, len(bitTags)+1)
	for _, bitTag := range bitTags {
		if pex.GetBit(bitTag.bit) {
			tags = append(tags, bitTag.tag)
			pex.SetBit(bitTag.bit, false)
		}
	}
	unknownCount := 0
	for _, b := range pex {
		unknownCount += bits.OnesCount8(b)
	}
	if unknownCount != 0 {
		tags = append(tags, fmt.Sprintf("%v unknown", unknownCount))
	}
	return fmt.Sprintf("%v (%s)", pexHex, strings.Join(tags, ", "))
}

func NewPeerExtensionBytes(bits ...ExtensionBit) (ret PeerExtensionBits) {
	for _, b := range bits {
		ret.SetBit(b, true)
	}
	return
}

func (pex PeerExtensionBits) SupportsExtended() bool {
	return pex.GetBit(ExtensionBitLtep)
}

func (pex PeerExtensionBits) SupportsDHT() bool {
	return pex.GetBit(ExtensionBitDht)
}

func (pex PeerExtensionBits) SupportsFast() bool {
	return pex.GetBit(ExtensionBitFast)
}

func (pex *PeerExtensionBits) SetBit(bit ExtensionBit, on bool) {
	if on {
		pex[7-bit/8] |= 1 << (bit % 8)
	} else {
		pex[7-bit/8] &^= 1 << (bit % 8)
	}
}

func (pex PeerExtensionBits) GetBit(bit ExtensionBit) bool {
	return pex[7-bit/8]&(1<<(bit%8)) != 0
}

const HandshakeLen = len(Protocol) + 8 + 20 + 20

type HandshakeResult struct {
	PeerExtensionBits
	PeerID [20]byte
	metainfo.Hash
}

func (me HandshakeResult) String() string {
	return fmt.Sprintf("%s peer id %q ext %v", me.Hash, me.PeerID[:], me.PeerExtensionBits)
}

var ErrBadProtocol = errors.New("unexpected protocol string")

type deadliner interface {
	SetDeadline(time.Time) error
}

// ih is nil if we expect the peer to declare the InfoHash, such as when the peer initiated the
// connection, in which case our half is only sent once the peer's has been read. If sock can
// take deadlines, cancelling ctx unblocks the exchange.
func Handshake(
	ctx context.Context,
	sock io.ReadWriter,
	ih *metainfo.Hash,
	peerID [20]byte,
	extensions PeerExtensionBits,
) (
	res HandshakeResult, err error,
) {
	if d, ok := sock.(deadliner); ok {
		if deadline, ok := ctx.Deadline(); ok {
			d.SetDeadline(deadline)
		}
		stop := context.AfterFunc(ctx, func() {
			d.SetDeadline(time.Unix(1, 0))
		})
		defer func() {
			if stop() {
				d.SetDeadline(time.Time{})
			}
		}()
	}
	if err = ctx.Err(); err != nil {
		return
	}

	// Writes go through a goroutine so that a peer that won't read until it has written can't
	// deadlock us.
	writeDone := make(chan error, 1)
	out := make([]byte, 0, HandshakeLen)
	out = append(out, Protocol...)
	out = append(out, extensions[:]...)
	write := func(b []byte) {
		go func() {
			_, err := sock.Write(b)
			writeDone <- err
		}()
	}
	waitWrite := func() error {
		err := <-writeDone
		if err != nil {
			return fmt.Errorf("writing handshake: %w", err)
		}
		return nil
	}

	if ih != nil {
		// We already know what we want.
		out = append(out, ih[:]...)
		out = append(out, peerID[:]...)
		write(out)
	}

	b := make([]byte, HandshakeLen)
	// Read in one hit to avoid potential overhead in underlying reader.
	_, err = io.ReadFull(sock, b)
	if err != nil {
		if ih != nil {
			<-writeDone
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return res, fmt.Errorf("while reading: %w", err)
	}

	p := b[:len(Protocol)]
	if string(p) != Protocol {
		if ih != nil {
			<-writeDone
		}
		return res, fmt.Errorf("%w %q", ErrBadProtocol, string(p))
	}
	b = b[len(p):]
	read := func(dst []byte) {
		n := copy(dst, b)
		panicif.NotEq(n, len(dst))
		b = b[n:]
	}
	read(res.PeerExtensionBits[:])
	read(res.Hash[:])
	read(res.PeerID[:])
	panicif.NotEq(len(b), 0)

	if ih == nil {
		// We were waiting for the peer to tell us what they wanted. The caller validates it, and
		// we answer with the same hash.
		out = append(out, res.Hash[:]...)
		out = append(out, peerID[:]...)
		write(out)
	}
	err = waitWrite()
	return
}

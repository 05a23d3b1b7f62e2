package peer_protocol

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	qt "github.com/go-quicktest/qt"

	"github.com/anacrolix/tsunami/metainfo"
)

func handshakePair(t *testing.T, aIh, bIh *metainfo.Hash) (a, b HandshakeResult, aErr, bErr error) {
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var aID, bID [20]byte
	copy(aID[:], "-TS0001-aaaaaaaaaaaa")
	copy(bID[:], "-TS0001-bbbbbbbbbbbb")
	done := make(chan struct{})
	go func() {
		defer close(done)
		b, bErr = Handshake(ctx, c2, bIh, bID, NewPeerExtensionBytes(ExtensionBitFast))
		if bErr != nil {
			c2.Close()
		}
	}()
	a, aErr = Handshake(ctx, c1, aIh, aID, PeerExtensionBits{})
	if aErr != nil {
		c1.Close()
	}
	<-done
	return
}

func TestHandshakeBothKnowInfoHash(t *testing.T) {
	ih := metainfo.HashBytes([]byte("some torrent"))
	a, b, aErr, bErr := handshakePair(t, &ih, &ih)
	qt.Assert(t, qt.IsNil(aErr))
	qt.Assert(t, qt.IsNil(bErr))
	qt.Check(t, qt.Equals(a.Hash, ih))
	qt.Check(t, qt.Equals(string(a.PeerID[:]), "-TS0001-bbbbbbbbbbbb"))
	qt.Check(t, qt.IsTrue(a.SupportsFast()))
	qt.Check(t, qt.Equals(string(b.PeerID[:]), "-TS0001-aaaaaaaaaaaa"))
	qt.Check(t, qt.IsFalse(b.SupportsFast()))
}

func TestHandshakeReceiverLearnsInfoHash(t *testing.T) {
	ih := metainfo.HashBytes([]byte("other torrent"))
	a, b, aErr, bErr := handshakePair(t, &ih, nil)
	qt.Assert(t, qt.IsNil(aErr))
	qt.Assert(t, qt.IsNil(bErr))
	qt.Check(t, qt.Equals(b.Hash, ih))
	qt.Check(t, qt.Equals(a.Hash, ih))
}

func TestHandshakeBadProtocol(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	go func() {
		b := make([]byte, HandshakeLen)
		copy(b, "\x13BitTorrent protocoX")
		c2.Write(b)
		// Drain our half so the writer goroutine finishes.
		c2.Read(make([]byte, HandshakeLen))
	}()
	ih := metainfo.HashBytes(nil)
	_, err := Handshake(context.Background(), c1, &ih, [20]byte{}, PeerExtensionBits{})
	qt.Assert(t, qt.IsTrue(errors.Is(err, ErrBadProtocol)))
}

func TestHandshakeContextDeadline(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ih := metainfo.HashBytes(nil)
	// Nobody ever answers on c2.
	_, err := Handshake(ctx, c1, &ih, [20]byte{}, PeerExtensionBits{})
	qt.Assert(t, qt.IsNotNil(err))
}

package tsunami

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sync/atomic"

	pp "github.com/anacrolix/tsunami/peer_protocol"
)

// ConnStats various connection-level metrics. At the Torrent level these are aggregates. Chunks
// are messages with data payloads. Data is actual torrent content without any overhead. Useful is
// something we needed locally. Wasted is something we asked for but no longer needed.
// Unsolicited is data we never asked for. Written is things sent to the peer, and Read is stuff
// received from them.
type ConnStats struct {
	// Total bytes on the wire. Includes handshakes.
	BytesWritten     count
	BytesWrittenData count

	BytesRead           count
	BytesReadData       count
	BytesReadUsefulData count

	ChunksWritten count

	ChunksRead            count
	ChunksReadUseful      count
	ChunksReadWasted      count
	ChunksReadUnsolicited count

	// Number of pieces data was written to, that subsequently passed verification.
	PiecesDirtiedGood count
	// Number of pieces data was written to, that subsequently failed verification. Note that a
	// connection may not have been the sole dirtier of a piece.
	PiecesDirtiedBad count
}

// Copy returns a copy of the connection stats.
func (t *ConnStats) Copy() (ret ConnStats) {
	for i := 0; i < reflect.TypeOf(ConnStats{}).NumField(); i++ {
		n := reflect.ValueOf(t).Elem().Field(i).Addr().Interface().(*count).Int64()
		reflect.ValueOf(&ret).Elem().Field(i).Addr().Interface().(*count).Add(n)
	}
	return
}

type count struct {
	n int64
}

var _ fmt.Stringer = (*count)(nil)

func (t *count) Add(n int64) {
	atomic.AddInt64(&t.n, n)
}

func (t *count) Int64() int64 {
	return atomic.LoadInt64(&t.n)
}

func (t *count) String() string {
	return fmt.Sprintf("%v", t.Int64())
}

func (t *count) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Int64())
}

func (t *ConnStats) wroteMsg(msg *pp.Message) {
	switch msg.Type {
	case pp.Piece:
		t.ChunksWritten.Add(1)
		t.BytesWrittenData.Add(int64(len(msg.Piece)))
	}
}

func (t *ConnStats) readMsg(msg *pp.Message) {
	switch msg.Type {
	case pp.Piece:
		t.ChunksRead.Add(1)
		t.BytesReadData.Add(int64(len(msg.Piece)))
	}
}

// Applies f to each of the stats, which are usually the connection's and its torrent's.
func allStats(f func(*ConnStats), stats ...*ConnStats) {
	for _, s := range stats {
		f(s)
	}
}

func add(n int64, f func(*ConnStats) *count) func(*ConnStats) {
	return func(cs *ConnStats) {
		p := f(cs)
		p.Add(n)
	}
}

type connStatsReadWriter struct {
	rw io.ReadWriter
	c  *PeerConn
}

func (me connStatsReadWriter) Write(b []byte) (n int, err error) {
	n, err = me.rw.Write(b)
	me.c.allStats(add(int64(n), func(cs *ConnStats) *count { return &cs.BytesWritten }))
	return
}

func (me connStatsReadWriter) Read(b []byte) (n int, err error) {
	n, err = me.rw.Read(b)
	me.c.allStats(add(int64(n), func(cs *ConnStats) *count { return &cs.BytesRead }))
	return
}

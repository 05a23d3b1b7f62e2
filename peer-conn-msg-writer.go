package tsunami

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	pp "github.com/anacrolix/tsunami/peer_protocol"
)

// Most bytes buffered before the uploader stops queueing more block data.
const writeBufferHighWaterLen = 1 << 15

type peerConnMsgWriter struct {
	// Called from the writer goroutine without the buffer lock held, as it calls back into write.
	fillWriteBuffer func()
	closed          *chansync.SetOnce
	logger          log.Logger
	w               io.Writer
	keepAlive       func() bool
	wroteMsg        func(*pp.Message)

	mu        sync.Mutex
	writeCond chansync.BroadcastCond
	// Pointer so we can swap with the "front buffer".
	writeBuffer *bytes.Buffer
}

// Routine that writes to the peer. Most of what to write is posted by the coordinator, and block
// data is filled in locally when the connection is writable. Returns the write error that ended
// it, or nil if the connection closed.
func (cn *peerConnMsgWriter) run(keepAliveTimeout time.Duration) error {
	lastWrite := time.Now()
	keepAliveTimer := time.NewTimer(keepAliveTimeout)
	defer keepAliveTimer.Stop()
	frontBuf := new(bytes.Buffer)
	for {
		if cn.closed.IsSet() {
			return nil
		}
		if cn.fillWriteBuffer != nil {
			cn.fillWriteBuffer()
		}
		keepAlive := cn.keepAlive == nil || cn.keepAlive()
		cn.mu.Lock()
		if cn.writeBuffer.Len() == 0 && time.Since(lastWrite) >= keepAliveTimeout && keepAlive {
			cn.writeToBuffer(pp.Message{Keepalive: true})
			postedKeepalives.Add(1)
		}
		if cn.writeBuffer.Len() == 0 {
			writeCond := cn.writeCond.Signaled()
			cn.mu.Unlock()
			select {
			case <-cn.closed.Done():
			case <-writeCond:
			case <-keepAliveTimer.C:
				keepAliveTimer.Reset(keepAliveTimeout)
			}
			continue
		}
		// Flip the buffers.
		frontBuf, cn.writeBuffer = cn.writeBuffer, frontBuf
		cn.mu.Unlock()
		_, err := frontBuf.WriteTo(cn.w)
		if err != nil {
			cn.logger.Levelf(log.Debug, "error writing: %v", err)
			return err
		}
		lastWrite = time.Now()
		if !keepAliveTimer.Stop() {
			select {
			case <-keepAliveTimer.C:
			default:
			}
		}
		keepAliveTimer.Reset(keepAliveTimeout)
	}
}

// Appends the message to the outgoing buffer. Returns false if the buffer is full enough that the
// caller should wait before writing more.
func (cn *peerConnMsgWriter) write(msg pp.Message) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.writeToBuffer(msg)
	cn.writeCond.Broadcast()
	return !cn.writeBufferFull()
}

// Writes msg only if ok reports true with the buffer locked, so the check is ordered with other
// writes.
func (cn *peerConnMsgWriter) writeIf(ok func() bool, msg pp.Message) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if !ok() {
		return false
	}
	cn.writeToBuffer(msg)
	cn.writeCond.Broadcast()
	return true
}

func (cn *peerConnMsgWriter) writeToBuffer(msg pp.Message) {
	length, err := msg.GetDataLength()
	if err != nil {
		panic(err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(length))
	cn.writeBuffer.Write(prefix[:])
	if !msg.Keepalive {
		_, err = msg.WriteTo(cn.writeBuffer)
		if err != nil {
			panic(err)
		}
		messageTypesSent.Add(msg.Type.String(), 1)
	}
	if cn.wroteMsg != nil {
		cn.wroteMsg(&msg)
	}
}

func (cn *peerConnMsgWriter) writeBufferFull() bool {
	return cn.writeBuffer.Len() >= writeBufferHighWaterLen
}

func (cn *peerConnMsgWriter) bufferFull() bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.writeBufferFull()
}

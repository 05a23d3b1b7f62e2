package peer_protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

var ErrMessageTooLong = errors.New("message too long")

type Decoder struct {
	R *bufio.Reader
	// This must return *[]byte where the slices can fit data for piece messages. We store *[]byte
	// in the pool to avoid an extra allocation every time the slice goes back into the pool. The
	// chunk size should not change for the life of the decoder.
	Pool *sync.Pool
	// The largest acceptable value of the length prefix. Frames beyond it are rejected before any
	// of the payload is read.
	MaxLength Integer
}

// io.EOF is returned if the source terminates cleanly on a message boundary.
func (d *Decoder) Decode(msg *Message) (err error) {
	var length Integer
	err = length.Read(d.R)
	if err != nil {
		if err == io.EOF {
			return err
		}
		return fmt.Errorf("reading message length: %w", err)
	}
	if length > d.MaxLength {
		return errors.Wrapf(ErrMessageTooLong, "length %d exceeds %d", length, d.MaxLength)
	}
	if length == 0 {
		msg.Keepalive = true
		return
	}
	msg.Keepalive = false
	r := d.R
	// From this point onwards, EOF is unexpected
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	c, err := r.ReadByte()
	if err != nil {
		return
	}
	length--
	msg.Type = MessageType(c)
	if !msg.Type.Known() {
		// Consume the frame so the error is about content and not a desynchronized stream.
		_, _ = r.Discard(int(length))
		return fmt.Errorf("unknown message type %#v", c)
	}
	if fixed := msg.Type.fixedPayloadLen(); fixed >= 0 && int(length) != fixed {
		return fmt.Errorf("%v payload has length %d, expected %d", msg.Type, length, fixed)
	}
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		err = msg.Index.Read(r)
	case Request, Cancel:
		for _, data := range []*Integer{&msg.Index, &msg.Begin, &msg.Length} {
			err = data.Read(r)
			if err != nil {
				break
			}
		}
	case Bitfield:
		b := make([]byte, length)
		_, err = io.ReadFull(r, b)
		msg.Bitfield = unmarshalBitfield(b)
	case Piece:
		if length < 8 {
			return fmt.Errorf("piece message payload too short: %d", length)
		}
		for _, pi := range []*Integer{&msg.Index, &msg.Begin} {
			err = pi.Read(r)
			if err != nil {
				return
			}
		}
		dataLen := int64(length - 8)
		if d.Pool == nil {
			msg.Piece = make([]byte, dataLen)
		} else {
			msg.Piece = *d.Pool.Get().(*[]byte)
			if int64(cap(msg.Piece)) < dataLen {
				return errors.New("piece data longer than expected")
			}
			msg.Piece = msg.Piece[:dataLen]
		}
		_, err = io.ReadFull(r, msg.Piece)
	case Port:
		err = binary.Read(r, binary.BigEndian, &msg.Port)
	default:
		panic(msg.Type)
	}
	return
}

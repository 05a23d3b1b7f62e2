package peer_protocol

import (
	"bufio"
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"
	"io"
)

// This is a lazy union representing all the possible fields for messages. The Type determines
// which fields are meaningful, and every consumer switches over it exhaustively. Fields are
// ordered to minimize struct size and padding.
type Message struct {
	Piece                []byte
	Bitfield             []bool
	Index, Begin, Length Integer
	Port                 uint16
	Type                 MessageType
	Keepalive            bool
}

var _ interface {
	encoding.BinaryUnmarshaler
	encoding.BinaryMarshaler
} = (*Message)(nil)

// Identifies a block within a piece. Also used as the key for requests in flight.
type RequestSpec struct {
	Index, Begin, Length Integer
}

func (me RequestSpec) String() string {
	return fmt.Sprintf("{%d %d %d}", me.Index, me.Begin, me.Length)
}

func (me RequestSpec) ToMsg(mt MessageType) Message {
	return Message{
		Type:   mt,
		Index:  me.Index,
		Begin:  me.Begin,
		Length: me.Length,
	}
}

func MakeCancelMessage(piece, offset, length Integer) Message {
	return Message{
		Type:   Cancel,
		Index:  piece,
		Begin:  offset,
		Length: length,
	}
}

func MakeHaveMessage(piece Integer) Message {
	return Message{
		Type:  Have,
		Index: piece,
	}
}

func (msg Message) RequestSpec() (ret RequestSpec) {
	return RequestSpec{
		msg.Index,
		msg.Begin,
		func() Integer {
			if msg.Type == Piece {
				return Integer(len(msg.Piece))
			} else {
				return msg.Length
			}
		}(),
	}
}

func (msg Message) String() string {
	if msg.Keepalive {
		return "Keepalive"
	}
	switch msg.Type {
	case Have:
		return fmt.Sprintf("Have(%d)", msg.Index)
	case Request, Cancel:
		return fmt.Sprintf("%v%v", msg.Type, msg.RequestSpec())
	case Piece:
		return fmt.Sprintf("Piece%v", msg.RequestSpec())
	case Bitfield:
		return fmt.Sprintf("Bitfield(%d bits)", len(msg.Bitfield))
	case Port:
		return fmt.Sprintf("Port(%d)", msg.Port)
	default:
		return msg.Type.String()
	}
}

func (msg Message) MustMarshalBinary() []byte {
	b, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// Writes the message body, without the length prefix.
func (msg Message) WriteTo(w io.Writer) (n int64, err error) {
	dw := newDataWriter(w)
	defer func() {
		n = dw.GetBytesWritten()
	}()

	err = dw.WriteByte(byte(msg.Type))
	if err != nil {
		return
	}

	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		err = dw.BinaryWrite(binary.BigEndian, msg.Index)
	case Request, Cancel:
		for _, i := range []Integer{msg.Index, msg.Begin, msg.Length} {
			err = dw.BinaryWrite(binary.BigEndian, i)
			if err != nil {
				break
			}
		}
	case Bitfield:
		_, err = dw.Write(marshalBitfield(msg.Bitfield))
	case Piece:
		for _, i := range []Integer{msg.Index, msg.Begin} {
			err = dw.BinaryWrite(binary.BigEndian, i)
			if err != nil {
				return
			}
		}
		var written int
		written, err = dw.Write(msg.Piece)
		if err != nil {
			break
		}
		if written != len(msg.Piece) {
			panic(written)
		}
	case Port:
		err = dw.BinaryWrite(binary.BigEndian, msg.Port)
	default:
		err = fmt.Errorf("unknown message type: %v", msg.Type)
	}
	return
}

const (
	msgTypeLen  = 1 // byte
	msgIndexLen = 4 // uint32
	msgBeginLen = 4 // uint32
	msgPortLen  = 2 // uint16
)

// The value of the length prefix for this message.
func (msg Message) GetDataLength() (length int, err error) {
	if msg.Keepalive {
		return
	}
	length += msgTypeLen
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		length += msgIndexLen
	case Request, Cancel:
		length += msgIndexLen + msgBeginLen + msgBeginLen
	case Bitfield:
		length += (len(msg.Bitfield) + 7) / 8
	case Piece:
		length += msgIndexLen + msgBeginLen + len(msg.Piece)
	case Port:
		length += msgPortLen
	default:
		err = fmt.Errorf("unknown message type: %v", msg.Type)
	}
	return
}

func (msg Message) MarshalBinary() (data []byte, err error) {
	length, err := msg.GetDataLength()
	if err != nil {
		return
	}
	buf := bytes.NewBuffer(make([]byte, 4, 4+length))
	binary.BigEndian.PutUint32(buf.Bytes(), uint32(length))
	if !msg.Keepalive {
		_, err = msg.WriteTo(buf)
		if err != nil {
			return
		}
	}
	data = buf.Bytes()
	if len(data) != 4+length {
		panic("bad marshalled length")
	}
	return
}

func marshalBitfield(bf []bool) (b []byte) {
	b = make([]byte, (len(bf)+7)/8)
	for i, have := range bf {
		if !have {
			continue
		}
		c := b[i/8]
		c |= 1 << uint(7-i%8)
		b[i/8] = c
	}
	return
}

func unmarshalBitfield(b []byte) (bf []bool) {
	bf = make([]bool, 0, len(b)*8)
	for _, c := range b {
		for i := 7; i >= 0; i-- {
			bf = append(bf, (c>>uint(i))&1 == 1)
		}
	}
	return
}

func (me *Message) UnmarshalBinary(b []byte) error {
	d := Decoder{
		R:         bufio.NewReader(bytes.NewReader(b)),
		MaxLength: Integer(len(b)),
	}
	err := d.Decode(me)
	if err != nil {
		return err
	}
	if d.R.Buffered() != 0 {
		return fmt.Errorf("%d trailing bytes", d.R.Buffered())
	}
	return nil
}

type dataWriter struct {
	writer io.Writer
	n      int64
}

func (d *dataWriter) BinaryWrite(order binary.ByteOrder, data any) error {
	err := binary.Write(d.writer, order, data)
	if err != nil {
		return err
	}
	d.n += int64(binary.Size(data))
	return nil
}

func (d *dataWriter) Write(bytes []byte) (int, error) {
	n, err := d.writer.Write(bytes)
	d.n += int64(n)
	return n, err
}

func (d *dataWriter) WriteByte(b byte) error {
	_, err := d.Write([]byte{b})
	return err
}

func (d *dataWriter) GetBytesWritten() int64 {
	return d.n
}

func newDataWriter(writer io.Writer) *dataWriter {
	return &dataWriter{writer, 0}
}

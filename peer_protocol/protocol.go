package peer_protocol

import (
	"fmt"
)

const (
	Protocol = "\x13BitTorrent protocol"

	// The largest block a peer may ask for or send. Requests for more are refused by every
	// mainstream client.
	MaxBlockSize = 1 << 14
)

type MessageType byte

// BitTorrent v1 message ids, http://www.bittorrent.org/beps/bep_0003.html.
const (
	Choke         MessageType = iota
	Unchoke                   // 1
	Interested                // 2
	NotInterested             // 3
	Have                      // 4
	Bitfield                  // 5
	Request                   // 6
	Piece                     // 7
	Cancel                    // 8
	Port                      // 9
)

var messageTypeNames = [...]string{
	Choke:         "Choke",
	Unchoke:       "Unchoke",
	Interested:    "Interested",
	NotInterested: "NotInterested",
	Have:          "Have",
	Bitfield:      "Bitfield",
	Request:       "Request",
	Piece:         "Piece",
	Cancel:        "Cancel",
	Port:          "Port",
}

func (mt MessageType) String() string {
	if int(mt) < len(messageTypeNames) {
		return messageTypeNames[mt]
	}
	return fmt.Sprintf("MessageType(%d)", byte(mt))
}

// Whether the type is one this package can frame.
func (mt MessageType) Known() bool {
	return mt <= Port
}

// The exact payload length (excluding the type byte) for fixed size messages, or -1 when the
// payload is variable.
func (mt MessageType) fixedPayloadLen() int {
	switch mt {
	case Choke, Unchoke, Interested, NotInterested:
		return 0
	case Have:
		return 4
	case Request, Cancel:
		return 12
	case Port:
		return 2
	default:
		return -1
	}
}

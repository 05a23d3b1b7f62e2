package tsunami

import (
	"encoding/hex"
	"math/rand/v2"
)

type PeerID [20]byte

func (me PeerID) String() string {
	if me[0] == '-' && me[7] == '-' {
		return string(me[:8]) + hex.EncodeToString(me[8:])
	}
	return hex.EncodeToString(me[:])
}

const peerIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Returns the prefix followed by random alphanumerics. A prefix longer than a peer ID is
// truncated.
func NewPeerID(prefix string) (ret PeerID) {
	n := copy(ret[:], prefix)
	for i := n; i < len(ret); i++ {
		ret[i] = peerIDAlphabet[rand.IntN(len(peerIDAlphabet))]
	}
	return
}

func (cfg *Config) peerID() (ret PeerID) {
	if cfg.PeerID != "" {
		copy(ret[:], cfg.PeerID)
		return
	}
	return NewPeerID(cfg.Bep20)
}

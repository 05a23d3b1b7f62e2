package peer_protocol

import (
	"testing"

	qt "github.com/go-quicktest/qt"
)

func TestExtensionBitLocations(t *testing.T) {
	var bits PeerExtensionBits
	bits.SetBit(ExtensionBitFast, true)
	qt.Assert(t, qt.Equals(bits[7], byte(0x04)))
	bits.SetBit(ExtensionBitLtep, true)
	qt.Assert(t, qt.Equals(bits[5], byte(0x10)))
	qt.Assert(t, qt.IsTrue(bits.SupportsExtended()))
	qt.Assert(t, qt.IsFalse(bits.SupportsDHT()))
	bits.SetBit(ExtensionBitFast, false)
	qt.Assert(t, qt.IsFalse(bits.SupportsFast()))
}

func TestExtensionBitsString(t *testing.T) {
	bits := NewPeerExtensionBytes(ExtensionBitDht, ExtensionBitLtep)
	bits[0] = 0x80
	qt.Check(t, qt.Equals(bits.String(), "8000000000100001 (ltep, dht, 1 unknown)"))
}

// Package smartban remembers which peer sent which version of each block of a piece that failed
// its hash check. Once the piece verifies, the peers whose blocks differ from the good data are
// known to have sent bad data.
package smartban

import (
	"iter"
	"slices"

	g "github.com/anacrolix/generics"
)

// Not safe for concurrent use.
type Cache[Peer, BlockKey, Hash comparable] struct {
	Hash func([]byte) Hash

	blocks map[BlockKey][]peerAndHash[Peer, Hash]
}

type Block[Key any] struct {
	Key  Key
	Data []byte
}

type peerAndHash[Peer, Hash any] struct {
	Peer Peer
	Hash Hash
}

func (me *Cache[Peer, BlockKey, Hash]) Init() {
	g.MakeMap(&me.blocks)
}

func (me *Cache[Peer, BlockKey, Hash]) RecordBlock(peer Peer, key BlockKey, data []byte) {
	item := peerAndHash[Peer, Hash]{peer, me.Hash(data)}
	peers := me.blocks[key]
	if slices.Contains(peers, item) {
		return
	}
	me.blocks[key] = append(peers, item)
}

// Returns the peers that sent something other than data for the block.
func (me *Cache[Peer, BlockKey, Hash]) CheckBlock(key BlockKey, data []byte) (bad []Peer) {
	records := me.blocks[key]
	if len(records) == 0 {
		return
	}
	correct := me.Hash(data)
	for _, item := range records {
		if item.Hash != correct && !slices.Contains(bad, item.Peer) {
			bad = append(bad, item.Peer)
		}
	}
	return
}

// Checks every block and forgets them. Each bad peer is returned once.
func (me *Cache[Peer, BlockKey, Hash]) CheckBlocks(blocks iter.Seq[Block[BlockKey]]) (bad []Peer) {
	for b := range blocks {
		for _, p := range me.CheckBlock(b.Key, b.Data) {
			if !slices.Contains(bad, p) {
				bad = append(bad, p)
			}
		}
		delete(me.blocks, b.Key)
	}
	return
}

func (me *Cache[Peer, BlockKey, Hash]) ForgetBlockSeq(seq iter.Seq[BlockKey]) {
	if len(me.blocks) == 0 {
		return
	}
	for key := range seq {
		delete(me.blocks, key)
	}
}

// Returns whether any block in the sequence has at least one peer recorded.
func (me *Cache[Peer, BlockKey, Hash]) HasPeerForBlocks(seq iter.Seq[BlockKey]) bool {
	if len(me.blocks) == 0 {
		return false
	}
	for key := range seq {
		if len(me.blocks[key]) != 0 {
			return true
		}
	}
	return false
}

// Stops tracking a peer, such as once it's banned by other means.
func (me *Cache[Peer, BlockKey, Hash]) ForgetPeer(peer Peer) {
	for key, records := range me.blocks {
		records = slices.DeleteFunc(records, func(item peerAndHash[Peer, Hash]) bool {
			return item.Peer == peer
		})
		if len(records) == 0 {
			delete(me.blocks, key)
		} else {
			me.blocks[key] = records
		}
	}
}

func (me *Cache[Peer, BlockKey, Hash]) HasBlocks() bool {
	return len(me.blocks) != 0
}

package requestStrategy

import (
	"github.com/anacrolix/multiless"

	pp "github.com/anacrolix/tsunami/peer_protocol"
)

type (
	// A block of a piece: index, offset and length as they appear in request, piece and cancel
	// messages.
	Request    = pp.RequestSpec
	pieceIndex = int
)

// Rarest first, then lowest index.
func pieceOrderLess(i, j *PieceRequestOrderItem) multiless.Computation {
	return multiless.New().Int(
		i.State.Availability, j.State.Availability,
	).Int(
		i.Key, j.Key,
	)
}

package tsunami

import (
	"expvar"
)

// Process-wide counters. Per-torrent figures are in Torrent.Stats.
var (
	torrent = expvar.NewMap("tsunami")

	pieceHashedCorrect    = expvar.NewInt("pieceHashedCorrect")
	pieceHashedNotCorrect = expvar.NewInt("pieceHashedNotCorrect")

	successfulDials   = expvar.NewInt("dialSuccessful")
	unsuccessfulDials = expvar.NewInt("dialUnsuccessful")

	// Count of connections to peer with same client ID.
	connsToSelf        = expvar.NewInt("connsToSelf")
	receivedKeepalives = expvar.NewInt("receivedKeepalives")
	postedKeepalives   = expvar.NewInt("postedKeepalives")
	// Requests received for pieces we don't have.
	requestsReceivedForMissingPieces = expvar.NewInt("requestsReceivedForMissingPieces")
	chunksReceivedUnsolicited        = expvar.NewInt("chunksReceivedUnsolicited")
	chunksReceivedWasted             = expvar.NewInt("chunksReceivedWasted")

	messageTypesReceived = expvar.NewMap("messageTypesReceived")
	messageTypesSent     = expvar.NewMap("messageTypesSent")
)

/*
Package tsunami implements the BitTorrent swarm engine for a single torrent whose metainfo is
already known: peer wire sessions, rarest-first block scheduling, tit-for-tat choking, piece
verification and peer banning.

Simple example:

	t, _ := tsunami.NewTorrent(tsunami.NewTorrentOpts{Manifest: &mi.Manifest})
	t.AddPeers(netip.MustParseAddrPort("192.0.2.1:6881"))
	err := t.Run(ctx)

Peer discovery is supplied by the caller through Discovery, or with AddPeers. Connections from
peers are handed over with AcceptConn or Serve.
*/
package tsunami

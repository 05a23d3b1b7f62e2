package tsunami

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/anacrolix/log"

	"github.com/anacrolix/tsunami/metainfo"
)

// Where peers come from, such as a tracker or DHT. Implementations live outside this module.
type Discovery interface {
	// Addresses to try. Read until closed or the torrent stops.
	Peers() <-chan netip.AddrPort
	// Reports our progress. Called on start, every AnnounceInterval, on completion, and on stop.
	Announce(ctx context.Context, req AnnounceRequest) error
}

type AnnounceEvent int

const (
	AnnounceNone AnnounceEvent = iota
	AnnounceStarted
	AnnounceCompleted
	AnnounceStopped
)

func (me AnnounceEvent) String() string {
	switch me {
	case AnnounceNone:
		return "none"
	case AnnounceStarted:
		return "started"
	case AnnounceCompleted:
		return "completed"
	case AnnounceStopped:
		return "stopped"
	default:
		return fmt.Sprintf("AnnounceEvent(%d)", int(me))
	}
}

type AnnounceRequest struct {
	InfoHash   metainfo.Hash
	PeerID     PeerID
	Event      AnnounceEvent
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// Bounds the final announce, which runs after the torrent's context is done.
const announceStoppedTimeout = 5 * time.Second

func (t *Torrent) announceRequest(event AnnounceEvent) AnnounceRequest {
	return AnnounceRequest{
		InfoHash:   t.infoHash,
		PeerID:     t.peerID,
		Event:      event,
		Uploaded:   t.connStats.BytesWrittenData.Int64(),
		Downloaded: t.connStats.BytesReadUsefulData.Int64(),
		Left:       t.manifest.TotalLength - t.bytesCompleted,
	}
}

// Queues an announce without waiting for it.
func (t *Torrent) announce(event AnnounceEvent) {
	select {
	case t.announces <- t.announceRequest(event):
	default:
		t.logger.Levelf(log.Debug, "dropped %v announce, announcer busy", event)
	}
}

func (t *Torrent) runAnnouncer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-t.announces:
			err := t.discovery.Announce(ctx, req)
			if err != nil && ctx.Err() == nil {
				t.logger.Levelf(log.Warning, "announcing %v: %v", req.Event, err)
			}
		}
	}
}

func (t *Torrent) announceStopped(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), announceStoppedTimeout)
	defer cancel()
	err := t.discovery.Announce(ctx, t.announceRequest(AnnounceStopped))
	if err != nil {
		t.logger.Levelf(log.Warning, "announcing stopped: %v", err)
	}
}

func (t *Torrent) feedDiscoveredPeers(ctx context.Context) error {
	peers := t.discovery.Peers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case addr, ok := <-peers:
			if !ok {
				return nil
			}
			t.AddPeers(addr)
		}
	}
}

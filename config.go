package tsunami

import (
	"context"
	"net"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	pp "github.com/anacrolix/tsunami/peer_protocol"
	requestStrategy "github.com/anacrolix/tsunami/request-strategy"
)

// Probably not safe to modify this after it's given to a Torrent, or to share it between Torrents.
type Config struct {
	// Outstanding requests per healthy peer.
	PipelineDepth int `arg:"--pipeline-depth" help:"outstanding block requests per peer"`
	// Bytes per requested block. Peers disconnect on requests above 16 KiB.
	BlockSize int `arg:"-"`
	// Requests outstanding longer than this are released to be fetched elsewhere.
	RequestTimeout time.Duration `arg:"--request-timeout"`
	// Consecutive request timeouts after which a peer gets a reduced pipeline.
	StallThreshold int `arg:"-"`
	// Peers requesting the same block at once in endgame.
	EndgameDuplicates int `arg:"--endgame-duplicates"`
	// Bytes of pieces started but not yet verified. Zero for no limit.
	MaxUnverifiedBytes int64 `arg:"-"`

	ChokeInterval time.Duration `arg:"-"`
	// Choke rounds between changes of the optimistic unchoke.
	OptimisticRotation int `arg:"-"`
	UploadSlots        int `arg:"--upload-slots"`

	// Limit how long handshake can take. This is to reduce the lingering impact of a few bad
	// apples.
	HandshakeTimeout time.Duration `arg:"-"`
	// How long between writes before sending a keep alive message.
	KeepAliveTimeout time.Duration `arg:"-"`
	// Connections that send nothing for this long are closed.
	IdleTimeout  time.Duration `arg:"-"`
	WriteTimeout time.Duration `arg:"-"`
	// Protocol violations tolerated per connection.
	MaxProtocolAnomalies int `arg:"-"`
	// Failed pieces attributed to an address before it's banned.
	CorruptionStrikes int `arg:"-"`

	MaxEstablishedConns int           `arg:"--max-conns"`
	HalfOpenConns       int           `arg:"--half-open"`
	DialTimeout         time.Duration `arg:"-"`
	// Used to connect to peers. Defaults to a net.Dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error) `arg:"-"`

	AnnounceInterval time.Duration `arg:"-"`
	// Pieces hashed concurrently.
	PieceHashers int `arg:"--piece-hashers"`
	// Span of the rolling transfer rate windows.
	RateWindow time.Duration `arg:"-"`
	// A downloading torrent that accepts no data for this long reports itself stalled.
	StalledAfter time.Duration `arg:"-"`
	// Run gives up with ErrStalled after being stalled this long. Zero waits forever.
	GiveUpAfter time.Duration `arg:"--give-up-after"`

	// Only applies to blocks uploaded to peers. Each limiter token represents one byte. If the
	// limit is not Inf and burst is left at 0, a burst fitting a whole block is chosen.
	UploadRateLimiter *rate.Limiter `arg:"-"`
	// Rate limits all reads from peer connections. Nil means no limit.
	DownloadRateLimiter *rate.Limiter `arg:"-"`

	// User-provided peer ID. If not present, one is generated from Bep20.
	PeerID string `arg:"--peer-id"`
	// Peer ID client identifier prefix.
	Bep20      string               `arg:"-"`
	Extensions pp.PeerExtensionBits `arg:"-"`

	Logger log.Logger `arg:"-"`
	// Log protocol chatter.
	Debug bool `arg:"--debug" help:"enable debug logging"`
}

const defaultBep20Prefix = "-TS0001-"

var unlimited = rate.NewLimiter(rate.Inf, 0)

func NewDefaultConfig() *Config {
	return &Config{
		PipelineDepth:        10,
		BlockSize:            pp.MaxBlockSize,
		RequestTimeout:       30 * time.Second,
		StallThreshold:       3,
		EndgameDuplicates:    2,
		MaxUnverifiedBytes:   64 << 20,
		ChokeInterval:        10 * time.Second,
		OptimisticRotation:   3,
		UploadSlots:          4,
		HandshakeTimeout:     4 * time.Second,
		KeepAliveTimeout:     time.Minute,
		IdleTimeout:          2 * time.Minute,
		WriteTimeout:         30 * time.Second,
		MaxProtocolAnomalies: 3,
		CorruptionStrikes:    2,
		MaxEstablishedConns:  50,
		HalfOpenConns:        25,
		DialTimeout:          20 * time.Second,
		AnnounceInterval:     30 * time.Minute,
		PieceHashers:         2,
		RateWindow:           20 * time.Second,
		StalledAfter:         time.Minute,
		UploadRateLimiter:    unlimited,
		Bep20:                defaultBep20Prefix,
		Logger:               log.Default.WithNames("tsunami"),
	}
}

func (cfg *Config) schedulerConfig() requestStrategy.Config {
	return requestStrategy.Config{
		PipelineDepth:      cfg.PipelineDepth,
		BlockSize:          cfg.BlockSize,
		EndgameDuplicates:  cfg.EndgameDuplicates,
		RequestTimeout:     cfg.RequestTimeout,
		StallThreshold:     cfg.StallThreshold,
		MaxUnverifiedBytes: cfg.MaxUnverifiedBytes,
	}
}

func (cfg *Config) dialContext() func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cfg.DialContext != nil {
		return cfg.DialContext
	}
	var d net.Dialer
	return d.DialContext
}

func (cfg *Config) setRateLimiterBursts() {
	if cfg.UploadRateLimiter == nil {
		cfg.UploadRateLimiter = unlimited
	}
	setRateLimiterBurstIfZero(cfg.UploadRateLimiter, pp.MaxBlockSize)
	if cfg.DownloadRateLimiter != nil {
		setRateLimiterBurstIfZero(cfg.DownloadRateLimiter, defaultDownloadRateLimiterBurst)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/anacrolix/tsunami"
	"github.com/anacrolix/tsunami/metainfo"
	"github.com/anacrolix/tsunami/storage"
)

type downloadCmd struct {
	tsunami.Config
	Torrent      string     `arg:"positional,required" help:"path of the .torrent file"`
	DataDir      string     `arg:"--data-dir" help:"where the torrent's files go"`
	Listen       string     `arg:"--listen" help:"address to accept peer connections on"`
	Peer         []string   `arg:"--peer,separate" help:"peer address to connect to"`
	UploadRate   *byteCount `arg:"--upload-rate" help:"max upload bytes per second"`
	DownloadRate *byteCount `arg:"--download-rate" help:"max download bytes per second"`
	MetricsAddr  string     `arg:"--metrics-addr" help:"serve prometheus metrics on this address"`
	Seed         bool       `help:"keep seeding once complete"`
	Quiet        bool       `help:"no logging or progress output"`
}

func resolvePeers(addrs []string) (ret []netip.AddrPort, err error) {
	for _, s := range addrs {
		ap, parseErr := netip.ParseAddrPort(s)
		if parseErr != nil {
			tcpAddr, resolveErr := net.ResolveTCPAddr("tcp", s)
			if resolveErr != nil {
				return nil, fmt.Errorf("resolving peer %q: %w", s, resolveErr)
			}
			ap = tcpAddr.AddrPort()
		}
		ret = append(ret, ap)
	}
	return
}

func downloadErr(cmd *downloadCmd) error {
	mi, err := metainfo.LoadFile(cmd.Torrent)
	if err != nil {
		return fmt.Errorf("loading torrent file %q: %w", cmd.Torrent, err)
	}
	peers, err := resolvePeers(cmd.Peer)
	if err != nil {
		return err
	}
	st, err := storage.NewFile(cmd.DataDir, &mi.Manifest)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer st.Close()
	cfg := cmd.Config
	if cmd.UploadRate != nil {
		cfg.UploadRateLimiter = rate.NewLimiter(rate.Limit(*cmd.UploadRate), 256<<10)
	}
	if cmd.DownloadRate != nil {
		cfg.DownloadRateLimiter = rate.NewLimiter(rate.Limit(*cmd.DownloadRate), 1<<20)
	}
	if cmd.Quiet {
		cfg.Logger = quietLogger(log.Default)
	}
	t, err := tsunami.NewTorrent(tsunami.NewTorrentOpts{
		Manifest: &mi.Manifest,
		Storage:  st,
		Config:   &cfg,
	})
	if err != nil {
		return fmt.Errorf("creating torrent: %w", err)
	}
	defer t.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cmd.Listen != "" {
		l, err := net.Listen("tcp", cmd.Listen)
		if err != nil {
			return fmt.Errorf("listening: %w", err)
		}
		log.Printf("accepting peers on %v", l.Addr())
		go func() {
			err := t.Serve(ctx, l)
			if err != nil && ctx.Err() == nil {
				log.Default.Levelf(log.Error, "serving: %v", err)
			}
		}()
	}
	if cmd.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(statsCollector{t})
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cmd.MetricsAddr, Handler: mux}
		go func() {
			err := srv.ListenAndServe()
			if !errors.Is(err, http.ErrServerClosed) {
				log.Default.Levelf(log.Error, "serving metrics: %v", err)
			}
		}()
		defer srv.Close()
	}
	t.AddPeers(peers...)

	go torrentBar(ctx, t, mi.Name, !cmd.Quiet, func() {
		if !cmd.Seed {
			cancel()
		}
	})
	err = t.Run(ctx)
	stats := t.Stats()
	if !cmd.Quiet {
		outputStats(stats)
	}
	if stats.BytesLeft == 0 && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Drops everything, whatever the level.
func quietLogger(l log.Logger) log.Logger {
	return l.WithFilterLevel(log.Disabled)
}

// Prints progress every second. Calls complete once every piece is in.
func torrentBar(ctx context.Context, t *tsunami.Torrent, name string, print bool, complete func()) {
	start := time.Now()
	var lastLine string
	completed := false
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stats := t.Stats()
		line := fmt.Sprintf(
			"%v: %v %q: %s/%s, %d/%d pieces, %d peers: %v/s down, %v/s up\n",
			time.Since(start).Truncate(time.Second),
			stats.State,
			name,
			humanize.Bytes(uint64(stats.BytesCompleted)),
			humanize.Bytes(uint64(stats.BytesCompleted+stats.BytesLeft)),
			stats.PiecesComplete,
			stats.PiecesTotal,
			stats.ActivePeers,
			humanize.Bytes(uint64(stats.DownloadRate)),
			humanize.Bytes(uint64(stats.UploadRate)),
		)
		if print && line != lastLine {
			lastLine = line
			os.Stdout.WriteString(line)
		}
		if !completed && stats.BytesLeft == 0 {
			completed = true
			complete()
		}
	}
}

func outputStats(stats tsunami.TorrentStats) {
	fmt.Printf("%s read, %s useful, %s written\n",
		humanize.Bytes(uint64(stats.BytesRead.Int64())),
		humanize.Bytes(uint64(stats.BytesReadUsefulData.Int64())),
		humanize.Bytes(uint64(stats.BytesWritten.Int64())),
	)
	fmt.Printf("%d hash failures, %d peers banned\n", stats.HashFailures, stats.BannedPeers)
}

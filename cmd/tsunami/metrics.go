package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anacrolix/tsunami"
)

var (
	piecesCompleteDesc = prometheus.NewDesc("tsunami_pieces_complete", "Pieces verified and stored.", nil, nil)
	bytesLeftDesc      = prometheus.NewDesc("tsunami_bytes_left", "Bytes still to be verified.", nil, nil)
	peersDesc          = prometheus.NewDesc("tsunami_peers", "Peer connections by state.", []string{"state"}, nil)
	bytesDesc          = prometheus.NewDesc("tsunami_bytes_total", "Bytes transferred on peer connections.", []string{"direction", "kind"}, nil)
	hashFailuresDesc   = prometheus.NewDesc("tsunami_hash_failures_total", "Pieces that failed verification.", nil, nil)
	rateDesc           = prometheus.NewDesc("tsunami_rate_bytes", "Rolling transfer rate in bytes per second.", []string{"direction"}, nil)
	inFlightDesc       = prometheus.NewDesc("tsunami_requests_in_flight", "Distinct blocks requested and not yet received.", nil, nil)
)

// Exposes a torrent's stats snapshot.
type statsCollector struct {
	t *tsunami.Torrent
}

func (me statsCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(me, ch)
}

func (me statsCollector) Collect(ch chan<- prometheus.Metric) {
	s := me.t.Stats()
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	counter := func(desc *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	gauge(piecesCompleteDesc, float64(s.PiecesComplete))
	gauge(bytesLeftDesc, float64(s.BytesLeft))
	gauge(peersDesc, float64(s.ActivePeers), "active")
	gauge(peersDesc, float64(s.HalfOpenPeers), "half_open")
	gauge(peersDesc, float64(s.PendingPeers), "pending")
	gauge(peersDesc, float64(s.BannedPeers), "banned")
	gauge(inFlightDesc, float64(s.RequestsInFlight))
	gauge(rateDesc, float64(s.DownloadRate), "down")
	gauge(rateDesc, float64(s.UploadRate), "up")
	counter(hashFailuresDesc, int64(s.HashFailures))
	counter(bytesDesc, s.BytesRead.Int64(), "read", "all")
	counter(bytesDesc, s.BytesReadUsefulData.Int64(), "read", "useful")
	counter(bytesDesc, s.BytesWritten.Int64(), "written", "all")
	counter(bytesDesc, s.BytesWrittenData.Int64(), "written", "data")
}

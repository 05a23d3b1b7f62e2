package tsunami

import (
	"io"
	"time"

	"github.com/anacrolix/missinggo/v2/panicif"
	"golang.org/x/time/rate"
)

// 64 KiB used to be a rough default buffer for sockets on Windows. The decoder reads through a
// larger buffer, but the reader below truncates reads to the burst.
const defaultDownloadRateLimiterBurst = 1 << 16

// Sets rate limiter burst if it's set to zero which is used to request the default by our API.
func setRateLimiterBurstIfZero(l *rate.Limiter, def int) {
	if l.Burst() == 0 && l.Limit() != rate.Inf {
		l.SetBurst(def)
	}
}

type rateLimitedReader struct {
	l *rate.Limiter
	r io.Reader
}

func (me *rateLimitedReader) Read(b []byte) (n int, err error) {
	if me.l.Burst() != 0 {
		b = b[:min(len(b), me.l.Burst())]
	}
	t := time.Now()
	n, err = me.r.Read(b)
	r := me.l.ReserveN(t, n)
	panicif.False(r.OK())
	time.Sleep(r.DelayFrom(t))
	return
}

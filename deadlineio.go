package tsunami

import (
	"fmt"
	"io"
	"net"
	"time"
)

// Extends the read deadline before every read, so a connection that goes silent for the timeout
// fails the read.
type deadlineReader struct {
	nc      net.Conn
	r       io.Reader
	timeout time.Duration
}

func (r deadlineReader) Read(b []byte) (int, error) {
	if r.timeout > 0 {
		err := r.nc.SetReadDeadline(time.Now().Add(r.timeout))
		if err != nil {
			return 0, fmt.Errorf("error setting read deadline: %w", err)
		}
	}
	return r.r.Read(b)
}

// Bounds each write by the timeout.
type deadlineWriter struct {
	nc      net.Conn
	w       io.Writer
	timeout time.Duration
}

func (w deadlineWriter) Write(b []byte) (int, error) {
	if w.timeout > 0 {
		err := w.nc.SetWriteDeadline(time.Now().Add(w.timeout))
		if err != nil {
			return 0, fmt.Errorf("error setting write deadline: %w", err)
		}
	}
	return w.w.Write(b)
}

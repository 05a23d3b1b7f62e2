package main

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/anacrolix/log"
	"github.com/go-quicktest/qt"
)

func TestQuietLoggerDropsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := log.NewLogger("test")
	l.SetHandlers(log.StreamHandler{W: &buf, Fmt: log.LineFormatter})
	quietLogger(l).Levelf(log.Critical, "hidden")
	qt.Check(t, qt.Equals(buf.Len(), 0))
	l.Levelf(log.Critical, "shown")
	qt.Check(t, qt.Not(qt.Equals(buf.Len(), 0)))
}

func TestResolvePeers(t *testing.T) {
	got, err := resolvePeers([]string{"10.0.0.1:6881", "[::1]:51413"})
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.HasLen(got, 2))
	qt.Check(t, qt.IsTrue(got[0] == netip.MustParseAddrPort("10.0.0.1:6881")))
	qt.Check(t, qt.IsTrue(got[1] == netip.MustParseAddrPort("[::1]:51413")))
	_, err = resolvePeers([]string{"no port"})
	qt.Check(t, qt.IsNotNil(err))
}

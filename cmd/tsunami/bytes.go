package main

import (
	"github.com/dustin/go-humanize"
)

// Byte counts like "1.5MB" on the command line.
type byteCount int64

func (me *byteCount) UnmarshalText(b []byte) error {
	n, err := humanize.ParseBytes(string(b))
	if err != nil {
		return err
	}
	*me = byteCount(n)
	return nil
}

func (me byteCount) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(me))), nil
}

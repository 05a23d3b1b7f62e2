package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/anacrolix/tsunami/metainfo"
)

type createCmd struct {
	File        string    `arg:"positional,required" help:"file to make a torrent of"`
	Output      string    `arg:"-o" help:"where to write the .torrent, defaults to stdout"`
	PieceLength byteCount `arg:"--piece-length"`
	Announce    []string  `arg:"--announce,separate" help:"tracker URL"`
}

// Single file torrents only, built in memory.
func createErr(cmd *createCmd) error {
	data, err := os.ReadFile(cmd.File)
	if err != nil {
		return err
	}
	if cmd.PieceLength <= 0 {
		return fmt.Errorf("bad piece length %v", cmd.PieceLength)
	}
	mi := metainfo.MetaInfo{
		Manifest: metainfo.Build(filepath.Base(cmd.File), int64(cmd.PieceLength), data),
	}
	if len(cmd.Announce) != 0 {
		mi.Announce = cmd.Announce[0]
		mi.AnnounceList = [][]string{cmd.Announce}
	}
	w := bufio.NewWriter(os.Stdout)
	if cmd.Output != "" {
		f, err := os.Create(cmd.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = bufio.NewWriter(f)
	}
	err = mi.Write(w)
	if err != nil {
		return fmt.Errorf("writing metainfo: %w", err)
	}
	err = w.Flush()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%v: %s in %d pieces\n", mi.InfoHash, humanize.Bytes(uint64(len(data))), mi.NumPieces())
	return nil
}

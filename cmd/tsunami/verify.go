package main

import (
	"fmt"

	"github.com/anacrolix/tsunami/metainfo"
	"github.com/anacrolix/tsunami/storage"
)

type verifyCmd struct {
	Torrent string `arg:"positional,required" help:"path of the .torrent file"`
	DataDir string `arg:"positional,required" help:"directory holding the torrent's files"`
	Summary bool   `help:"only print totals"`
}

func verifyErr(cmd *verifyCmd) error {
	mi, err := metainfo.LoadFile(cmd.Torrent)
	if err != nil {
		return fmt.Errorf("loading torrent file %q: %w", cmd.Torrent, err)
	}
	st, err := storage.NewFileWithOpts(cmd.DataDir, &mi.Manifest, storage.NewFileOpts{
		PieceCompletion: storage.NewMapPieceCompletion(),
	})
	if err != nil {
		return err
	}
	defer st.Close()
	var good, bad int
	for i := range mi.NumPieces() {
		p := mi.Piece(i)
		b, err := st.ReadBlock(i, 0, int(p.Length()))
		ok := err == nil && metainfo.HashBytes(b) == p.Hash()
		if ok {
			good++
		} else {
			bad++
		}
		if !cmd.Summary {
			fmt.Println(i, ok)
		}
	}
	fmt.Printf("%d correct pieces, %d wrong\n", good, bad)
	if bad != 0 {
		return fmt.Errorf("%d pieces failed", bad)
	}
	return nil
}

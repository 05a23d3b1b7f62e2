// Downloads and seeds a single torrent from peers given on the command line.
package main

import (
	"fmt"
	stdLog "log"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"

	"github.com/anacrolix/tsunami"
)

var flags struct {
	Download *downloadCmd `arg:"subcommand:download" help:"download a torrent, and optionally keep seeding it"`
	Create   *createCmd   `arg:"subcommand:create" help:"make a .torrent for a file"`
	Verify   *verifyCmd   `arg:"subcommand:verify" help:"hash data on disk against a .torrent"`
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	stdLog.SetFlags(stdLog.Flags() | stdLog.Lshortfile)
	// Engine config flags default to what the engine uses.
	flags.Download = &downloadCmd{
		Config:  *tsunami.NewDefaultConfig(),
		DataDir: ".",
	}
	flags.Create = &createCmd{
		PieceLength: 256 << 10,
	}
	p := arg.MustParse(&flags)
	switch cmd := p.Subcommand().(type) {
	case *downloadCmd:
		return downloadErr(cmd)
	case *createCmd:
		return createErr(cmd)
	case *verifyCmd:
		return verifyErr(cmd)
	default:
		p.Fail(fmt.Sprintf("unexpected subcommand: %v", p.Subcommand()))
		panic("unreachable")
	}
}

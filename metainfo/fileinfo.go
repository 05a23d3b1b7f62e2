package metainfo

import (
	"strings"
)

// A single file of the torrent, in the order it appears in the concatenated content.
type FileInfo struct {
	Path   []string
	Length int64
}

func (fi FileInfo) DisplayPath() string {
	return strings.Join(fi.Path, "/")
}

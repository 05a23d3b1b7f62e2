package storage

import (
	"errors"
	"path/filepath"
	"strings"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Joins the path components of a torrent file, refusing anything that would land outside the
// directory it's joined onto. Torrent metainfo is untrusted.
func ToSafeFilePath(fileInfoComponents ...string) (string, error) {
	safeComps := make([]string, 0, len(fileInfoComponents))
	for _, comp := range fileInfoComponents {
		safeComps = append(safeComps, filepath.Clean(comp))
	}
	safeFilePath := filepath.Join(safeComps...)
	fc := firstComponent(safeFilePath)
	switch fc {
	case "..":
		return "", errors.New("escapes root dir")
	default:
		if filepath.IsAbs(safeFilePath) {
			return "", errors.New("absolute path")
		}
		return safeFilePath, nil
	}
}

func firstComponent(filePath string) string {
	fp := filepath.ToSlash(filePath)
	if i := strings.IndexByte(fp, '/'); i >= 0 {
		return fp[:i]
	}
	return fp
}

// Like ToSafeFilePath, but the result must name something below the root, not the root itself.
func safeFileName(comps ...string) (string, error) {
	p, err := ToSafeFilePath(comps...)
	if err != nil {
		return "", err
	}
	if p == "" || p == "." {
		return "", errors.New("names the root dir")
	}
	return p, nil
}

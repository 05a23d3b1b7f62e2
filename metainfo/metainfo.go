package metainfo

import (
	"bufio"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"

	bencode "github.com/jackpal/bencode-go"
)

// A parsed .torrent file. Only the fields the engine and its CLI consume are kept.
type MetaInfo struct {
	Manifest
	Announce     string
	AnnounceList [][]string
}

func (mi *MetaInfo) UpvertedAnnounceList() (ret [][]string) {
	if len(mi.AnnounceList) != 0 {
		return mi.AnnounceList
	}
	if mi.Announce != "" {
		ret = [][]string{{mi.Announce}}
	}
	return
}

// Load a MetaInfo from an io.Reader. Returns a non-nil error in case of failure.
func Load(r io.Reader) (*MetaInfo, error) {
	decoded, err := bencode.Decode(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("decoding bencode: %w", err)
	}
	top, ok := decoded.(map[string]any)
	if !ok {
		return nil, errors.New("metainfo is not a dict")
	}
	infoDict, ok := top["info"].(map[string]any)
	if !ok {
		return nil, errors.New("missing info dict")
	}
	var mi MetaInfo
	if mi.Manifest, err = manifestFromInfo(infoDict); err != nil {
		return nil, err
	}
	mi.Announce, _ = top["announce"].(string)
	if tiers, ok := top["announce-list"].([]any); ok {
		for _, tier := range tiers {
			urls, _ := tier.([]any)
			var t []string
			for _, u := range urls {
				if s, ok := u.(string); ok {
					t = append(t, s)
				}
			}
			if len(t) != 0 {
				mi.AnnounceList = append(mi.AnnounceList, t)
			}
		}
	}
	return &mi, nil
}

// Convenience function for loading a MetaInfo from a file.
func LoadFile(filename string) (*MetaInfo, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func manifestFromInfo(info map[string]any) (m Manifest, err error) {
	var ok bool
	if m.Name, ok = info["name"].(string); !ok {
		err = errors.New("info dict has no name")
		return
	}
	if m.PieceLength, ok = info["piece length"].(int64); !ok {
		err = errors.New("info dict has no piece length")
		return
	}
	pieces, ok := info["pieces"].(string)
	if !ok || len(pieces)%HashSize != 0 {
		err = fmt.Errorf("bad pieces field of length %d", len(pieces))
		return
	}
	m.Pieces = make([]Hash, len(pieces)/HashSize)
	for i := range m.Pieces {
		copy(m.Pieces[i][:], pieces[i*HashSize:])
	}
	if files, ok := info["files"].([]any); ok {
		for _, f := range files {
			fd, ok := f.(map[string]any)
			if !ok {
				err = errors.New("file entry is not a dict")
				return
			}
			var fi FileInfo
			fi.Length, _ = fd["length"].(int64)
			path, _ := fd["path"].([]any)
			for _, c := range path {
				s, ok := c.(string)
				if !ok {
					err = errors.New("file path component is not a string")
					return
				}
				fi.Path = append(fi.Path, s)
			}
			m.Files = append(m.Files, fi)
			m.TotalLength += fi.Length
		}
	} else if m.TotalLength, ok = info["length"].(int64); !ok {
		err = errors.New("info dict has neither length nor files")
		return
	}
	m.InfoHash, err = hashInfoDict(info)
	if err != nil {
		return
	}
	err = m.Validate()
	return
}

func hashInfoDict(info map[string]any) (h Hash, err error) {
	hasher := sha1.New()
	err = bencode.Marshal(hasher, info)
	if err != nil {
		err = fmt.Errorf("encoding info dict: %w", err)
		return
	}
	copy(h[:], hasher.Sum(nil))
	return
}

func (m *Manifest) infoDict() map[string]any {
	pieces := make([]byte, 0, len(m.Pieces)*HashSize)
	for _, p := range m.Pieces {
		pieces = append(pieces, p[:]...)
	}
	info := map[string]any{
		"name":         m.Name,
		"piece length": m.PieceLength,
		"pieces":       string(pieces),
	}
	if m.IsDir() {
		files := make([]any, 0, len(m.Files))
		for _, fi := range m.Files {
			path := make([]any, 0, len(fi.Path))
			for _, c := range fi.Path {
				path = append(path, c)
			}
			files = append(files, map[string]any{
				"length": fi.Length,
				"path":   path,
			})
		}
		info["files"] = files
	} else {
		info["length"] = m.TotalLength
	}
	return info
}

func (m *Manifest) computeInfoHash() Hash {
	h, err := hashInfoDict(m.infoDict())
	if err != nil {
		panic(err)
	}
	return h
}

// Encode to bencoded form.
func (mi *MetaInfo) Write(w io.Writer) error {
	top := map[string]any{
		"info": mi.infoDict(),
	}
	if mi.Announce != "" {
		top["announce"] = mi.Announce
	}
	if len(mi.AnnounceList) != 0 {
		tiers := make([]any, 0, len(mi.AnnounceList))
		for _, tier := range mi.AnnounceList {
			t := make([]any, 0, len(tier))
			for _, u := range tier {
				t = append(t, u)
			}
			tiers = append(tiers, t)
		}
		top["announce-list"] = tiers
	}
	return bencode.Marshal(w, top)
}

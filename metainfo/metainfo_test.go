package metainfo

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/go-quicktest/qt"
)

func TestBuildGeometry(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100)
	m := Build("a", 32, data)
	qt.Assert(t, qt.IsNil(m.Validate()))
	qt.Assert(t, qt.Equals(m.NumPieces(), 4))
	qt.Check(t, qt.Equals(m.PieceLen(0), int64(32)))
	qt.Check(t, qt.Equals(m.PieceLen(3), int64(4)))
	qt.Check(t, qt.Equals(m.Piece(3).Offset(), int64(96)))
	qt.Check(t, qt.Equals(m.Piece(3).Hash(), HashBytes(data[96:])))
}

func TestBuildExactMultiple(t *testing.T) {
	m := Build("a", 16, make([]byte, 64))
	qt.Assert(t, qt.Equals(m.NumPieces(), 4))
	qt.Check(t, qt.Equals(m.PieceLen(3), int64(16)))
}

func TestValidate(t *testing.T) {
	m := Build("a", 16, make([]byte, 40))
	m.Pieces = m.Pieces[:2]
	qt.Check(t, qt.IsNotNil(m.Validate()))
	m = Build("a", 16, make([]byte, 40))
	m.Files = []FileInfo{{Path: []string{"x"}, Length: 10}, {Path: []string{"y"}, Length: 20}}
	qt.Check(t, qt.ErrorMatches(m.Validate(), `file lengths sum to 30, total length is 40`))
	m.Files[1].Length = 30
	qt.Check(t, qt.IsNil(m.Validate()))
}

func TestWriteLoadRoundTrip(t *testing.T) {
	mi := MetaInfo{
		Manifest:     Build("thing", 1<<14, bytes.Repeat([]byte{1, 2, 3}, 20000)),
		Announce:     "http://tracker.example/announce",
		AnnounceList: [][]string{{"http://tracker.example/announce"}, {"udp://other.example:80"}},
	}
	var buf bytes.Buffer
	qt.Assert(t, qt.IsNil(mi.Write(&buf)))
	path := filepath.Join(t.TempDir(), "thing.torrent")
	qt.Assert(t, qt.IsNil(os.WriteFile(path, buf.Bytes(), 0o644)))
	loaded, err := LoadFile(path)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(loaded.Manifest, mi.Manifest))
	qt.Check(t, qt.Equals(loaded.InfoHash, mi.InfoHash))
	qt.Check(t, qt.DeepEquals(loaded.UpvertedAnnounceList(), mi.AnnounceList))
}

func TestLoadMultiFile(t *testing.T) {
	m := Build("dir", 8, make([]byte, 20))
	m.Files = []FileInfo{
		{Path: []string{"a", "b.txt"}, Length: 12},
		{Path: []string{"c"}, Length: 8},
	}
	m.InfoHash = m.computeInfoHash()
	var buf bytes.Buffer
	qt.Assert(t, qt.IsNil((&MetaInfo{Manifest: m}).Write(&buf)))
	loaded, err := Load(&buf)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(loaded.Files, m.Files))
	qt.Check(t, qt.Equals(loaded.TotalLength, int64(20)))
	qt.Check(t, qt.Equals(loaded.InfoHash, m.InfoHash))
	qt.Check(t, qt.Equals(loaded.Files[0].DisplayPath(), "a/b.txt"))
}

func TestLoadGarbage(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("i42e")))
	qt.Check(t, qt.IsNotNil(err))
	_, err = Load(bytes.NewReader([]byte("d4:infod4:name1:aee")))
	qt.Check(t, qt.IsNotNil(err))
}

func TestHashHex(t *testing.T) {
	h := HashBytes([]byte("hello"))
	qt.Check(t, qt.Equals(h.HexString(), "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"))
	qt.Check(t, qt.Equals(NewHashFromHex(h.HexString()), h))
	var bad Hash
	qt.Check(t, qt.IsNotNil(bad.FromHexString("abc")))
}

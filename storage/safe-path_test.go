package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/anacrolix/tsunami/metainfo"
)

// Tests for bad metainfos that try to escape the storage directory.
var safeFilePathTests = []struct {
	input     []string
	expectErr bool
}{
	{input: []string{"a", filepath.FromSlash(`b/..`)}, expectErr: false},
	{input: []string{"a", filepath.FromSlash(`b/../../..`)}, expectErr: true},
	{input: []string{"a", filepath.FromSlash(`b/../.././..`)}, expectErr: true},
	{input: []string{filepath.FromSlash(`../other`)}, expectErr: true},
	{
		input: []string{
			filepath.FromSlash(`NewSuperHeroMovie-2019-English-720p.avi /../../../../../Roaming/Microsoft/Windows/Start Menu/Programs/Startup/test3.exe`),
		},
		expectErr: true,
	},
}

func TestToSafeFilePath(t *testing.T) {
	for _, _case := range safeFilePathTests {
		actual, err := ToSafeFilePath(_case.input...)
		if _case.expectErr {
			if err != nil {
				continue
			}
			t.Errorf("%q: expected error, got output %q", _case.input, actual)
		} else if err != nil {
			t.Errorf("%q: unexpected error: %v", _case.input, err)
		}
	}
}

func TestNewFileSafeFilePathHandling(t *testing.T) {
	for i, _case := range safeFilePathTests {
		t.Run(fmt.Sprintf("Case%v", i), func(t *testing.T) {
			m := metainfo.Build("t", 1, nil)
			m.Files = []metainfo.FileInfo{{Path: _case.input}}
			s, err := NewFileWithOpts(t.TempDir(), &m, NewFileOpts{PieceCompletion: NewMapPieceCompletion()})
			if _case.expectErr {
				qt.Check(t, qt.IsNotNil(err))
			} else {
				qt.Assert(t, qt.IsNil(err))
				qt.Check(t, qt.IsNil(s.Close()))
			}
		})
	}
}

// The torrent name can't absorb parent components of a file path.
func TestNewFileRejectsFilePathsEscapingTorrentDir(t *testing.T) {
	for _, path := range [][]string{
		{"a", filepath.FromSlash(`b/../../..`)},
		{"a", ".."},
		{".."},
		{filepath.FromSlash(`../other`)},
		{"."},
	} {
		m := metainfo.Build("t", 1, nil)
		m.Files = []metainfo.FileInfo{{Path: path}}
		_, err := NewFileWithOpts(t.TempDir(), &m, NewFileOpts{PieceCompletion: NewMapPieceCompletion()})
		qt.Check(t, qt.IsNotNil(err), qt.Commentf("path %q", path))
	}
}

func TestNewFileRejectsUnsafeTorrentName(t *testing.T) {
	for _, name := range []string{"..", ".", ""} {
		m := metainfo.Build(name, 1, []byte("x"))
		_, err := NewFileWithOpts(t.TempDir(), &m, NewFileOpts{PieceCompletion: NewMapPieceCompletion()})
		qt.Check(t, qt.IsNotNil(err), qt.Commentf("name %q", name))
		m.Files = []metainfo.FileInfo{{Path: []string{"f"}, Length: 1}}
		_, err = NewFileWithOpts(t.TempDir(), &m, NewFileOpts{PieceCompletion: NewMapPieceCompletion()})
		qt.Check(t, qt.IsNotNil(err), qt.Commentf("dir name %q", name))
	}
}

func TestNewFileJoinsTorrentName(t *testing.T) {
	m := metainfo.Build("t", 1, nil)
	m.Files = []metainfo.FileInfo{{Path: []string{"a", "b"}}}
	dir := t.TempDir()
	s, err := NewFileWithOpts(dir, &m, NewFileOpts{PieceCompletion: NewMapPieceCompletion()})
	qt.Assert(t, qt.IsNil(err))
	defer s.Close()
	qt.Check(t, qt.Equals(s.osPath(s.files[0]), filepath.Join(dir, "t", "a", "b")))
}

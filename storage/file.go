package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/anacrolix/tsunami/metainfo"
	"github.com/anacrolix/tsunami/segments"
)

type file struct {
	// The path relative to the storage directory, already made safe.
	safeOsPath string
	length     int64
}

// Stores a torrent's content as its files under a directory. Multi-file torrents get a
// subdirectory named after the torrent.
type File struct {
	dir        string
	m          *metainfo.Manifest
	files      []file
	index      segments.Index
	completion PieceCompletion
	logger     log.Logger
}

var (
	_ Storage            = (*File)(nil)
	_ CompletionReporter = (*File)(nil)
)

type NewFileOpts struct {
	// Records which pieces have been written. Defaults to a bolt database in the storage
	// directory, or to memory if that can't be opened.
	PieceCompletion PieceCompletion
	Logger          log.Logger
}

func NewFile(dir string, m *metainfo.Manifest) (*File, error) {
	return NewFileWithOpts(dir, m, NewFileOpts{})
}

func NewFileWithOpts(dir string, m *metainfo.Manifest, opts NewFileOpts) (*File, error) {
	if opts.Logger.IsZero() {
		opts.Logger = log.Default.WithNames("storage", "file")
	}
	ret := &File{
		dir:        dir,
		m:          m,
		completion: opts.PieceCompletion,
		logger:     opts.Logger,
	}
	var lengths []segments.Length
	var root string
	if m.IsDir() {
		var err error
		root, err = safeFileName(m.Name)
		if err != nil {
			return nil, fmt.Errorf("torrent name %q: %w", m.Name, err)
		}
	}
	for _, fi := range m.UpvertedFiles() {
		// The file path must be safe on its own, so it can't climb out of the torrent's directory.
		p, err := safeFileName(fi.Path...)
		if err != nil {
			return nil, fmt.Errorf("file %q: %w", fi.DisplayPath(), err)
		}
		ret.files = append(ret.files, file{filepath.Join(root, p), fi.Length})
		lengths = append(lengths, fi.Length)
	}
	ret.index = segments.NewIndex(segments.LengthIterFromSlice(lengths))
	if ret.completion == nil {
		pc, err := NewBoltPieceCompletion(dir)
		if err != nil {
			ret.logger.Levelf(log.Warning, "couldn't open piece completion db in %q: %v", dir, err)
			pc = NewMapPieceCompletion()
		}
		ret.completion = pc
	}
	return ret, nil
}

func (me *File) Close() error {
	return me.completion.Close()
}

func (me *File) osPath(f file) string {
	return filepath.Join(me.dir, f.safeOsPath)
}

func (me *File) torrentOffset(piece int, begin int64) int64 {
	return me.m.Piece(piece).Offset() + begin
}

// Returns EOF on short or missing file.
func (me *File) readFileAt(f file, b []byte, off int64) (n int, err error) {
	osFile, err := os.Open(me.osPath(f))
	if errors.Is(err, fs.ErrNotExist) {
		err = io.EOF
		return
	}
	if err != nil {
		return
	}
	defer osFile.Close()
	n, err = osFile.ReadAt(b, off)
	if n == len(b) {
		err = nil
	}
	return
}

func (me *File) ReadBlock(piece int, begin int64, length int) (ret []byte, err error) {
	if piece < 0 || piece >= me.m.NumPieces() || begin < 0 || begin+int64(length) > me.m.PieceLen(piece) {
		return nil, fmt.Errorf("block %d/%d/%d out of bounds", piece, begin, length)
	}
	ret = make([]byte, length)
	b := ret
	for i, e := range me.index.LocateIter(segments.Extent{
		Start:  me.torrentOffset(piece, begin),
		Length: int64(length),
	}) {
		var n int
		n, err = me.readFileAt(me.files[i], b[:e.Length], e.Start)
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("%w: %q is short", ErrPieceNotAvailable, me.files[i].safeOsPath)
			}
			return nil, err
		}
		panicif.NotEq(int64(n), e.Length)
		b = b[n:]
	}
	panicif.NotEq(len(b), 0)
	return
}

func (me *File) openForWrite(f file) (osFile *os.File, err error) {
	p := me.osPath(f)
	osFile, err = os.OpenFile(p, os.O_WRONLY|os.O_CREATE, filePerm)
	if err == nil {
		return
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return
	}
	err = os.MkdirAll(filepath.Dir(p), dirPerm)
	if err != nil {
		return
	}
	return os.OpenFile(p, os.O_WRONLY|os.O_CREATE, filePerm)
}

func (me *File) WritePiece(piece int, data []byte) (err error) {
	if piece < 0 || piece >= me.m.NumPieces() || int64(len(data)) != me.m.PieceLen(piece) {
		return fmt.Errorf("piece %d: bad write of %d bytes", piece, len(data))
	}
	for i, e := range me.index.LocateIter(segments.Extent{
		Start:  me.torrentOffset(piece, 0),
		Length: int64(len(data)),
	}) {
		var f *os.File
		f, err = me.openForWrite(me.files[i])
		if err != nil {
			return
		}
		_, err = f.WriteAt(data[:e.Length], e.Start)
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("writing %q: %w", me.files[i].safeOsPath, err)
		}
		data = data[e.Length:]
	}
	return me.completion.Set(PieceKey{me.m.InfoHash, piece}, true)
}

func (me *File) Completion(piece int) Completion {
	c, err := me.completion.Get(PieceKey{me.m.InfoHash, piece})
	if err != nil {
		return Completion{Err: err}
	}
	return c
}

package volume

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vaultkeep/repair/internal/block"
)

// Record magic numbers, one per kind of record a volume archive can
// hold. Grounded on mmp-bk/storage/packidx.go's BlobMagic/IdxMagic
// convention of a 4-byte magic preceding a varint-length payload.
var (
	magicBlock      = [4]byte{'B', 'L', 'K', '1'}
	magicIndexDV    = [4]byte{'I', 'D', 'V', '1'}
	magicIndexEntry = [4]byte{'I', 'B', 'L', '1'}
	magicBlockList  = [4]byte{'I', 'B', 'P', '1'}
	magicFileset    = [4]byte{'F', 'S', 'E', '1'}
)

var (
	ErrBadMagic           = errors.New("volume: record has incorrect magic number")
	ErrPrematureEndOfData = errors.New("volume: premature end of data")
)

func writeRecord(w io.Writer, magic [4]byte, payload []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(lenBuf[:], int64(len(payload)))
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

type byteAndRegularReader interface {
	io.Reader
	io.ByteReader
}

func readRecord(r byteAndRegularReader) (magic [4]byte, payload []byte, err error) {
	if _, err = io.ReadFull(r, magic[:]); err != nil {
		return
	}
	length, err := binary.ReadVarint(r)
	if err != nil {
		if err == io.EOF {
			err = ErrPrematureEndOfData
		}
		return
	}
	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = ErrPrematureEndOfData
		}
		return
	}
	return
}

// Writer builds the local, uncompressed contents of a volume archive
// before it is handed to a compression module and then Put to the
// backend. It implements the "set remote name / append block /
// start-volume / finish-volume / write-blocklist / close / dispose"
// surface spec.md §4.5 describes; callers use the subset of methods
// appropriate to the volume Kind they are building.
type Writer struct {
	name Name
	f    *os.File
	w    *bufio.Writer
	size int64
	err  error

	// inVolume is true between StartVolume and FinishVolume in an index
	// volume, so AddBlock and FinishVolume can check that a StartVolume
	// came first.
	inVolume bool
}

// NewWriter creates a Writer backed by a fresh temp file. The caller
// must eventually call Close (success) or Dispose (abandon).
func NewWriter() (*Writer, error) {
	f, err := os.CreateTemp("", "volume-*.tmp")
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, w: bufio.NewWriter(f)}, nil
}

// SetRemoteName records the remote filename this writer will eventually
// be uploaded as. It does not rename the temp file.
func (w *Writer) SetRemoteName(n Name) { w.name = n }

// RemoteName returns the name set by SetRemoteName.
func (w *Writer) RemoteName() Name { return w.name }

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return err
}

// AppendBlock writes one block payload into a Blocks-kind volume.
func (w *Writer) AppendBlock(ref block.Ref, data []byte) error {
	if w.err != nil {
		return w.err
	}
	payload := make([]byte, 0, 16+len(data))
	payload = appendString(payload, string(ref.Hash))
	payload = appendVarint(payload, ref.Size)
	payload = append(payload, data...)
	if err := writeRecord(w.w, magicBlock, payload); err != nil {
		return w.fail(err)
	}
	w.size += int64(len(magicBlock)) + int64(varintLen(int64(len(payload)))) + int64(len(payload))
	return nil
}

// StartVolume begins the section of an Index-kind volume describing one
// referenced data volume's blocks.
func (w *Writer) StartVolume(dataVolumeName string) error {
	if w.err != nil {
		return w.err
	}
	payload := appendString(nil, dataVolumeName)
	if err := writeRecord(w.w, magicIndexDV, payload); err != nil {
		return w.fail(err)
	}
	w.inVolume = true
	return nil
}

// AddBlock records one (hash, size) pair as belonging to the data volume
// named by the most recent StartVolume call.
func (w *Writer) AddBlock(ref block.Ref) error {
	if w.err != nil {
		return w.err
	}
	if !w.inVolume {
		return w.fail(fmt.Errorf("volume: AddBlock called before StartVolume"))
	}
	payload := appendString(nil, string(ref.Hash))
	payload = appendVarint(payload, ref.Size)
	return w.fail2(writeRecord(w.w, magicIndexEntry, payload))
}

// FinishVolume ends the section started by StartVolume.
func (w *Writer) FinishVolume() error {
	if w.err != nil {
		return w.err
	}
	if !w.inVolume {
		return w.fail(fmt.Errorf("volume: FinishVolume without StartVolume"))
	}
	w.inVolume = false
	return nil
}

// WriteBlockList embeds a block-list payload (§3) in an Index-kind
// volume, keyed by its own (hash, length) identity.
func (w *Writer) WriteBlockList(ref block.Ref, raw []byte) error {
	if w.err != nil {
		return w.err
	}
	payload := appendString(nil, string(ref.Hash))
	payload = appendVarint(payload, ref.Size)
	payload = append(payload, raw...)
	return w.fail2(writeRecord(w.w, magicBlockList, payload))
}

// WriteFileset serializes a fileset snapshot into a Files-kind volume.
// Serialization uses encoding/gob, the same mechanism mmp-bk/cmd/bk's
// BackupRoot/DirEntry types use to persist their manifests.
func (w *Writer) WriteFileset(fs *Fileset) error {
	if w.err != nil {
		return w.err
	}
	var buf []byte
	bw := &sliceWriter{&buf}
	enc := gob.NewEncoder(bw)
	if err := enc.Encode(fs); err != nil {
		return w.fail(err)
	}
	return w.fail2(writeRecord(w.w, magicFileset, buf))
}

func (w *Writer) fail2(err error) error {
	if err != nil {
		return w.fail(err)
	}
	return nil
}

// Close flushes the archive to disk and returns it for upload.
func (w *Writer) Close() error {
	if w.err != nil {
		w.f.Close()
		return w.err
	}
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	fi, statErr := w.f.Stat()
	if statErr == nil {
		w.size = fi.Size()
	}
	return w.f.Close()
}

// Dispose abandons the writer, removing its temp file. Safe to call
// after Close as well as instead of it.
func (w *Writer) Dispose() {
	w.f.Close()
	os.Remove(w.f.Name())
}

// LocalPath returns the on-disk path of the (closed) archive.
func (w *Writer) LocalPath() string { return w.f.Name() }

// Size returns the archive's byte length, valid after Close.
func (w *Writer) Size() int64 { return w.size }

///////////////////////////////////////////////////////////////////////////
// Reading

// DataVolumeEntry is one block read from a Blocks-kind archive.
type DataVolumeEntry struct {
	Ref  block.Ref
	Data []byte
}

// ReadDataVolume streams each block in a Blocks-kind archive to f.
func ReadDataVolume(r io.Reader, f func(DataVolumeEntry) error) error {
	br := bufioReader(r)
	for {
		magic, payload, err := readRecord(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if magic != magicBlock {
			return fmt.Errorf("%w: got %q", ErrBadMagic, magic)
		}
		ref, rest, err := consumeRefHeader(payload)
		if err != nil {
			return err
		}
		if err := f(DataVolumeEntry{Ref: ref, Data: rest}); err != nil {
			return err
		}
	}
}

// IndexEntry is one (dataVolume, blocks) group parsed from an Index-kind
// archive.
type IndexEntry struct {
	DataVolumeName string
	Blocks         []block.Ref
}

// BlockListEntry is one embedded block-list payload in an Index-kind
// archive.
type BlockListEntry struct {
	Ref block.Ref
	Raw []byte
}

// ReadIndexVolume parses an Index-kind archive into its per-data-volume
// groups and any embedded block-list payloads.
func ReadIndexVolume(r io.Reader) (entries []IndexEntry, lists []BlockListEntry, err error) {
	br := bufioReader(r)
	var cur *IndexEntry
	for {
		magic, payload, rerr := readRecord(br)
		if rerr == io.EOF {
			return entries, lists, nil
		}
		if rerr != nil {
			return nil, nil, rerr
		}
		switch magic {
		case magicIndexDV:
			name, _, perr := consumeString(payload)
			if perr != nil {
				return nil, nil, perr
			}
			entries = append(entries, IndexEntry{DataVolumeName: name})
			cur = &entries[len(entries)-1]
		case magicIndexEntry:
			if cur == nil {
				return nil, nil, fmt.Errorf("volume: block entry before any StartVolume")
			}
			ref, _, perr := consumeRefHeader(payload)
			if perr != nil {
				return nil, nil, perr
			}
			cur.Blocks = append(cur.Blocks, ref)
		case magicBlockList:
			ref, rest, perr := consumeRefHeader(payload)
			if perr != nil {
				return nil, nil, perr
			}
			lists = append(lists, BlockListEntry{Ref: ref, Raw: rest})
		default:
			return nil, nil, fmt.Errorf("%w: got %q", ErrBadMagic, magic)
		}
	}
}

// Fileset is the archive-level representation of a snapshot, matching
// the DB's Fileset (§3) closely enough to round-trip through a Files-
// kind volume. Entry block references use either SingleBlock or
// BlockList depending on whether the file fits in one block.
type Fileset struct {
	Time         time.Time
	IsFullBackup bool
	Entries      []FileEntry
}

// FileEntry describes one path captured in a fileset.
type FileEntry struct {
	Path        string
	Size        int64
	Mode        uint32
	ModTime     time.Time
	SingleBlock block.Ref  // valid if BlockList.Hash == ""
	BlockList   block.Ref  // valid if non-zero Hash; refers to a Block-list
}

// ReadFileset parses the single fileset record out of a Files-kind
// archive.
func ReadFileset(r io.Reader) (*Fileset, error) {
	br := bufioReader(r)
	magic, payload, err := readRecord(br)
	if err != nil {
		return nil, err
	}
	if magic != magicFileset {
		return nil, fmt.Errorf("%w: got %q", ErrBadMagic, magic)
	}
	var fs Fileset
	dec := gob.NewDecoder(&sliceReader{payload})
	if err := dec.Decode(&fs); err != nil {
		return nil, err
	}
	return &fs, nil
}

///////////////////////////////////////////////////////////////////////////
// small helpers

func bufioReader(r io.Reader) byteAndRegularReader {
	if br, ok := r.(byteAndRegularReader); ok {
		return br
	}
	return bufio.NewReader(r)
}

func appendString(b []byte, s string) []byte {
	b = appendVarint(b, int64(len(s)))
	return append(b, s...)
}

func appendVarint(b []byte, v int64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	return append(b, tmp[:n]...)
}

func varintLen(v int64) int {
	var tmp [binary.MaxVarintLen64]byte
	return binary.PutVarint(tmp[:], v)
}

func consumeString(b []byte) (string, []byte, error) {
	n, rest, err := consumeVarint(b)
	if err != nil {
		return "", nil, err
	}
	if int64(len(rest)) < n {
		return "", nil, ErrPrematureEndOfData
	}
	return string(rest[:n]), rest[n:], nil
}

func consumeVarint(b []byte) (int64, []byte, error) {
	v, n := binary.Varint(b)
	if n <= 0 {
		return 0, nil, fmt.Errorf("volume: bad varint")
	}
	return v, b[n:], nil
}

func consumeRefHeader(payload []byte) (block.Ref, []byte, error) {
	hash, rest, err := consumeString(payload)
	if err != nil {
		return block.Ref{}, nil, err
	}
	size, rest, err := consumeVarint(rest)
	if err != nil {
		return block.Ref{}, nil, err
	}
	return block.Ref{Hash: block.Hash(hash), Size: size}, rest, nil
}

// sliceWriter/sliceReader let us gob-encode/decode into/from a []byte
// without pulling in bytes.Buffer's extra bookkeeping we don't need.
type sliceWriter struct{ buf *[]byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

type sliceReader struct{ buf []byte }

func (r *sliceReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

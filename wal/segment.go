package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	segmentPrefix = "wal-"

	// maxRecordSize bounds one record body. Entry batches can be large.
	maxRecordSize = 64 << 20

	// length(4) + crc(4)
	frameOverhead = 8
)

func segmentName(idx int) string {
	return fmt.Sprintf("%s%05d", segmentPrefix, idx)
}

// listSegments returns the segment indexes found in dir, oldest first.
// Files that are not segments are ignored.
func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var idxs []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		suffix, ok := strings.CutPrefix(e.Name(), segmentPrefix)
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(suffix)
		if err != nil || idx < 0 {
			continue
		}
		idxs = append(idxs, idx)
	}
	slices.Sort(idxs)
	return idxs, nil
}

// syncDir fsyncs a directory so created and removed entries are durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

// writeRecord frames rec as length, body, CRC32 of the body and returns the
// number of bytes written.
func writeRecord(w io.Writer, rec *Record) (int, error) {
	body, err := rec.MarshalBinary()
	if err != nil {
		return 0, err
	}
	if len(body) > maxRecordSize {
		return 0, fmt.Errorf("%s record of %d bytes exceeds limit %d", rec.Type, len(body), maxRecordSize)
	}

	frame := make([]byte, 4, frameOverhead+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(body))
	return w.Write(frame)
}

// readRecord reads one framed record. It returns io.EOF at a clean end of
// input and io.ErrUnexpectedEOF for a record cut short. The int result is
// the frame size.
func readRecord(r io.Reader) (*Record, int, error) {
	var hdr [4]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, 0, io.EOF
		}
		return nil, 0, io.ErrUnexpectedEOF
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxRecordSize {
		return nil, 0, fmt.Errorf("%w: record length %d exceeds limit", ErrWALCorrupted, size)
	}

	buf := make([]byte, int(size)+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	body := buf[:size]
	want := binary.BigEndian.Uint32(buf[size:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, 0, fmt.Errorf("%w: checksum mismatch (stored %08x, computed %08x)", ErrWALCorrupted, want, got)
	}

	rec := &Record{}
	if err := rec.UnmarshalBinary(body); err != nil {
		return nil, 0, err
	}
	return rec, frameOverhead + int(size), nil
}

// scanSegment walks every record in path and returns the offset just past
// the last complete one. A torn final record is reported as
// io.ErrUnexpectedEOF together with that offset.
func scanSegment(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var good int64
	for {
		_, n, err := readRecord(r)
		if errors.Is(err, io.EOF) {
			return good, nil
		}
		if err != nil {
			return good, err
		}
		good += int64(n)
	}
}

// Reader reads records across every segment in a directory, oldest first.
type Reader struct {
	dir  string
	idxs []int
	next int
	f    *os.File
	r    *bufio.Reader
}

// OpenReader opens the WAL in dir for reading. ErrWALNotFound means the
// directory holds no segments.
func OpenReader(dir string) (*Reader, error) {
	idxs, err := listSegments(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(idxs) == 0 {
		return nil, ErrWALNotFound
	}
	return &Reader{dir: dir, idxs: idxs}, nil
}

// Read returns the next record, or io.EOF after the last segment.
func (r *Reader) Read() (*Record, error) {
	for {
		if r.f == nil {
			if r.next >= len(r.idxs) {
				return nil, io.EOF
			}
			f, err := os.Open(filepath.Join(r.dir, segmentName(r.idxs[r.next])))
			if err != nil {
				return nil, err
			}
			r.next++
			r.f, r.r = f, bufio.NewReader(f)
		}

		rec, _, err := readRecord(r.r)
		if errors.Is(err, io.EOF) {
			r.f.Close()
			r.f, r.r = nil, nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", r.idxs[r.next-1], err)
		}
		return rec, nil
	}
}

// Close releases the segment being read.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f, r.r = nil, nil
	return err
}

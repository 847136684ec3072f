package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"
)

const (
	walFilePerm = 0600
	walDirPerm  = 0700

	writeBufSize      = 64 << 10
	defaultMaxSegSize = 64 << 20
)

// FileWAL appends records to numbered segment files in one directory.
// Writes are buffered until WriteSync or FlushAndSync. It is safe for
// concurrent use; only one FileWAL may own a directory.
type FileWAL struct {
	dir        string
	maxSegSize int64
	logger     hclog.Logger
	syncDir    func(dir string) error

	mu      sync.Mutex
	started bool
	f       *os.File
	w       *bufio.Writer
	size    int64 // bytes in the current segment, buffered included
	first   int   // oldest segment on disk
	current int   // segment being written
	cut     int   // first segment written after the last Cut
}

// NewFileWAL prepares a WAL in dir, creating the directory if needed.
// maxSegSize <= 0 selects the default segment size. Start must be called
// before writing.
func NewFileWAL(dir string, maxSegSize int64, logger hclog.Logger) (*FileWAL, error) {
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &FileWAL{dir: dir, maxSegSize: maxSegSize, logger: logger, syncDir: syncDir}, nil
}

// Start verifies the existing segments and opens the newest one for
// appending. A record torn by a crash at the tail of the newest segment is
// cut off; damage anywhere else is ErrWALCorrupted.
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	idxs, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	w.first, w.current = 0, 0
	if len(idxs) > 0 {
		w.first, w.current = idxs[0], idxs[len(idxs)-1]
	}
	w.cut = w.first

	for _, idx := range idxs {
		if err := w.recoverSegment(idx, idx == w.current); err != nil {
			return fmt.Errorf("segment %d: %w", idx, err)
		}
	}
	if err := w.openSegment(w.current); err != nil {
		return err
	}
	if len(idxs) == 0 {
		if err := w.syncDir(w.dir); err != nil {
			w.f.Close()
			return fmt.Errorf("sync WAL directory: %w", err)
		}
	}
	w.started = true
	return nil
}

func (w *FileWAL) recoverSegment(idx int, newest bool) error {
	path := w.path(idx)
	good, err := scanSegment(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	if !newest {
		return fmt.Errorf("%w: torn record at offset %d", ErrWALCorrupted, good)
	}
	w.logger.Warn("truncating torn WAL record", "segment", idx, "offset", good)
	return os.Truncate(path, good)
}

func (w *FileWAL) path(idx int) string {
	return filepath.Join(w.dir, segmentName(idx))
}

func (w *FileWAL) openSegment(idx int) error {
	f, err := os.OpenFile(w.path(idx), os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("open WAL segment %d: %w", idx, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat WAL segment %d: %w", idx, err)
	}
	w.f = f
	w.w = bufio.NewWriterSize(f, writeBufSize)
	w.size = info.Size()
	return nil
}

// Stop flushes, syncs and closes the current segment.
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil
	}
	w.started = false

	err := w.sync()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Write appends rec to the buffer, moving to a new segment first when the
// current one is full.
func (w *FileWAL) Write(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return ErrWALClosed
	}
	return w.write(rec)
}

// WriteSync is Write followed by FlushAndSync.
func (w *FileWAL) WriteSync(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return ErrWALClosed
	}
	if err := w.write(rec); err != nil {
		return err
	}
	return w.sync()
}

// FlushAndSync makes every record written so far durable.
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return ErrWALClosed
	}
	return w.sync()
}

func (w *FileWAL) write(rec *Record) error {
	if w.size >= w.maxSegSize {
		if err := w.nextSegment(); err != nil {
			return fmt.Errorf("rotate WAL: %w", err)
		}
	}
	n, err := writeRecord(w.w, rec)
	w.size += int64(n)
	return err
}

func (w *FileWAL) sync() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// nextSegment seals the current segment and opens the following one.
func (w *FileWAL) nextSegment() error {
	if err := w.sync(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	w.current++
	w.logger.Debug("opened WAL segment", "segment", w.current)
	if err := w.openSegment(w.current); err != nil {
		return err
	}
	// The new segment's directory entry must survive a crash before older
	// segments may be removed.
	if err := w.syncDir(w.dir); err != nil {
		return fmt.Errorf("sync WAL directory: %w", err)
	}
	return nil
}

// Cut seals the current segment. Records written afterwards go to newer
// segments, so a compaction can rewrite the live state after the cut and
// then Checkpoint everything before it.
func (w *FileWAL) Cut() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return ErrWALClosed
	}
	if err := w.nextSegment(); err != nil {
		return err
	}
	w.cut = w.current
	return nil
}

// Checkpoint deletes every segment older than the last Cut. The caller
// must have written and synced all live state after the cut.
func (w *FileWAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return ErrWALClosed
	}

	removed := 0
	for ; w.first < w.cut; w.first++ {
		if err := os.Remove(w.path(w.first)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove WAL segment %d: %w", w.first, err)
		}
		removed++
	}
	if removed > 0 {
		if err := w.syncDir(w.dir); err != nil {
			return fmt.Errorf("sync WAL directory: %w", err)
		}
		w.logger.Debug("checkpointed WAL", "removed", removed, "segment", w.current)
	}
	return nil
}

// SegmentCount returns the number of segments on disk.
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current - w.first + 1
}

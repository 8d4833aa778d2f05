// Copyright 2024 The Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package datafile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	buffer "github.com/globocom/go-buffer"
	"k8s.io/klog/v2"

	"github.com/virtualmap/vmap/api/location"
)

// SealedFile describes a sealed, read-only data file in a FileSet's
// ordering, along with the path range it was written to cover (used by
// merge selection at the path-index layer, spec.md §4.D).
type SealedFile struct {
	ID       uint32
	MinPath  uint64
	MaxPath  uint64
	Size     int64
}

// FileSet is an ordered collection of sealed data files plus at most
// one in-progress Writer, per spec.md §4.C.
type FileSet struct {
	dir string

	mu      sync.RWMutex
	sealed  []SealedFile
	readers map[uint32]*readFile
	nextID  uint32
	writing bool
}

// Open opens (creating if necessary) a FileSet rooted at dir, adopting
// the given sealed files as its manifest in the order passed. Open does
// not scan dir itself: callers recover that manifest first, normally
// with Discover (see internal/pathindex.Open).
func Open(dir string, sealed []SealedFile) (*FileSet, error) {
	if err := ensureDir(dir); err != nil {
		return nil, fmt.Errorf("datafile: create %s: %w", dir, err)
	}
	fs := &FileSet{
		dir: dir,
		// File id 0 is never assigned: api/location.Pack reserves
		// (file id 0, offset 0) for the absent sentinel, so the very
		// first record ever written (offset 0 of the first file) must
		// not land in file 0.
		nextID:  1,
		sealed:  append([]SealedFile(nil), sealed...),
		readers: make(map[uint32]*readFile),
	}
	for _, s := range fs.sealed {
		if s.ID >= fs.nextID {
			fs.nextID = s.ID + 1
		}
	}
	return fs, nil
}

// Discover scans dir for existing sealed "*.dat" files (ignoring any
// leftover ".tmp" from a writer that never completed EndWriting) and
// replays each one to recover an accurate SealedFile manifest, without
// needing a constructed FileSet. Callers typically feed the returned
// manifest into Open, then replay envelopes into their own index (see
// internal/pathindex.Open, which has no separate persisted manifest of
// its own).
func Discover(dir string) ([]SealedFile, map[uint32][]Envelope, error) {
	if err := ensureDir(dir); err != nil {
		return nil, nil, fmt.Errorf("datafile: create %s: %w", dir, err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "data-*.dat"))
	if err != nil {
		return nil, nil, fmt.Errorf("datafile: glob %s: %w", dir, err)
	}
	sort.Strings(matches)

	sealed := make([]SealedFile, 0, len(matches))
	envelopes := make(map[uint32][]Envelope, len(matches))
	for _, m := range matches {
		id, err := ParseFileID(m)
		if err != nil {
			return nil, nil, err
		}
		envs, err := ScanFile(m, id)
		if err != nil {
			return nil, nil, err
		}
		info, err := os.Stat(m)
		if err != nil {
			return nil, nil, fmt.Errorf("datafile: stat %s: %w", m, err)
		}
		sf := SealedFile{ID: id, Size: info.Size()}
		if len(envs) > 0 {
			sf.MinPath = envs[0].Path
			sf.MaxPath = envs[0].Path
			for _, e := range envs[1:] {
				if e.Path < sf.MinPath {
					sf.MinPath = e.Path
				}
				if e.Path > sf.MaxPath {
					sf.MaxPath = e.Path
				}
			}
		}
		sealed = append(sealed, sf)
		envelopes[id] = envs
	}
	return sealed, envelopes, nil
}

// AllFiles returns the current sealed files in write order.
func (fs *FileSet) AllFiles() []SealedFile {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return append([]SealedFile(nil), fs.sealed...)
}

// Read returns the record bytes at loc.
func (fs *FileSet) Read(loc uint64) ([]byte, error) {
	if location.IsAbsent(loc) {
		return nil, fmt.Errorf("datafile: absent location has no bytes")
	}
	fileID := location.FileID(loc)
	offset := location.Offset(loc)

	r, err := fs.reader(fileID)
	if err != nil {
		return nil, err
	}
	return r.readRecord(offset)
}

// Scan replays every record in the given sealed file, in write order,
// returning each one's path, payload and data location.
func (fs *FileSet) Scan(fileID uint32) ([]Envelope, error) {
	r, err := fs.reader(fileID)
	if err != nil {
		return nil, err
	}
	return r.scan()
}

func (fs *FileSet) reader(fileID uint32) (*readFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if r, ok := fs.readers[fileID]; ok {
		return r, nil
	}
	f, err := os.Open(joinDataPath(fs.dir, fileID))
	if err != nil {
		return nil, fmt.Errorf("datafile: open file %d: %w", fileID, err)
	}
	r := &readFile{id: fileID, f: f}
	fs.readers[fileID] = r
	return r, nil
}

// Remove deletes the given sealed files from both the set and disk.
// Used by merge (spec.md §4.D) once a merged replacement has been
// installed.
func (fs *FileSet) Remove(fileIDs []uint32) error {
	toRemove := make(map[uint32]bool, len(fileIDs))
	for _, id := range fileIDs {
		toRemove[id] = true
	}

	fs.mu.Lock()
	kept := fs.sealed[:0:0]
	for _, s := range fs.sealed {
		if !toRemove[s.ID] {
			kept = append(kept, s)
		}
	}
	fs.sealed = kept
	for id := range toRemove {
		if r, ok := fs.readers[id]; ok {
			_ = r.close()
			delete(fs.readers, id)
		}
	}
	fs.mu.Unlock()

	for id := range toRemove {
		p := joinDataPath(fs.dir, id)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("datafile: remove %s: %w", p, err)
		}
	}
	return nil
}

// InstallMerged atomically replaces a contiguous prefix of sealed files
// with a single newly-written merged file (already sealed via
// StartWriting/EndWriting on this same FileSet), preserving the
// monotone file-id ordering invariant from spec.md §4.D.
func (fs *FileSet) InstallMerged(replaced []uint32, merged SealedFile) error {
	replacedSet := make(map[uint32]bool, len(replaced))
	for _, id := range replaced {
		replacedSet[id] = true
	}
	fs.mu.Lock()
	out := make([]SealedFile, 0, len(fs.sealed))
	inserted := false
	for _, s := range fs.sealed {
		if s.ID == merged.ID {
			// EndWriting already appended merged; it is placed below.
			continue
		}
		if replacedSet[s.ID] {
			if !inserted {
				out = append(out, merged)
				inserted = true
			}
			continue
		}
		out = append(out, s)
	}
	if !inserted {
		out = append(out, merged)
	}
	fs.sealed = out
	fs.mu.Unlock()
	klog.V(1).Infof("datafile: merged %d files into file %d", len(replaced), merged.ID)
	return fs.Remove(replaced)
}

// Writer is an in-progress append-only data file. Only one Writer may
// be open at a time per FileSet (spec.md §4.C: "at most one
// in-progress file").
type Writer struct {
	fileID uint32
	dir    string
	f      *os.File
	buf    *buffer.Buffer

	mu      sync.Mutex
	offset  uint64
	minPath *uint64
	maxPath uint64
	flushed []batchedWrite
	closed  bool
}

type batchedWrite struct {
	offset uint64
	record []byte
}

// StartWriting begins a new data file, per spec.md §4.C.
func (fs *FileSet) StartWriting() (*Writer, error) {
	fs.mu.Lock()
	if fs.writing {
		fs.mu.Unlock()
		return nil, fmt.Errorf("datafile: writing session already active")
	}
	fs.writing = true
	id := fs.nextID
	fs.nextID++
	fs.mu.Unlock()

	tmpPath := filepath.Join(fs.dir, tempFileName(id))
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		fs.mu.Lock()
		fs.writing = false
		fs.mu.Unlock()
		return nil, fmt.Errorf("datafile: create %s: %w", tmpPath, err)
	}

	w := &Writer{fileID: id, dir: fs.dir, f: f}
	w.buf = buffer.New(
		buffer.WithSize(256),
		buffer.WithFlushInterval(50*time.Millisecond),
	)
	w.buf.OnFlush(func(items []interface{}) {
		w.flushBatch(items)
	})
	return w, nil
}

func (w *Writer) flushBatch(items []interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, item := range items {
		bw := item.(batchedWrite)
		if _, err := w.f.WriteAt(bw.record, int64(bw.offset)); err != nil {
			klog.Errorf("datafile: write at offset %d in file %d: %v", bw.offset, w.fileID, err)
		}
	}
}

// Write appends a record and returns its data location, per spec.md
// §4.C. path is the tree path this record belongs to, tracked to
// compute the file's [minPath, maxPath] range for EndWriting's caller.
func (w *Writer) Write(path uint64, payload []byte) (uint64, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, fmt.Errorf("datafile: write after writer closed")
	}
	rec := encodeRecord(path, payload)
	off := w.offset
	loc, err := dataLocation(w.fileID, off)
	if err != nil {
		w.mu.Unlock()
		return 0, err
	}
	w.offset += uint64(len(rec))
	if w.minPath == nil {
		p := path
		w.minPath = &p
	} else if path < *w.minPath {
		*w.minPath = path
	}
	if path > w.maxPath {
		w.maxPath = path
	}
	w.mu.Unlock()

	if err := w.buf.Push(batchedWrite{offset: off, record: rec}); err != nil {
		return 0, fmt.Errorf("datafile: push to write buffer: %w", err)
	}
	return loc, nil
}

// EndWriting seals the file and atomically adds it to fs, per spec.md
// §4.C. It returns the sealed file's manifest entry.
func (w *Writer) EndWriting(fs *FileSet) (SealedFile, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return SealedFile{}, fmt.Errorf("datafile: EndWriting called twice")
	}
	w.closed = true
	minPath := uint64(0)
	if w.minPath != nil {
		minPath = *w.minPath
	}
	maxPath := w.maxPath
	w.mu.Unlock()

	w.buf.Close() // flushes any remaining buffered writes synchronously

	if err := w.f.Sync(); err != nil {
		return SealedFile{}, fmt.Errorf("datafile: fsync file %d: %w", w.fileID, err)
	}
	size := w.offset
	if err := w.f.Close(); err != nil {
		return SealedFile{}, fmt.Errorf("datafile: close file %d: %w", w.fileID, err)
	}

	tmpPath := filepath.Join(w.dir, tempFileName(w.fileID))
	finalPath := joinDataPath(w.dir, w.fileID)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return SealedFile{}, fmt.Errorf("datafile: seal file %d: %w", w.fileID, err)
	}

	sf := SealedFile{ID: w.fileID, MinPath: minPath, MaxPath: maxPath, Size: int64(size)}

	fs.mu.Lock()
	fs.sealed = append(fs.sealed, sf)
	fs.writing = false
	fs.mu.Unlock()

	klog.V(1).Infof("datafile: sealed file %d (%d bytes, paths [%d,%d])", w.fileID, size, minPath, maxPath)
	return sf, nil
}

// Abort discards an in-progress write without sealing it, releasing the
// writing-session lock. Used when a writer must be abandoned after an
// unrecoverable error.
func (w *Writer) Abort(fs *FileSet) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.buf.Close()
	_ = w.f.Close()
	tmpPath := filepath.Join(w.dir, tempFileName(w.fileID))
	err := os.Remove(tmpPath)
	fs.mu.Lock()
	fs.writing = false
	fs.mu.Unlock()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("datafile: remove aborted file %d: %w", w.fileID, err)
	}
	return nil
}

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

// Package pathindex implements the path-indexed key/value store from
// spec.md §4.D: a `u64 path -> bytes` map realised as a long-list of
// data locations over a datafile.FileSet. Index updates made during a
// writing session only become visible when the session ends, matching
// the single-active-writer discipline of the underlying file set.
package pathindex

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/virtualmap/vmap/api/location"
	"github.com/virtualmap/vmap/internal/datafile"
	"github.com/virtualmap/vmap/internal/longlist"
)

// ErrAlreadyWriting is returned by StartWriting when a writing session
// or merge is already active on this Index. The root vmap package does
// not translate it into its own ErrAlreadyWriting sentinel.
var ErrAlreadyWriting = errors.New("pathindex: writing session already active")

// Index is a u64-path-keyed store of variable-length records, backed by
// a datafile.FileSet and indexed in memory by a longlist.List of data
// locations.
type Index struct {
	fs *datafile.FileSet
	ll *longlist.List

	mu      sync.Mutex
	active  bool // a writing session or merge is in progress
}

// Open opens (or creates) a path index rooted at dir. Existing sealed
// data files are discovered directly from disk (there is no separate
// persisted manifest): each file is scanned once to recover its
// accurate min/max path range, and every envelope is replayed into the
// long-list in ascending (file id, write order) order, so the last
// envelope written for a given path always wins.
func Open(dir string) (*Index, error) {
	sealed, envelopesByFile, err := datafile.Discover(dir)
	if err != nil {
		return nil, fmt.Errorf("pathindex: discover %s: %w", dir, err)
	}

	fs, err := datafile.Open(dir, sealed)
	if err != nil {
		return nil, fmt.Errorf("pathindex: open file set at %s: %w", dir, err)
	}

	ids := make([]uint32, 0, len(sealed))
	for _, sf := range sealed {
		ids = append(ids, sf.ID)
	}
	slices.Sort(ids)

	ll := longlist.New()
	replayed := 0
	for _, id := range ids {
		for _, e := range envelopesByFile[id] {
			ll.Put(e.Path, e.Loc)
			replayed++
		}
	}
	if replayed > 0 {
		klog.V(1).Infof("pathindex: replayed %d records from %d files at %s", replayed, len(ids), dir)
	}

	return &Index{fs: fs, ll: ll}, nil
}

// Get returns the record bytes stored at path, or (nil, false, nil) if
// path has no record.
func (idx *Index) Get(path uint64) ([]byte, bool, error) {
	loc := idx.ll.Get(path)
	if location.IsAbsent(loc) {
		return nil, false, nil
	}
	b, err := idx.fs.Read(loc)
	if err != nil {
		return nil, false, fmt.Errorf("pathindex: read path %d: %w", path, err)
	}
	if len(b) == 0 {
		// A zero-length payload is this index's tombstone marker (see
		// Session.Delete): no real api/record encoding is ever empty,
		// since every one begins with a format-version byte.
		return nil, false, nil
	}
	return b, true, nil
}

// Session is an in-progress writing session against an Index, per
// spec.md §4.D. Put appends a record to the underlying data file
// immediately but defers the index's path->location updates until
// EndWriting, so readers never observe a partially-applied session.
type Session struct {
	idx *Index
	w   *datafile.Writer

	mu      sync.Mutex
	pending map[uint64]uint64
	done    bool
}

// StartWriting begins a new writing session. Only one session (or
// merge) may be active on an Index at a time.
func (idx *Index) StartWriting() (*Session, error) {
	idx.mu.Lock()
	if idx.active {
		idx.mu.Unlock()
		return nil, ErrAlreadyWriting
	}
	idx.active = true
	idx.mu.Unlock()

	w, err := idx.fs.StartWriting()
	if err != nil {
		idx.mu.Lock()
		idx.active = false
		idx.mu.Unlock()
		return nil, err
	}
	return &Session{idx: idx, w: w, pending: make(map[uint64]uint64)}, nil
}

// Put appends a record for path. The value returned by Get for path
// will not change until EndWriting is called.
func (s *Session) Put(path uint64, payload []byte) error {
	loc, err := s.w.Write(path, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending[path] = loc
	s.mu.Unlock()
	return nil
}

// Delete marks path as having no live record, persisted the same way
// an ordinary write is: as a zero-length payload. Get already treats a
// zero-length payload as "not found", and Merge carries it forward
// like any other currently-live record until a later write supersedes
// it, so the deletion survives both a restart and a merge.
func (s *Session) Delete(path uint64) error {
	return s.Put(path, nil)
}

// EndWriting seals the session's data file and publishes every path
// written during the session to the index's long-list in one pass.
func (s *Session) EndWriting() (datafile.SealedFile, error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return datafile.SealedFile{}, fmt.Errorf("pathindex: EndWriting called twice")
	}
	s.done = true
	s.mu.Unlock()

	sf, err := s.w.EndWriting(s.idx.fs)
	if err != nil {
		s.idx.mu.Lock()
		s.idx.active = false
		s.idx.mu.Unlock()
		return datafile.SealedFile{}, err
	}

	s.mu.Lock()
	for path, loc := range s.pending {
		s.idx.ll.Put(path, loc)
	}
	s.mu.Unlock()

	s.idx.mu.Lock()
	s.idx.active = false
	s.idx.mu.Unlock()
	return sf, nil
}

// Abort discards the session without publishing any of its writes.
func (s *Session) Abort() error {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	err := s.w.Abort(s.idx.fs)
	s.idx.mu.Lock()
	s.idx.active = false
	s.idx.mu.Unlock()
	return err
}

// Merge implements the compaction algorithm from spec.md §4.D: select
// the longest prefix of sealed files whose combined size stays at or
// below targetBytes (capped at maxFiles), rewrite every path whose
// currently-live location falls within that prefix into a single new
// file, and atomically swap the prefix for it. Paths that were
// superseded by a later write outside the merged prefix are dropped,
// since their current location no longer points into it. Merge cannot
// run concurrently with a writing session or another merge.
func (idx *Index) Merge(targetBytes int64, maxFiles int) (bool, error) {
	idx.mu.Lock()
	if idx.active {
		idx.mu.Unlock()
		return false, ErrAlreadyWriting
	}
	idx.active = true
	idx.mu.Unlock()
	defer func() {
		idx.mu.Lock()
		idx.active = false
		idx.mu.Unlock()
	}()

	selected := selectMergePrefix(idx.fs.AllFiles(), targetBytes, maxFiles)
	if len(selected) < 2 {
		return false, nil
	}

	type liveRecord struct {
		path    uint64
		payload []byte
	}
	var live []liveRecord
	for _, sf := range selected {
		envs, err := idx.fs.Scan(sf.ID)
		if err != nil {
			return false, fmt.Errorf("pathindex: scan file %d for merge: %w", sf.ID, err)
		}
		for _, e := range envs {
			if idx.ll.Get(e.Path) == e.Loc {
				live = append(live, liveRecord{path: e.Path, payload: e.Payload})
			}
		}
	}

	w, err := idx.fs.StartWriting()
	if err != nil {
		return false, fmt.Errorf("pathindex: start merge writer: %w", err)
	}
	newLocs := make(map[uint64]uint64, len(live))
	for _, r := range live {
		loc, err := w.Write(r.path, r.payload)
		if err != nil {
			_ = w.Abort(idx.fs)
			return false, fmt.Errorf("pathindex: write merged record for path %d: %w", r.path, err)
		}
		newLocs[r.path] = loc
	}
	merged, err := w.EndWriting(idx.fs)
	if err != nil {
		return false, fmt.Errorf("pathindex: seal merged file: %w", err)
	}

	replacedIDs := make([]uint32, 0, len(selected))
	for _, sf := range selected {
		replacedIDs = append(replacedIDs, sf.ID)
	}
	if err := idx.fs.InstallMerged(replacedIDs, merged); err != nil {
		return false, fmt.Errorf("pathindex: install merged file %d: %w", merged.ID, err)
	}

	for path, loc := range newLocs {
		idx.ll.Put(path, loc)
	}

	klog.V(1).Infof("pathindex: merged %d files (%d live records) into file %d", len(selected), len(live), merged.ID)
	return true, nil
}

// selectMergePrefix returns the longest prefix of files (in existing
// write order) whose combined size stays at or below targetBytes,
// never exceeding maxFiles files. At least one file is always selected
// so a single oversized file's size doesn't block all merging.
func selectMergePrefix(files []datafile.SealedFile, targetBytes int64, maxFiles int) []datafile.SealedFile {
	var selected []datafile.SealedFile
	var total int64
	for _, sf := range files {
		if len(selected) >= maxFiles {
			break
		}
		if len(selected) > 0 && total+sf.Size > targetBytes {
			break
		}
		selected = append(selected, sf)
		total += sf.Size
	}
	return selected
}

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

// Package datafile implements the append-only data files and file set
// from spec.md §4.C: variable-length records addressed by a packed
// (file id, offset) data location, sealed on close, read back through
// a shared file set.
package datafile

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/virtualmap/vmap/api/location"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

func fileName(fileID uint32) string {
	return fmt.Sprintf("data-%08x.dat", fileID)
}

func tempFileName(fileID uint32) string {
	return fileName(fileID) + ".tmp"
}

// readFile wraps a sealed, read-only data file.
type readFile struct {
	id uint32
	f  *os.File
}

// envelopeHeaderMaxLen bounds the two varints (path, length) that
// precede every record's payload.
const envelopeHeaderMaxLen = 2 * binary.MaxVarintLen64

// readRecord reads the record at byte offset off and returns its
// payload, per spec.md §4.C ("A data file is a sequence of {length:
// varint, bytes: length} records"). The path each record was written
// for is also embedded (see encodeRecord) so a whole file can be
// replayed to rebuild a path-index without a separate manifest.
func (r *readFile) readRecord(off uint64) ([]byte, error) {
	_, payload, _, err := r.readEnvelope(off)
	return payload, err
}

// readEnvelope reads the full (path, payload, nextOffset) envelope at
// off.
func (r *readFile) readEnvelope(off uint64) (path uint64, payload []byte, next uint64, err error) {
	header := make([]byte, envelopeHeaderMaxLen)
	n, rerr := r.f.ReadAt(header, int64(off))
	if rerr != nil && n == 0 {
		return 0, nil, 0, fmt.Errorf("datafile: read header at %d: %w", off, rerr)
	}
	header = header[:n]
	path, sz := binary.Uvarint(header)
	if sz <= 0 {
		return 0, nil, 0, fmt.Errorf("datafile: invalid path prefix at offset %d", off)
	}
	length, sz2 := binary.Uvarint(header[sz:])
	if sz2 <= 0 {
		return 0, nil, 0, fmt.Errorf("datafile: invalid length prefix at offset %d", off)
	}
	payloadOff := off + uint64(sz) + uint64(sz2)
	payload = make([]byte, length)
	if length > 0 {
		if _, err := r.f.ReadAt(payload, int64(payloadOff)); err != nil {
			return 0, nil, 0, fmt.Errorf("datafile: read payload at %d: %w", payloadOff, err)
		}
	}
	return path, payload, payloadOff + length, nil
}

func (r *readFile) close() error { return r.f.Close() }

// ScanFile replays every envelope in the sealed data file at path,
// without requiring a live FileSet/Writer. Used at startup (see
// internal/pathindex.Open) to recover each file's accurate min/max path
// range before the FileSet for a directory is constructed.
func ScanFile(path string, fileID uint32) ([]Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("datafile: open %s: %w", path, err)
	}
	defer f.Close()
	r := &readFile{id: fileID, f: f}
	return r.scan()
}

// ParseFileID extracts the file id encoded in a data file's base name
// (see fileName), for directory scans that must recover file ids from
// disk rather than from a manifest.
func ParseFileID(name string) (uint32, error) {
	var id uint32
	if _, err := fmt.Sscanf(filepath.Base(name), "data-%08x.dat", &id); err != nil {
		return 0, fmt.Errorf("datafile: %q is not a data file name: %w", name, err)
	}
	return id, nil
}

// Envelope is one decoded (path, payload) record plus the data location
// it was written at, as returned by scanning a whole sealed file.
type Envelope struct {
	Path    uint64
	Payload []byte
	Loc     uint64
}

// scan reads every envelope in the file from start to end, in write
// order. Used at startup to rebuild a path-index's long-list (see
// internal/pathindex).
func (r *readFile) scan() ([]Envelope, error) {
	info, err := r.f.Stat()
	if err != nil {
		return nil, fmt.Errorf("datafile: stat file %d: %w", r.id, err)
	}
	size := uint64(info.Size())
	var out []Envelope
	for off := uint64(0); off < size; {
		path, payload, next, err := r.readEnvelope(off)
		if err != nil {
			return nil, err
		}
		loc, err := dataLocation(r.id, off)
		if err != nil {
			return nil, err
		}
		out = append(out, Envelope{Path: path, Payload: payload, Loc: loc})
		off = next
	}
	return out, nil
}

// encodeRecord prefixes b with its path and varint length, per
// spec.md §4.C, extended (see readEnvelope) to carry path so a file can
// be replayed without an external manifest.
func encodeRecord(path uint64, b []byte) []byte {
	out := make([]byte, 0, envelopeHeaderMaxLen+len(b))
	out = binary.AppendUvarint(out, path)
	out = binary.AppendUvarint(out, uint64(len(b)))
	return append(out, b...)
}

// dataLocation is a thin readability wrapper over api/location's Pack.
func dataLocation(fileID uint32, offset uint64) (uint64, error) {
	return location.Pack(fileID, offset)
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, dirPerm)
}

func joinDataPath(dir string, fileID uint32) string {
	return filepath.Join(dir, fileName(fileID))
}

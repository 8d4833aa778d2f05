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

// Package hdhm implements the half-disk hash map from spec.md §4.E: a
// fixed-size on-disk bucket array whose slots point into an append-only
// collision-chain file, newest node first. Lookups walk a bucket's
// chain until they find the key (a later, still-live write always
// shadows an earlier one) or exhaust it. Periodic compaction rewrites
// both files under new version numbers and only becomes visible once a
// CURRENT pointer file is atomically swapped, so a crash mid-compaction
// always leaves the map recoverable from the last valid snapshot.
package hdhm

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/klog/v2"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	formatVersion = 1

	// DefaultBucketCount is the number of buckets a freshly created map
	// starts with.
	DefaultBucketCount = 1 << 16

	bucketHeaderLen = 1 + 8 + 8 // format version, bucket count, chain version
	chainHeaderLen  = 1         // format version

	// noPrev marks the end of a bucket's collision chain. Byte offset 0
	// in a chain file is always the format-version byte, never a valid
	// node start, so it safely doubles as the "no previous node"
	// sentinel and the "bucket empty" head value.
	noPrev = 0
)

// bucketHash returns the bucket index for key. FNV-1a is used (rather
// than e.g. hash/maphash) because it must be stable across process
// restarts: a key's bucket is baked into the on-disk layout at Put time
// and recomputed fresh at every Get.
func bucketHash(key []byte, numBuckets uint64) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64() % numBuckets
}

// Map is a persistent hash map from variable-length keys to u64 values.
type Map struct {
	dir string

	mu sync.RWMutex // writes (Put/Remove/Compact) exclude each other and Get; see spec.md §5
	st *liveState
}

type liveState struct {
	numBuckets    uint64
	bucketVersion uint64
	chainVersion  uint64

	bucketFile *os.File
	chainFile  *os.File
	chainEnd   uint64
}

// Open opens (creating if necessary) a half-disk hash map rooted at
// dir, with DefaultBucketCount buckets for a new map.
func Open(dir string) (*Map, error) {
	return OpenWithBuckets(dir, DefaultBucketCount)
}

// OpenWithBuckets is Open with an explicit bucket count for a newly
// created map; ignored if dir already holds a map.
func OpenWithBuckets(dir string, numBuckets uint64) (*Map, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("hdhm: create %s: %w", dir, err)
	}

	bucketVersion, chainVersion, err := readCurrent(dir)
	if err != nil {
		return nil, err
	}

	m := &Map{dir: dir}
	if bucketVersion == 0 && chainVersion == 0 {
		if err := m.createEmpty(numBuckets); err != nil {
			return nil, err
		}
		return m, nil
	}

	st, err := openState(dir, bucketVersion, chainVersion)
	if err != nil {
		return nil, err
	}
	m.st = st
	return m, nil
}

func (m *Map) createEmpty(numBuckets uint64) error {
	if numBuckets == 0 {
		numBuckets = DefaultBucketCount
	}
	if err := writeBucketFile(m.dir, 1, 1, numBuckets, nil); err != nil {
		return err
	}
	if err := writeEmptyChainFile(m.dir, 1); err != nil {
		return err
	}
	if err := writeCurrent(m.dir, 1, 1); err != nil {
		return err
	}
	st, err := openState(m.dir, 1, 1)
	if err != nil {
		return err
	}
	m.st = st
	return nil
}

// Get returns the value stored for key, or (0, false) if key has no
// live record (never written, or its last write was a Remove).
func (m *Map) Get(key []byte) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := bucketHash(key, m.st.numBuckets)
	off := m.st.bucketHead(bucket)
	for off != noPrev {
		n, err := readNode(m.st.chainFile, off)
		if err != nil {
			return 0, false, fmt.Errorf("hdhm: read chain node at %d: %w", off, err)
		}
		if string(n.key) == string(key) {
			if n.tombstone {
				return 0, false, nil
			}
			return n.value, true, nil
		}
		off = n.prev
	}
	return 0, false, nil
}

// Put appends a new chain node for key and rewrites its bucket's head.
func (m *Map) Put(key []byte, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.append(key, value, false)
}

// Remove appends a tombstone node for key.
func (m *Map) Remove(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.append(key, 0, true)
}

func (m *Map) append(key []byte, value uint64, tombstone bool) error {
	bucket := bucketHash(key, m.st.numBuckets)
	prev := m.st.bucketHead(bucket)

	rec := encodeNode(tombstone, value, prev, key)
	off := m.st.chainEnd
	if _, err := m.st.chainFile.WriteAt(rec, int64(off)); err != nil {
		return fmt.Errorf("hdhm: append chain node: %w", err)
	}
	m.st.chainEnd += uint64(len(rec))

	if err := m.st.setBucketHead(bucket, off); err != nil {
		return fmt.Errorf("hdhm: rewrite bucket %d head: %w", bucket, err)
	}
	return nil
}

// Compact rewrites the bucket array and collision chain, keeping only
// the most recent still-live record per key and dropping tombstones and
// superseded duplicates. The new files are written and synced under new
// version numbers before CURRENT is atomically repointed at them, so a
// crash mid-compaction leaves the previous, still-valid snapshot live.
func (m *Map) Compact() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.st
	type liveRecord struct {
		key   []byte
		value uint64
	}
	liveByBucket := make(map[uint64][]liveRecord, old.numBuckets)

	for bucket := uint64(0); bucket < old.numBuckets; bucket++ {
		seen := make(map[string]bool)
		var live []liveRecord
		off := old.bucketHead(bucket)
		for off != noPrev {
			n, err := readNode(old.chainFile, off)
			if err != nil {
				return fmt.Errorf("hdhm: compact: read chain node at %d: %w", off, err)
			}
			k := string(n.key)
			if !seen[k] {
				seen[k] = true
				if !n.tombstone {
					live = append(live, liveRecord{key: n.key, value: n.value})
				}
			}
			off = n.prev
		}
		if len(live) > 0 {
			liveByBucket[bucket] = live
		}
	}

	newChainVersion := old.chainVersion + 1
	newBucketVersion := old.bucketVersion + 1

	chainPath := chainFilePath(m.dir, newChainVersion)
	cf, err := os.OpenFile(chainPath+".tmp", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("hdhm: create %s: %w", chainPath, err)
	}
	if _, err := cf.Write([]byte{formatVersion}); err != nil {
		cf.Close()
		return fmt.Errorf("hdhm: write chain header: %w", err)
	}

	heads := make([]uint64, old.numBuckets)
	offset := uint64(chainHeaderLen)
	for bucket, records := range liveByBucket {
		prev := uint64(noPrev)
		for _, r := range records {
			rec := encodeNode(false, r.value, prev, r.key)
			if _, err := cf.Write(rec); err != nil {
				cf.Close()
				return fmt.Errorf("hdhm: write compacted node: %w", err)
			}
			prev = offset
			offset += uint64(len(rec))
		}
		heads[bucket] = prev
	}
	if err := cf.Sync(); err != nil {
		cf.Close()
		return fmt.Errorf("hdhm: fsync %s: %w", chainPath, err)
	}
	if err := cf.Close(); err != nil {
		return fmt.Errorf("hdhm: close %s: %w", chainPath, err)
	}
	if err := os.Rename(chainPath+".tmp", chainPath); err != nil {
		return fmt.Errorf("hdhm: seal %s: %w", chainPath, err)
	}

	if err := writeBucketFile(m.dir, newBucketVersion, newChainVersion, old.numBuckets, heads); err != nil {
		return err
	}

	if err := writeCurrent(m.dir, newBucketVersion, newChainVersion); err != nil {
		return fmt.Errorf("hdhm: swap CURRENT: %w", err)
	}

	newSt, err := openState(m.dir, newBucketVersion, newChainVersion)
	if err != nil {
		return err
	}
	m.st = newSt

	oldBucketFile := old.bucketFile
	oldChainFile := old.chainFile
	oldBucketVersion, oldChainVersion := old.bucketVersion, old.chainVersion
	oldBucketFile.Close()
	oldChainFile.Close()
	if err := os.Remove(bucketFilePath(m.dir, oldBucketVersion)); err != nil {
		klog.Warningf("hdhm: remove superseded bucket file v%d: %v", oldBucketVersion, err)
	}
	if err := os.Remove(chainFilePath(m.dir, oldChainVersion)); err != nil {
		klog.Warningf("hdhm: remove superseded chain file v%d: %v", oldChainVersion, err)
	}

	klog.V(1).Infof("hdhm: compacted to bucket v%d / chain v%d (%d live buckets)", newBucketVersion, newChainVersion, len(liveByBucket))
	return nil
}

func (s *liveState) bucketHead(bucket uint64) uint64 {
	buf := make([]byte, 8)
	off := int64(bucketHeaderLen) + int64(bucket)*8
	if _, err := s.bucketFile.ReadAt(buf, off); err != nil {
		return noPrev
	}
	return binary.BigEndian.Uint64(buf)
}

func (s *liveState) setBucketHead(bucket, head uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, head)
	off := int64(bucketHeaderLen) + int64(bucket)*8
	_, err := s.bucketFile.WriteAt(buf, off)
	return err
}

func bucketFilePath(dir string, version uint64) string {
	return filepath.Join(dir, fmt.Sprintf("bucket-%08x.dat", version))
}

func chainFilePath(dir string, version uint64) string {
	return filepath.Join(dir, fmt.Sprintf("chain-%08x.dat", version))
}

func currentFilePath(dir string) string {
	return filepath.Join(dir, "CURRENT")
}

func writeBucketFile(dir string, bucketVersion, chainVersion, numBuckets uint64, heads []uint64) error {
	path := bucketFilePath(dir, bucketVersion)
	f, err := os.OpenFile(path+".tmp", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("hdhm: create %s: %w", path, err)
	}
	header := make([]byte, bucketHeaderLen)
	header[0] = formatVersion
	binary.BigEndian.PutUint64(header[1:9], numBuckets)
	binary.BigEndian.PutUint64(header[9:17], chainVersion)
	if _, err := f.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("hdhm: write bucket header: %w", err)
	}
	row := make([]byte, 8)
	for i := uint64(0); i < numBuckets; i++ {
		head := uint64(0)
		if i < uint64(len(heads)) {
			head = heads[i]
		}
		binary.BigEndian.PutUint64(row, head)
		if _, err := f.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("hdhm: write bucket row %d: %w", i, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("hdhm: fsync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("hdhm: close %s: %w", path, err)
	}
	return os.Rename(path+".tmp", path)
}

func writeEmptyChainFile(dir string, chainVersion uint64) error {
	path := chainFilePath(dir, chainVersion)
	f, err := os.OpenFile(path+".tmp", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("hdhm: create %s: %w", path, err)
	}
	if _, err := f.Write([]byte{formatVersion}); err != nil {
		f.Close()
		return fmt.Errorf("hdhm: write chain header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(path+".tmp", path)
}

// readCurrent returns (0, 0) if no CURRENT file exists yet (a brand new
// map).
func readCurrent(dir string) (bucketVersion, chainVersion uint64, err error) {
	b, err := os.ReadFile(currentFilePath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("hdhm: read CURRENT: %w", err)
	}
	if len(b) != 16 {
		return 0, 0, fmt.Errorf("hdhm: CURRENT file has %d bytes, want 16", len(b))
	}
	return binary.BigEndian.Uint64(b[:8]), binary.BigEndian.Uint64(b[8:]), nil
}

func writeCurrent(dir string, bucketVersion, chainVersion uint64) error {
	path := currentFilePath(dir)
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], bucketVersion)
	binary.BigEndian.PutUint64(buf[8:], chainVersion)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, filePerm); err != nil {
		return fmt.Errorf("hdhm: write %s: %w", tmp, err)
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func openState(dir string, bucketVersion, chainVersion uint64) (*liveState, error) {
	bf, err := os.OpenFile(bucketFilePath(dir, bucketVersion), os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("hdhm: open bucket file v%d: %w", bucketVersion, err)
	}
	header := make([]byte, bucketHeaderLen)
	if _, err := bf.ReadAt(header, 0); err != nil {
		bf.Close()
		return nil, fmt.Errorf("hdhm: read bucket header: %w", err)
	}
	if header[0] != formatVersion {
		bf.Close()
		return nil, fmt.Errorf("hdhm: bucket file format version %d, want %d", header[0], formatVersion)
	}
	numBuckets := binary.BigEndian.Uint64(header[1:9])

	cf, err := os.OpenFile(chainFilePath(dir, chainVersion), os.O_RDWR, filePerm)
	if err != nil {
		bf.Close()
		return nil, fmt.Errorf("hdhm: open chain file v%d: %w", chainVersion, err)
	}
	info, err := cf.Stat()
	if err != nil {
		bf.Close()
		cf.Close()
		return nil, fmt.Errorf("hdhm: stat chain file v%d: %w", chainVersion, err)
	}

	return &liveState{
		numBuckets:    numBuckets,
		bucketVersion: bucketVersion,
		chainVersion:  chainVersion,
		bucketFile:    bf,
		chainFile:     cf,
		chainEnd:      uint64(info.Size()),
	}, nil
}

// Close releases the map's open file handles.
func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.st.bucketFile.Close(); err != nil {
		return err
	}
	return m.st.chainFile.Close()
}

type node struct {
	tombstone bool
	value     uint64
	prev      uint64
	key       []byte
}

func encodeNode(tombstone bool, value, prev uint64, key []byte) []byte {
	tb := byte(0)
	if tombstone {
		tb = 1
	}
	out := make([]byte, 0, 1+8+binary.MaxVarintLen64+binary.MaxVarintLen64+len(key))
	out = append(out, tb)
	var valBuf [8]byte
	binary.BigEndian.PutUint64(valBuf[:], value)
	out = append(out, valBuf[:]...)
	out = binary.AppendUvarint(out, prev)
	out = binary.AppendUvarint(out, uint64(len(key)))
	out = append(out, key...)
	return out
}

func readNode(f *os.File, off uint64) (node, error) {
	headerMax := 1 + 8 + binary.MaxVarintLen64 + binary.MaxVarintLen64
	buf := make([]byte, headerMax)
	n, err := f.ReadAt(buf, int64(off))
	if err != nil && n == 0 {
		return node{}, fmt.Errorf("hdhm: read node header at %d: %w", off, err)
	}
	buf = buf[:n]
	if len(buf) < 9 {
		return node{}, fmt.Errorf("hdhm: truncated node header at %d", off)
	}
	tombstone := buf[0] == 1
	value := binary.BigEndian.Uint64(buf[1:9])
	rest := buf[9:]
	prev, sz := binary.Uvarint(rest)
	if sz <= 0 {
		return node{}, fmt.Errorf("hdhm: invalid prev-offset varint at %d", off)
	}
	rest = rest[sz:]
	keyLen, sz2 := binary.Uvarint(rest)
	if sz2 <= 0 {
		return node{}, fmt.Errorf("hdhm: invalid key-length varint at %d", off)
	}
	keyOff := off + uint64(9+sz+sz2)
	key := make([]byte, keyLen)
	if keyLen > 0 {
		if _, err := f.ReadAt(key, int64(keyOff)); err != nil {
			return node{}, fmt.Errorf("hdhm: read key at %d: %w", keyOff, err)
		}
	}
	return node{tombstone: tombstone, value: value, prev: prev, key: key}, nil
}

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

// Package cache implements the versioned overlay from spec.md §4.G: a
// multi-version cache of leaf rows keyed by both (key, version) and
// (path, version), plus per-version dirty-internal markers, sitting in
// front of the durable data source. Exactly one version is mutable at
// a time; sealed versions are read through a shared lock, never
// mutated, and released once their changes have been durably flushed.
package cache

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/virtualmap/vmap/api/record"
)

// ErrNotMutable is returned when a mutation targets a version other
// than the cache's current mutable version.
var ErrNotMutable = errors.New("cache: version is not the mutable version")

// ErrAlreadySealed is returned when Seal or MarkMutable is called out
// of the required Mutable -> Sealed -> (next) Mutable sequence.
var ErrAlreadySealed = errors.New("cache: version already sealed or not current mutable version")

// row is one leaf mutation recorded at a version.
type row struct {
	version   uint64
	leaf      record.Leaf
	tombstone bool
}

// Lookup is the result of LookupByKey/LookupByPath: spec.md §4.G's
// "LatestLeq".
type Lookup struct {
	Leaf      record.Leaf
	Found     bool // false => miss: no version <= the query touched this row
	Tombstone bool // true => the latest touching version deleted it
}

// LeafDelete names a leaf removed from a flushed change-set, mirroring
// internal/datasource.LeafDelete without importing it (this package
// sits below datasource in the dependency graph).
type LeafDelete struct {
	Path uint64
	Key  []byte
}

// Cache is the versioned overlay described in package doc.
type Cache struct {
	mu sync.RWMutex

	byKey  map[string][]row
	byPath map[uint64][]row

	// dirtyInternal[version] is the set of internal paths invalidated at
	// that version, per spec.md §4.G invalidate_internal.
	dirtyInternal map[uint64]map[uint64]struct{}

	mutable       uint64
	hasMutable    bool
	sealed        map[uint64]struct{}
	highestSeen   uint64
	anyVersionSet bool
}

// New returns an empty cache with no mutable version set. Call
// MarkMutable before the first Put/Delete/Invalidate.
func New() *Cache {
	return &Cache{
		byKey:         make(map[string][]row),
		byPath:        make(map[uint64][]row),
		dirtyInternal: make(map[uint64]map[uint64]struct{}),
		sealed:        make(map[uint64]struct{}),
	}
}

// MarkMutable makes version the sole version accepting mutations.
// version must be strictly greater than any version previously marked
// mutable.
func (c *Cache) MarkMutable(version uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.anyVersionSet && version <= c.highestSeen {
		return fmt.Errorf("%w: version %d not greater than highest seen %d", ErrAlreadySealed, version, c.highestSeen)
	}
	c.mutable = version
	c.hasMutable = true
	c.anyVersionSet = true
	c.highestSeen = version
	return nil
}

// Seal makes version immutable; subsequent mutations must target a
// later version marked mutable via MarkMutable.
func (c *Cache) Seal(version uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasMutable || c.mutable != version {
		return fmt.Errorf("%w: version %d is not the current mutable version", ErrAlreadySealed, version)
	}
	c.sealed[version] = struct{}{}
	c.hasMutable = false
	return nil
}

// PutLeaf upserts leaf at version, which must be the current mutable
// version.
func (c *Cache) PutLeaf(version uint64, leaf record.Leaf) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.canMutate(version) {
		return ErrNotMutable
	}
	r := row{version: version, leaf: leaf}
	c.byKey[string(leaf.Key)] = append(c.byKey[string(leaf.Key)], r)
	c.byPath[leaf.Path] = append(c.byPath[leaf.Path], r)
	return nil
}

// DeleteLeaf records a tombstone for key/path at version, which must
// be the current mutable version.
func (c *Cache) DeleteLeaf(version uint64, key []byte, path uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.canMutate(version) {
		return ErrNotMutable
	}
	r := row{version: version, leaf: record.Leaf{Path: path, Key: key}, tombstone: true}
	c.byKey[string(key)] = append(c.byKey[string(key)], r)
	c.byPath[path] = append(c.byPath[path], r)
	return nil
}

// RelocateLeaf moves leaf (whose Path field already holds its new
// location) away from its old path, upserting the key->path mapping
// at the new path while tombstoning only the path-keyed row at the
// old path. Unlike DeleteLeaf, the key itself is never tombstoned: it
// remains live, just at a new path. This backs the dense leaf-path
// relocations in spec.md §3/§4.H (splitting the first leaf on insert,
// restoring density after a removal).
func (c *Cache) RelocateLeaf(version uint64, leaf record.Leaf, from uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.canMutate(version) {
		return ErrNotMutable
	}
	r := row{version: version, leaf: leaf}
	c.byKey[string(leaf.Key)] = append(c.byKey[string(leaf.Key)], r)
	c.byPath[leaf.Path] = append(c.byPath[leaf.Path], r)
	tomb := row{version: version, leaf: record.Leaf{Path: from, Key: leaf.Key}, tombstone: true}
	c.byPath[from] = append(c.byPath[from], tomb)
	return nil
}

// InvalidateInternal marks the internal hash at path dirty for
// version, which must be the current mutable version.
func (c *Cache) InvalidateInternal(version, path uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.canMutate(version) {
		return ErrNotMutable
	}
	set, ok := c.dirtyInternal[version]
	if !ok {
		set = make(map[uint64]struct{})
		c.dirtyInternal[version] = set
	}
	set[path] = struct{}{}
	return nil
}

func (c *Cache) canMutate(version uint64) bool {
	return c.hasMutable && c.mutable == version
}

// LookupByKey returns the LatestLeq row for key at version.
func (c *Cache) LookupByKey(key []byte, version uint64) Lookup {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return latestLeq(c.byKey[string(key)], version)
}

// LookupByPath is the path-indexed symmetric counterpart of
// LookupByKey.
func (c *Cache) LookupByPath(path uint64, version uint64) Lookup {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return latestLeq(c.byPath[path], version)
}

// latestLeq returns the row with the greatest version <= target. rows
// is always kept sorted ascending by version because mutations only
// ever append to the current (monotonically increasing) mutable
// version.
func latestLeq(rows []row, target uint64) Lookup {
	i := sort.Search(len(rows), func(i int) bool { return rows[i].version > target })
	if i == 0 {
		return Lookup{}
	}
	r := rows[i-1]
	return Lookup{Leaf: r.leaf, Found: true, Tombstone: r.tombstone}
}

// DirtyInternalPaths returns the union of paths invalidated at
// versions <= v, deduplicated.
func (c *Cache) DirtyInternalPaths(v uint64) []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[uint64]struct{})
	for version, set := range c.dirtyInternal {
		if version > v {
			continue
		}
		for p := range set {
			seen[p] = struct{}{}
		}
	}
	out := make([]uint64, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ChangeSet computes the flush change-set for spec.md §4.I step 4: the
// union of all still-live cache rows at versions <= v, one row per key
// (its LatestLeq(v)), split into upserts and deletes.
func (c *Cache) ChangeSet(v uint64) (leafUpserts []record.Leaf, leafDeletes []LeafDelete) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rows := range c.byKey {
		lookup := latestLeq(rows, v)
		if !lookup.Found {
			continue
		}
		if lookup.Tombstone {
			leafDeletes = append(leafDeletes, LeafDelete{Path: lookup.Leaf.Path, Key: lookup.Leaf.Key})
		} else {
			leafUpserts = append(leafUpserts, lookup.Leaf)
		}
	}
	return leafUpserts, leafDeletes
}

// ReleaseUpTo drops every cache row and dirty-internal marker at a
// version <= v, per spec.md §4.G release_up_to. Callers must only
// invoke this after F.save_records has durably committed the
// equivalent change-set.
func (c *Cache) ReleaseUpTo(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, rows := range c.byKey {
		kept := dropUpTo(rows, v)
		if len(kept) == 0 {
			delete(c.byKey, key)
		} else {
			c.byKey[key] = kept
		}
	}
	for path, rows := range c.byPath {
		kept := dropUpTo(rows, v)
		if len(kept) == 0 {
			delete(c.byPath, path)
		} else {
			c.byPath[path] = kept
		}
	}
	for version := range c.dirtyInternal {
		if version <= v {
			delete(c.dirtyInternal, version)
		}
	}
	for version := range c.sealed {
		if version <= v {
			delete(c.sealed, version)
		}
	}
}

// dropUpTo returns the suffix of rows with version > v. Because the
// last surviving row below v is shadowed by itself for any future
// query at a version >= v anyway (release_up_to is only ever called
// once a flush at v has made that row durable in F), it is safe to
// drop every row with version <= v outright rather than retaining the
// latest one as a sentinel.
func dropUpTo(rows []row, v uint64) []row {
	i := sort.Search(len(rows), func(i int) bool { return rows[i].version > v })
	if i == 0 {
		return rows
	}
	return append([]row(nil), rows[i:]...)
}

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

package vmap

import (
	"context"
	"fmt"
	"sync"

	"github.com/virtualmap/vmap/api/record"
	"github.com/virtualmap/vmap/internal/hasher"
	"github.com/virtualmap/vmap/internal/pathutil"
	"github.com/virtualmap/vmap/internal/pipeline"
)

// copyState is a VirtualRoot's position in the lifecycle spec.md §4.H
// and its "Archivable" supplement describe.
type copyState int

const (
	stateMutable copyState = iota
	stateSealed
	stateReleased
	stateArchivedReadOnly
)

// VirtualRoot is one versioned view of the map: spec.md §4.H's "holds
// a reference to the data source, a reference to the cache, the
// current tree state, and a version number". Exactly one VirtualRoot
// per Map is ever mutable at a time.
type VirtualRoot struct {
	m       *Map
	version uint64

	stateMu sync.RWMutex
	state   copyState

	tree pathutil.TreeState
	// touched is every leaf path this copy's version ever wrote to,
	// including ones later superseded by a further relocation within
	// the same version (e.g. a leaf that moved twice while the tree
	// shrank a level). At copy() time these are resolved back through
	// the cache's own LatestLeq to the authoritative final value, so a
	// path abandoned mid-version by a later relocate is correctly
	// dropped rather than fed to the hasher as a stale leaf.
	touched map[uint64]struct{}
}

// Version returns this copy's version number.
func (c *VirtualRoot) Version() uint64 { return c.version }

func (c *VirtualRoot) getState() copyState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *VirtualRoot) setState(s copyState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = s
}

func (c *VirtualRoot) requireMutable() error {
	switch c.getState() {
	case stateMutable:
		return nil
	case stateReleased:
		return ErrReleasedState
	default:
		return ErrImmutableState
	}
}

func (c *VirtualRoot) requireReadable() error {
	if c.getState() == stateReleased {
		return ErrReleasedState
	}
	return nil
}

// Get implements spec.md §4.H get: consult the cache at this version,
// falling back to the data source on a miss.
func (c *VirtualRoot) Get(key []byte) ([]byte, bool, error) {
	if err := c.requireReadable(); err != nil {
		return nil, false, err
	}
	leaf, found, err := c.lookup(key)
	if err != nil || !found {
		return nil, found, err
	}
	return leaf.Value, true, nil
}

// GetForModify implements spec.md §4.H get_for_modify: like Get, but
// materializes a cache row for this version so a subsequent Put of the
// same key is recognised as an update rather than a fresh insert, and
// so the leaf's ancestors are already tracked as dirty.
func (c *VirtualRoot) GetForModify(key []byte) (record.Leaf, bool, error) {
	if err := c.requireMutable(); err != nil {
		return record.Leaf{}, false, err
	}
	leaf, found, err := c.lookup(key)
	if err != nil || !found {
		return record.Leaf{}, false, err
	}
	if err := c.markDirty(leaf); err != nil {
		return record.Leaf{}, false, err
	}
	return leaf, true, nil
}

// lookup resolves key through the cache at this copy's version, then
// the data source. An archived copy skips the cache entirely — per
// SPEC_FULL.md's "Archivable" supplement, its in-memory index may have
// been freed, so reads fall back to the data source only.
func (c *VirtualRoot) lookup(key []byte) (record.Leaf, bool, error) {
	if c.getState() != stateArchivedReadOnly {
		l := c.m.cache.LookupByKey(key, c.version)
		if l.Found {
			if l.Tombstone {
				return record.Leaf{}, false, nil
			}
			return l.Leaf, true, nil
		}
	}
	leaf, found, err := c.m.src.FindLeafByKey(key)
	if err != nil {
		return record.Leaf{}, false, fmt.Errorf("vmap: get %q: %w", key, err)
	}
	return leaf, found, nil
}

// resolvePath is lookup, but returns just the leaf's path (Put/Remove
// only need to know whether and where the key currently lives).
func (c *VirtualRoot) resolvePath(key []byte) (path uint64, found bool, err error) {
	leaf, found, err := c.lookup(key)
	if err != nil || !found {
		return 0, found, err
	}
	return leaf.Path, true, nil
}

// Put implements spec.md §4.H put.
func (c *VirtualRoot) Put(key, value []byte) error {
	if err := c.requireMutable(); err != nil {
		return err
	}
	path, found, err := c.resolvePath(key)
	if err != nil {
		return err
	}
	if !found {
		exp, err := c.tree.Expand()
		if err != nil {
			return fmt.Errorf("vmap: expand tree for new leaf: %w", err)
		}
		if exp.Relocate != nil {
			if err := c.relocate(exp.Relocate.From, exp.Relocate.To); err != nil {
				return err
			}
		}
		path = exp.NewLeafPath
		c.tree = exp.Next
	}

	leaf := record.Leaf{
		Path:  path,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
		Hash:  c.m.digest.LeafHash(key, value),
	}
	return c.markDirty(leaf)
}

// Remove implements spec.md §4.H remove: tombstone the key's leaf,
// then compact the dense leaf-path packing.
func (c *VirtualRoot) Remove(key []byte) error {
	if err := c.requireMutable(); err != nil {
		return err
	}
	path, found, err := c.resolvePath(key)
	if err != nil {
		return err
	}
	if !found {
		if c.m.cfg.RemoveMissing == RemoveMissingIsError {
			return ErrNotFound
		}
		return nil
	}

	if err := c.m.cache.DeleteLeaf(c.version, key, path); err != nil {
		return fmt.Errorf("vmap: delete leaf at path %d: %w", path, err)
	}

	contraction, err := c.tree.Contract(path)
	if err != nil {
		return fmt.Errorf("vmap: contract tree after remove: %w", err)
	}
	if contraction.MoveLastToVacated {
		if err := c.relocate(contraction.LastLeafPath, path); err != nil {
			return err
		}
	}
	if contraction.Relocate != nil {
		if err := c.relocate(contraction.Relocate.From, contraction.Relocate.To); err != nil {
			return err
		}
	}
	c.tree = contraction.Next
	return nil
}

// relocate moves whichever leaf currently occupies from to to, per the
// dense-packing relocations in pathutil.TreeState's Expand/Contract.
func (c *VirtualRoot) relocate(from, to uint64) error {
	leaf, found, err := c.leafAtPath(from)
	if err != nil {
		return fmt.Errorf("vmap: relocate read path %d: %w", from, err)
	}
	if !found {
		return fmt.Errorf("vmap: no leaf at path %d to relocate to %d", from, to)
	}
	moved := record.Leaf{Path: to, Key: leaf.Key, Value: leaf.Value, Hash: leaf.Hash}
	if err := c.m.cache.RelocateLeaf(c.version, moved, from); err != nil {
		return fmt.Errorf("vmap: relocate path %d to %d: %w", from, to, err)
	}
	return c.trackDirty(moved)
}

func (c *VirtualRoot) leafAtPath(path uint64) (record.Leaf, bool, error) {
	l := c.m.cache.LookupByPath(path, c.version)
	if l.Found {
		if l.Tombstone {
			return record.Leaf{}, false, nil
		}
		return l.Leaf, true, nil
	}
	return c.m.src.FindLeafByPath(path)
}

// markDirty writes leaf into the cache at this version and tracks it
// (and its ancestors) as dirty.
func (c *VirtualRoot) markDirty(leaf record.Leaf) error {
	if err := c.m.cache.PutLeaf(c.version, leaf); err != nil {
		return fmt.Errorf("vmap: put leaf at path %d: %w", leaf.Path, err)
	}
	return c.trackDirty(leaf)
}

// trackDirty records leaf's path as touched this version and marks its
// ancestors invalidated in the cache, per spec.md §4.G
// invalidate_internal. The path's final leaf-hash value is resolved
// back through the cache at copy() time rather than recorded here,
// since a later relocate within the same version (e.g. the second hop
// of a remove's compaction) can move the same key on again before this
// version ever seals.
func (c *VirtualRoot) trackDirty(leaf record.Leaf) error {
	c.touched[leaf.Path] = struct{}{}
	p := leaf.Path
	for {
		parent, err := pathutil.Parent(p)
		if err != nil {
			return nil // p == 0: reached the root, nothing further to invalidate.
		}
		if err := c.m.cache.InvalidateInternal(c.version, parent); err != nil {
			return fmt.Errorf("vmap: invalidate internal at path %d: %w", parent, err)
		}
		p = parent
	}
}

// Copy implements spec.md §4.H copy(): seals this version, produces a
// new mutable copy at version+1, and enqueues this version to the
// pipeline for hashing and flush/merge.
func (c *VirtualRoot) Copy(ctx context.Context) (*VirtualRoot, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	if err := c.requireMutable(); err != nil {
		return nil, err
	}

	version := c.version
	tree := c.tree

	// Resolve every touched path back through the cache's own LatestLeq
	// at this version, keeping only the ones that are still live leaves
	// under the final tree. A path this version wrote to and then moved
	// away from again (e.g. a leaf relocated twice while compacting
	// after a remove) resolves to a tombstone here and is correctly
	// dropped, rather than feeding the hasher a stale leaf hash at a
	// path that is no longer a leaf, or isn't a leaf at all, in tree.
	dirty := make(map[uint64][]byte, len(c.touched))
	for p := range c.touched {
		if !pathutil.IsLeaf(p, tree.FirstLeafPath, tree.LastLeafPath, tree.Size) {
			continue
		}
		lookup := c.m.cache.LookupByPath(p, version)
		if lookup.Found && !lookup.Tombstone {
			dirty[p] = lookup.Leaf.Hash
		}
	}

	if err := c.m.cache.Seal(version); err != nil {
		return nil, fmt.Errorf("vmap: seal version %d: %w", version, err)
	}
	c.setState(stateSealed)

	next := &VirtualRoot{
		m:       c.m,
		version: version + 1,
		state:   stateMutable,
		tree:    tree,
		touched: make(map[uint64]struct{}),
	}
	if err := c.m.cache.MarkMutable(next.version); err != nil {
		return nil, fmt.Errorf("vmap: mark version %d mutable: %w", next.version, err)
	}
	c.m.current = next

	job := pipeline.Job{
		Version: version,
		IsFlush: version%uint64(c.m.cfg.FlushInterval) == 0,
		Hash: func(ctx context.Context) (hasher.Result, error) {
			res, err := hasher.ComputeDirty(ctx, c.m.digest, tree, dirty, c.m.siblingSource(version, tree), c.m.workers)
			if err != nil {
				return hasher.Result{}, err
			}
			c.m.recordInternals(res)
			return res, nil
		},
		Flush: func(ctx context.Context, h hasher.Result) error {
			return c.m.doFlush(version, tree, h)
		},
		Merge: func(ctx context.Context, h hasher.Result) error {
			return c.m.doMerge(version)
		},
	}
	if err := c.m.pipe.Submit(ctx, job); err != nil {
		return nil, mapPipelineErr(err)
	}
	return next, nil
}

// WaitUntilFlushed blocks until the pipeline has finished processing
// this copy (flushed, merged, or failed), per spec.md §5.
func (c *VirtualRoot) WaitUntilFlushed(ctx context.Context) error {
	return mapPipelineErr(c.m.pipe.WaitUntilFlushed(ctx, c.version))
}

// Archive implements the optional ArchivedReadOnly state from
// SPEC_FULL.md's "Archivable" supplement: reads on an archived copy
// fall back to the data source only. Writes remain disallowed, as on
// any sealed copy.
func (c *VirtualRoot) Archive() error {
	if c.getState() == stateReleased {
		return ErrReleasedState
	}
	c.setState(stateArchivedReadOnly)
	return nil
}

// Release marks this copy released; subsequent reads fail with
// ErrReleasedState.
func (c *VirtualRoot) Release() {
	c.setState(stateReleased)
}

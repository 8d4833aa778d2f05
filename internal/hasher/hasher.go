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

package hasher

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/virtualmap/vmap/api/record"
	"github.com/virtualmap/vmap/internal/pathutil"
)

// SiblingSource supplies the hash of a path that was not recomputed in
// this pass, per spec.md §4.J step 2 ("read sibling hashes from cache
// preferred, then F"). Implementations typically check the versioned
// cache first and fall back to the data source.
type SiblingSource interface {
	HashAt(path uint64) ([]byte, bool, error)
}

// Result is the output of ComputeDirty: every recomputed internal
// record plus the new root hash.
type Result struct {
	Internals []record.Internal
	RootHash  []byte
}

// Workers bounds the hashing pool, per spec.md §4.J "a bounded worker
// pool sized to percentHashThreads of available cores".
func Workers(percentHashThreads int) int {
	if percentHashThreads <= 0 {
		percentHashThreads = 50
	}
	n := runtime.GOMAXPROCS(0) * percentHashThreads / 100
	if n < 1 {
		n = 1
	}
	return n
}

// ComputeDirty implements spec.md §4.J: given the leaf hashes freshly
// computed for every dirty leaf path at this version (dirtyLeafHashes),
// it recomputes the hash of every ancestor of a dirty path and returns
// the updated internal records plus the new root hash.
//
// Because leaves in a dense-packed tree can sit on either of the two
// deepest levels, dirty paths do not all share one level; a node at a
// shallower level must never be scheduled in the same round as one of
// its own descendants. Recomputation therefore proceeds strictly by
// tree level, deepest first: each round computes every node whose
// children are already known, then folds the newly computed parents
// into the next (shallower) round, so a level never starts before all
// of its children have finished — exactly spec.md §4.J's "across
// levels it does [matter]; no level begins until all its children are
// done".
func ComputeDirty(ctx context.Context, digest Digest, tree pathutil.TreeState, dirtyLeafHashes map[uint64][]byte, sibs SiblingSource, workers int) (Result, error) {
	if tree.IsEmpty() {
		return Result{RootHash: digest.EmptyRoot()}, nil
	}
	if workers < 1 {
		workers = 1
	}

	computed := make(map[uint64][]byte, len(dirtyLeafHashes))
	for p, h := range dirtyLeafHashes {
		computed[p] = h
	}

	pending := make(map[uint64]map[uint64]struct{})
	for p := range dirtyLeafHashes {
		lvl, err := pathutil.Level(p)
		if err != nil {
			return Result{}, fmt.Errorf("hasher: level(%d): %w", p, err)
		}
		if lvl == 0 {
			continue // the single leaf at path 0 is already the root.
		}
		addPending(pending, lvl, p)
	}

	var internals []record.Internal
	for len(pending) > 0 {
		level := maxLevel(pending)
		children := pending[level]
		delete(pending, level)

		parents := distinctParents(children)
		results, err := computeLevel(ctx, digest, parents, computed, sibs, workers)
		if err != nil {
			return Result{}, err
		}
		for _, r := range results {
			computed[r.Path] = r.Hash
			internals = append(internals, r)
		}

		if level == 1 {
			continue // parents are the root; nothing left to propagate.
		}
		for _, p := range parents {
			addPending(pending, level-1, p)
		}
	}

	root, ok := computed[0]
	if !ok {
		return Result{}, fmt.Errorf("hasher: root path 0 was never computed")
	}
	return Result{Internals: internals, RootHash: root}, nil
}

// computeLevel hashes every path in parents concurrently, bounded by
// workers. Every child hash it needs is either already in computed
// (from a deeper round, or an original dirty leaf) or fetched from
// sibs.
func computeLevel(ctx context.Context, digest Digest, parents []uint64, computed map[uint64][]byte, sibs SiblingSource, workers int) ([]record.Internal, error) {
	sem := semaphore.NewWeighted(int64(workers))
	g, gctx := errgroup.WithContext(ctx)
	results := make([]record.Internal, len(parents))

	for i, p := range parents {
		i, p := i, p
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, fmt.Errorf("hasher: acquire worker slot: %w", err)
		}
		g.Go(func() error {
			defer sem.Release(1)
			left, right, err := childHashes(p, computed, sibs)
			if err != nil {
				return fmt.Errorf("hasher: path %d: %w", p, err)
			}
			results[i] = record.Internal{Path: p, Hash: digest.NodeHash(left, right)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// childHashes resolves the hash of path p's two children, preferring
// values already computed in this pass, then falling back to sibs.
func childHashes(p uint64, computed map[uint64][]byte, sibs SiblingSource) (left, right []byte, err error) {
	l, err := pathutil.LeftChild(p)
	if err != nil {
		return nil, nil, err
	}
	r, err := pathutil.RightChild(p)
	if err != nil {
		return nil, nil, err
	}
	left, err = resolveHash(l, computed, sibs)
	if err != nil {
		return nil, nil, err
	}
	right, err = resolveHash(r, computed, sibs)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

func resolveHash(p uint64, computed map[uint64][]byte, sibs SiblingSource) ([]byte, error) {
	if h, ok := computed[p]; ok {
		return h, nil
	}
	h, found, err := sibs.HashAt(p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("hasher: no hash available for path %d", p)
	}
	return h, nil
}

func addPending(pending map[uint64]map[uint64]struct{}, level, path uint64) {
	set, ok := pending[level]
	if !ok {
		set = make(map[uint64]struct{})
		pending[level] = set
	}
	set[path] = struct{}{}
}

func maxLevel(pending map[uint64]map[uint64]struct{}) uint64 {
	var max uint64
	first := true
	for lvl := range pending {
		if first || lvl > max {
			max = lvl
			first = false
		}
	}
	return max
}

// distinctParents returns the deduplicated set of parents of children.
func distinctParents(children map[uint64]struct{}) []uint64 {
	seen := make(map[uint64]struct{}, len(children))
	for p := range children {
		parent, err := pathutil.Parent(p)
		if err != nil {
			continue // p == 0; has no parent, nothing to schedule.
		}
		seen[parent] = struct{}{}
	}
	out := make([]uint64, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

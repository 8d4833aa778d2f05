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

// Package vmap implements a durable, versioned virtual Merkle map:
// a key/value store whose tree shape follows spec.md §3's dense
// leaf-path packing, backed by a data source (internal/datasource), a
// versioned in-memory overlay (internal/cache), and a background
// pipeline (internal/pipeline) that hashes, flushes and merges sealed
// copies strictly in version order.
package vmap

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"k8s.io/klog/v2"

	"github.com/virtualmap/vmap/internal/cache"
	"github.com/virtualmap/vmap/internal/datasource"
	"github.com/virtualmap/vmap/internal/hasher"
	"github.com/virtualmap/vmap/internal/pathutil"
	"github.com/virtualmap/vmap/internal/pipeline"
)

// initialVersion is the version number assigned to a freshly opened
// map's first mutable copy. Version numbers are process-local: this
// module does not persist a durable version counter (see DESIGN.md),
// so every Open begins a fresh versioning epoch over whatever tree
// state was last durably flushed.
const initialVersion = 1

// Map is a durable, versioned virtual Merkle map.
type Map struct {
	cfg     Config
	src     *datasource.Source
	cache   *cache.Cache
	digest  hasher.Digest
	pipe    *pipeline.Pipeline
	stats   Stats
	workers int

	mu      sync.Mutex
	current *VirtualRoot

	internalMu      sync.RWMutex
	internalOverlay map[uint64][]byte
}

// Open opens (or creates) a map rooted at cfg.StorageDir.
func Open(cfg Config) (*Map, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	src, err := datasource.Open(datasource.Options{
		StorageDir:       cfg.StorageDir,
		Label:            cfg.Label,
		BucketCount:      uint64(cfg.BucketCount),
		Remote:           cfg.RemoteMirror,
		RemotePrefix:     cfg.RemoteMirrorPrefix,
		CleanerInterval:  cfg.CleanerInterval,
		CleanerThreads:   cfg.cleanerThreads(runtime.GOMAXPROCS(0)),
		MergeMaxFiles:    cfg.MergeMaxFiles,
		MergeTargetBytes: int64(cfg.MergeTargetBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("vmap: open data source: %w", err)
	}

	digest, err := hasher.New(hasher.Algorithm(cfg.Digest.String()))
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("vmap: %w", err)
	}

	stats := statsOrNoop(cfg.Stats)

	m := &Map{
		cfg:             cfg,
		src:             src,
		cache:           cache.New(),
		digest:          digest,
		stats:           stats,
		workers:         cfg.hashThreads(runtime.GOMAXPROCS(0)),
		internalOverlay: make(map[uint64][]byte),
	}
	m.pipe = pipeline.New(pipeline.Config{
		FlushInterval:           cfg.FlushInterval,
		PreferredFlushQueueSize: cfg.PreferredFlushQueueSize,
		StepSize:                cfg.StepSize,
		MaxThrottlePeriod:       cfg.MaxThrottlePeriod,
		MaximumMapSize:          cfg.MaximumMapSize,
		Stats:                   stats,
	})

	if err := m.cache.MarkMutable(initialVersion); err != nil {
		return nil, fmt.Errorf("vmap: mark initial version mutable: %w", err)
	}
	m.current = &VirtualRoot{
		m:       m,
		version: initialVersion,
		state:   stateMutable,
		tree:    src.TreeState(),
		touched: make(map[uint64]struct{}),
	}
	return m, nil
}

// Root returns the map's current mutable copy.
func (m *Map) Root() *VirtualRoot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// RootHash returns the last durably flushed root hash, or the empty
// tree's canonical root if nothing has flushed yet.
func (m *Map) RootHash() []byte {
	if h := m.src.RootHash(); h != nil {
		return h
	}
	return m.digest.EmptyRoot()
}

// Close stops the pipeline (waiting for in-flight work to drain) and
// closes the underlying data source.
func (m *Map) Close() error {
	m.pipe.Close()
	return m.src.Close()
}

// Snapshot hard-links (or copies) the data source's durable files into
// directory, per spec.md §4.F.
func (m *Map) Snapshot(directory string) error {
	return m.src.Snapshot(directory)
}

func (m *Map) recordInternals(result hasher.Result) {
	if len(result.Internals) == 0 {
		return
	}
	m.internalMu.Lock()
	defer m.internalMu.Unlock()
	for _, n := range result.Internals {
		m.internalOverlay[n.Path] = n.Hash
	}
}

func (m *Map) internalOverlayGet(path uint64) ([]byte, bool) {
	m.internalMu.RLock()
	defer m.internalMu.RUnlock()
	h, ok := m.internalOverlay[path]
	return h, ok
}

// mapSiblingSource resolves a sibling hash needed by the hasher for a
// specific sealed version: a path within that version's leaf range is
// resolved as a leaf (cache, then the data source); any other path is
// an internal node, resolved from the in-memory overlay of not-yet-
// flushed internal hashes, then the data source.
type mapSiblingSource struct {
	m       *Map
	version uint64
	tree    pathutil.TreeState
}

func (m *Map) siblingSource(version uint64, tree pathutil.TreeState) hasher.SiblingSource {
	return mapSiblingSource{m: m, version: version, tree: tree}
}

func (s mapSiblingSource) HashAt(path uint64) ([]byte, bool, error) {
	if pathutil.IsLeaf(path, s.tree.FirstLeafPath, s.tree.LastLeafPath, s.tree.Size) {
		lookup := s.m.cache.LookupByPath(path, s.version)
		if lookup.Found {
			if lookup.Tombstone {
				return nil, false, nil
			}
			return lookup.Leaf.Hash, true, nil
		}
		leaf, found, err := s.m.src.FindLeafByPath(path)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, nil
		}
		return leaf.Hash, true, nil
	}
	if h, ok := s.m.internalOverlayGet(path); ok {
		return h, true, nil
	}
	h, found, err := s.m.src.FindInternalHash(path)
	if err != nil {
		return nil, false, err
	}
	return h, found, nil
}

// doFlush implements spec.md §4.I step 4 for a flush copy: compute the
// change-set, durably persist it, then release the cache rows it
// subsumes.
func (m *Map) doFlush(version uint64, tree pathutil.TreeState, result hasher.Result) error {
	leafUpserts, leafDeletes := m.cache.ChangeSet(version)
	deletes := make([]datasource.LeafDelete, len(leafDeletes))
	for i, d := range leafDeletes {
		deletes[i] = datasource.LeafDelete{Path: d.Path, Key: d.Key}
	}
	if err := m.src.SaveRecords(tree, result.Internals, leafUpserts, deletes, result.RootHash); err != nil {
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	m.cache.ReleaseUpTo(version)
	m.stats.Counter("vmap_flush_total", 1)
	return nil
}

// doMerge implements spec.md §4.I step 3 for a merge copy. A merge
// copy's cache rows are already visible to later versions through
// LookupByKey/LookupByPath's LatestLeq semantics, so there is nothing
// to copy; the row identities it owns are released together with
// every other version <= v the next time a flush's ReleaseUpTo runs.
func (m *Map) doMerge(version uint64) error {
	klog.V(2).Infof("vmap: merged version %d without a flush", version)
	m.stats.Counter("vmap_merge_total", 1)
	return nil
}

// mapPipelineErr translates a pipeline-layer sentinel error into the
// corresponding root-package one, per errors.go.
func mapPipelineErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrBackpressureExceeded):
		return fmt.Errorf("%w: %v", ErrBackpressureExceeded, err)
	case errors.Is(err, pipeline.ErrPipelineFailed), errors.Is(err, pipeline.ErrFatalIoError):
		return fmt.Errorf("%w: %v", ErrFatalIoError, err)
	case errors.Is(err, pipeline.ErrHashingFailed):
		return fmt.Errorf("%w: %v", ErrHashingFailed, err)
	default:
		return err
	}
}

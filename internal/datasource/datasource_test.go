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

package datasource

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/virtualmap/vmap/api/record"
	"github.com/virtualmap/vmap/internal/pathutil"
)

// fakeUploader records Upload calls instead of talking to real object
// storage, for exercising Source's "mirror after snapshot" wiring.
type fakeUploader struct {
	mu        sync.Mutex
	calls     int
	directory string
	prefix    string
	done      chan struct{}
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{done: make(chan struct{}, 1)}
}

func (f *fakeUploader) Upload(ctx context.Context, directory, prefix string) error {
	f.mu.Lock()
	f.calls++
	f.directory = directory
	f.prefix = prefix
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func openTestSource(t *testing.T) *Source {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Options{StorageDir: dir, Label: "test-map", BucketCount: 1 << 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestFreshSourceIsEmpty(t *testing.T) {
	s := openTestSource(t)
	tree := s.TreeState()
	if !tree.IsEmpty() {
		t.Errorf("TreeState() = %+v, want empty", tree)
	}
	if _, found, err := s.FindLeafByKey([]byte("nope")); err != nil || found {
		t.Errorf("FindLeafByKey(missing) = (_, %v, %v), want (_, false, nil)", found, err)
	}
}

func TestSaveRecordsRoundTrip(t *testing.T) {
	s := openTestSource(t)

	leaf := record.Leaf{Path: 0, Key: []byte("k1"), Value: []byte("v1"), Hash: make([]byte, 32)}
	internal := record.Internal{Path: 1, Hash: make([]byte, 32)}
	tree := pathutil.TreeState{Size: 1, FirstLeafPath: 0, LastLeafPath: 0}
	rootHash := make([]byte, 32)
	rootHash[0] = 0x42

	if err := s.SaveRecords(tree, []record.Internal{internal}, []record.Leaf{leaf}, nil, rootHash); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}

	got, found, err := s.FindLeafByKey([]byte("k1"))
	if err != nil || !found {
		t.Fatalf("FindLeafByKey(k1) = (_, %v, %v)", found, err)
	}
	if string(got.Value) != "v1" {
		t.Errorf("leaf value = %q, want %q", got.Value, "v1")
	}

	gotByPath, found, err := s.FindLeafByPath(0)
	if err != nil || !found || string(gotByPath.Key) != "k1" {
		t.Errorf("FindLeafByPath(0) = (%+v, %v, %v)", gotByPath, found, err)
	}

	hash, found, err := s.FindInternalHash(1)
	if err != nil || !found || len(hash) != 32 {
		t.Errorf("FindInternalHash(1) = (%x, %v, %v)", hash, found, err)
	}

	if got := s.TreeState(); got != tree {
		t.Errorf("TreeState() = %+v, want %+v", got, tree)
	}
	if got := s.RootHash(); string(got) != string(rootHash) {
		t.Errorf("RootHash() = %x, want %x", got, rootHash)
	}
}

func TestSaveRecordsDeleteRemovesBothMappings(t *testing.T) {
	s := openTestSource(t)

	leaf := record.Leaf{Path: 0, Key: []byte("k1"), Value: []byte("v1"), Hash: make([]byte, 32)}
	tree := pathutil.TreeState{Size: 1, FirstLeafPath: 0, LastLeafPath: 0}
	if err := s.SaveRecords(tree, nil, []record.Leaf{leaf}, nil, make([]byte, 32)); err != nil {
		t.Fatalf("SaveRecords (insert): %v", err)
	}

	if err := s.SaveRecords(pathutil.Empty(), nil, nil, []LeafDelete{{Path: 0, Key: []byte("k1")}}, nil); err != nil {
		t.Fatalf("SaveRecords (delete): %v", err)
	}

	if _, found, err := s.FindLeafByKey([]byte("k1")); err != nil || found {
		t.Errorf("FindLeafByKey(k1) after delete = (_, %v, %v), want (_, false, nil)", found, err)
	}
	if _, found, err := s.FindLeafByPath(0); err != nil || found {
		t.Errorf("FindLeafByPath(0) after delete = (_, %v, %v), want (_, false, nil)", found, err)
	}
}

func TestReopenPreservesStateAndData(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{StorageDir: dir, Label: "m", BucketCount: 1 << 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	leaf := record.Leaf{Path: 0, Key: []byte("k"), Value: []byte("v"), Hash: make([]byte, 32)}
	tree := pathutil.TreeState{Size: 1, FirstLeafPath: 0, LastLeafPath: 0}
	rootHash := make([]byte, 32)
	rootHash[0] = 7
	if err := s.SaveRecords(tree, nil, []record.Leaf{leaf}, nil, rootHash); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Options{StorageDir: dir, Label: "m", BucketCount: 1 << 10})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.TreeState(); got != tree {
		t.Errorf("TreeState() after reopen = %+v, want %+v", got, tree)
	}
	if got := reopened.RootHash(); string(got) != string(rootHash) {
		t.Errorf("RootHash() after reopen = %x, want %x", got, rootHash)
	}
	got, found, err := reopened.FindLeafByKey([]byte("k"))
	if err != nil || !found || string(got.Value) != "v" {
		t.Errorf("FindLeafByKey(k) after reopen = (%+v, %v, %v)", got, found, err)
	}
}

func TestSnapshotLinksFilesAndWritesCheckpoint(t *testing.T) {
	s := openTestSource(t)
	leaf := record.Leaf{Path: 0, Key: []byte("k"), Value: []byte("v"), Hash: make([]byte, 32)}
	tree := pathutil.TreeState{Size: 1, FirstLeafPath: 0, LastLeafPath: 0}
	rootHash := make([]byte, 32)
	if err := s.SaveRecords(tree, nil, []record.Leaf{leaf}, nil, rootHash); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}

	snapDir := filepath.Join(t.TempDir(), "snap")
	if err := s.Snapshot(snapDir); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if _, err := os.Stat(filepath.Join(snapDir, "checkpoint.txt")); err != nil {
		t.Errorf("checkpoint.txt missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(snapDir, stateFileName)); err != nil {
		t.Errorf("state file missing from snapshot: %v", err)
	}
	if _, err := os.Stat(filepath.Join(snapDir, leafIndexDirName)); err != nil {
		t.Errorf("leaf index dir missing from snapshot: %v", err)
	}
}

func TestSnapshotMirrorsToConfiguredRemoteUploader(t *testing.T) {
	uploader := newFakeUploader()
	dir := t.TempDir()
	s, err := Open(Options{
		StorageDir:   dir,
		Label:        "m",
		BucketCount:  1 << 10,
		Remote:       uploader,
		RemotePrefix: "maps/m",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	leaf := record.Leaf{Path: 0, Key: []byte("k"), Value: []byte("v"), Hash: make([]byte, 32)}
	tree := pathutil.TreeState{Size: 1, FirstLeafPath: 0, LastLeafPath: 0}
	if err := s.SaveRecords(tree, nil, []record.Leaf{leaf}, nil, make([]byte, 32)); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}

	snapDir := filepath.Join(t.TempDir(), "snap")
	if err := s.Snapshot(snapDir); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	select {
	case <-uploader.done:
	case <-time.After(5 * time.Second):
		t.Fatal("remote mirror was never invoked after Snapshot")
	}

	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	if uploader.calls != 1 {
		t.Errorf("Upload called %d times, want 1", uploader.calls)
	}
	if uploader.directory != snapDir {
		t.Errorf("Upload directory = %q, want %q", uploader.directory, snapDir)
	}
	if uploader.prefix != "maps/m" {
		t.Errorf("Upload prefix = %q, want %q", uploader.prefix, "maps/m")
	}
}

// countDataFiles reports how many sealed data files a path index
// directory currently holds, to observe the background cleaner's
// effect on disk without reaching into pathindex's unexported fields.
func countDataFiles(t *testing.T, indexDir string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(indexDir, "data-*.dat"))
	if err != nil {
		t.Fatalf("glob %s: %v", indexDir, err)
	}
	return len(matches)
}

func TestBackgroundCleanerMergesSealedFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{
		StorageDir:       dir,
		Label:            "m",
		BucketCount:      1 << 10,
		CleanerInterval:  10 * time.Millisecond,
		CleanerThreads:   2,
		MergeMaxFiles:    16,
		MergeTargetBytes: 64 << 20,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	leafDir := filepath.Join(dir, leafIndexDirName)
	const flushes = 6
	for i := 0; i < flushes; i++ {
		leaf := record.Leaf{Path: uint64(i), Key: []byte{byte(i)}, Value: []byte("v"), Hash: make([]byte, 32)}
		tree := pathutil.TreeState{Size: uint64(i + 1), FirstLeafPath: 0, LastLeafPath: uint64(i)}
		if err := s.SaveRecords(tree, nil, []record.Leaf{leaf}, nil, make([]byte, 32)); err != nil {
			t.Fatalf("SaveRecords %d: %v", i, err)
		}
	}
	if got := countDataFiles(t, leafDir); got != flushes {
		t.Fatalf("sealed files before merge = %d, want %d", got, flushes)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if countDataFiles(t, leafDir) < flushes {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background cleaner never merged sealed files down from %d", flushes)
		}
		time.Sleep(20 * time.Millisecond)
	}

	leaf, found, err := s.FindLeafByPath(0)
	if err != nil || !found || string(leaf.Key) != string([]byte{0}) {
		t.Errorf("FindLeafByPath(0) after merge = (%+v, %v, %v), want key 0 still readable", leaf, found, err)
	}
}

func TestSnapshotWithoutRemoteConfiguredDoesNotPanic(t *testing.T) {
	s := openTestSource(t)
	leaf := record.Leaf{Path: 0, Key: []byte("k"), Value: []byte("v"), Hash: make([]byte, 32)}
	tree := pathutil.TreeState{Size: 1, FirstLeafPath: 0, LastLeafPath: 0}
	if err := s.SaveRecords(tree, nil, []record.Leaf{leaf}, nil, make([]byte, 32)); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}
	if err := s.Snapshot(filepath.Join(t.TempDir(), "snap")); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
}

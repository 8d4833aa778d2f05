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

package pathindex

import (
	"testing"
)

func writeOne(t *testing.T, idx *Index, path uint64, payload string) {
	t.Helper()
	s, err := idx.StartWriting()
	if err != nil {
		t.Fatalf("StartWriting: %v", err)
	}
	if err := s.Put(path, []byte(payload)); err != nil {
		t.Fatalf("Put(%d): %v", path, err)
	}
	if _, err := s.EndWriting(); err != nil {
		t.Fatalf("EndWriting: %v", err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeOne(t, idx, 0, "root")
	writeOne(t, idx, 1, "left")
	writeOne(t, idx, 2, "right")

	for path, want := range map[uint64]string{0: "root", 1: "left", 2: "right"} {
		got, found, err := idx.Get(path)
		if err != nil {
			t.Fatalf("Get(%d): %v", path, err)
		}
		if !found || string(got) != want {
			t.Errorf("Get(%d) = (%q, %v), want (%q, true)", path, got, found, want)
		}
	}
}

func TestGetMissingPath(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, found, err := idx.Get(99); err != nil || found {
		t.Errorf("Get(99) = (_, %v, %v), want (_, false, nil)", found, err)
	}
}

func TestOverwriteLaterSessionWins(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeOne(t, idx, 5, "v1")
	writeOne(t, idx, 5, "v2")
	got, found, err := idx.Get(5)
	if err != nil || !found || string(got) != "v2" {
		t.Errorf("Get(5) = (%q, %v, %v), want (\"v2\", true, nil)", got, found, err)
	}
}

func TestOnlyOneSessionAtATime(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s, err := idx.StartWriting()
	if err != nil {
		t.Fatalf("StartWriting: %v", err)
	}
	if _, err := idx.StartWriting(); err != ErrAlreadyWriting {
		t.Errorf("second StartWriting: err = %v, want ErrAlreadyWriting", err)
	}
	if _, err := s.EndWriting(); err != nil {
		t.Fatalf("EndWriting: %v", err)
	}
}

func TestReopenReplaysFromDisk(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeOne(t, idx, 10, "a")
	writeOne(t, idx, 11, "b")
	writeOne(t, idx, 10, "a-updated")

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, found, err := reopened.Get(10)
	if err != nil || !found || string(got) != "a-updated" {
		t.Errorf("Get(10) after reopen = (%q, %v, %v), want (\"a-updated\", true, nil)", got, found, err)
	}
	got, found, err = reopened.Get(11)
	if err != nil || !found || string(got) != "b" {
		t.Errorf("Get(11) after reopen = (%q, %v, %v), want (\"b\", true, nil)", got, found, err)
	}
}

func TestMergeCollapsesFilesAndPreservesLiveRecords(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeOne(t, idx, 0, "v0")
	writeOne(t, idx, 1, "v1")
	writeOne(t, idx, 0, "v0-updated") // supersedes the first file's record for path 0

	merged, err := idx.Merge(1<<20, 10)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !merged {
		t.Fatalf("Merge() = false, want true")
	}

	if got := len(idx.fs.AllFiles()); got != 1 {
		t.Errorf("AllFiles() after merge has %d entries, want 1", got)
	}

	got0, found, err := idx.Get(0)
	if err != nil || !found || string(got0) != "v0-updated" {
		t.Errorf("Get(0) after merge = (%q, %v, %v), want (\"v0-updated\", true, nil)", got0, found, err)
	}
	got1, found, err := idx.Get(1)
	if err != nil || !found || string(got1) != "v1" {
		t.Errorf("Get(1) after merge = (%q, %v, %v), want (\"v1\", true, nil)", got1, found, err)
	}
}

func TestMergeNoopWithFewerThanTwoFiles(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeOne(t, idx, 0, "only")
	merged, err := idx.Merge(1<<20, 10)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged {
		t.Errorf("Merge() = true with a single file, want false")
	}
}

func TestDeleteHidesPathAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeOne(t, idx, 3, "gone-soon")

	s, err := idx.StartWriting()
	if err != nil {
		t.Fatalf("StartWriting: %v", err)
	}
	if err := s.Delete(3); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.EndWriting(); err != nil {
		t.Fatalf("EndWriting: %v", err)
	}
	if _, found, err := idx.Get(3); err != nil || found {
		t.Errorf("Get(3) after Delete = (_, %v, %v), want (_, false, nil)", found, err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, found, err := reopened.Get(3); err != nil || found {
		t.Errorf("Get(3) after reopen = (_, %v, %v), want (_, false, nil)", found, err)
	}
}

func TestMergeRejectsDuringActiveSession(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	writeOne(t, idx, 0, "a")
	writeOne(t, idx, 1, "b")

	s, err := idx.StartWriting()
	if err != nil {
		t.Fatalf("StartWriting: %v", err)
	}
	if _, err := idx.Merge(1<<20, 10); err != ErrAlreadyWriting {
		t.Errorf("Merge during session: err = %v, want ErrAlreadyWriting", err)
	}
	if _, err := s.EndWriting(); err != nil {
		t.Fatalf("EndWriting: %v", err)
	}
}

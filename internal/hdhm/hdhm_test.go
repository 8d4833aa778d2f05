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

package hdhm

import (
	"fmt"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Put([]byte("alpha"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Put([]byte("bravo"), 2); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v, found, err := m.Get([]byte("alpha")); err != nil || !found || v != 1 {
		t.Errorf("Get(alpha) = (%d, %v, %v), want (1, true, nil)", v, found, err)
	}
	if v, found, err := m.Get([]byte("bravo")); err != nil || !found || v != 2 {
		t.Errorf("Get(bravo) = (%d, %v, %v), want (2, true, nil)", v, found, err)
	}
}

func TestGetMissingKey(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, found, err := m.Get([]byte("nope")); err != nil || found {
		t.Errorf("Get(nope) = (_, %v, %v), want (_, false, nil)", found, err)
	}
}

func TestOverwriteReturnsLatest(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Put([]byte("k"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Put([]byte("k"), 2); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v, found, err := m.Get([]byte("k")); err != nil || !found || v != 2 {
		t.Errorf("Get(k) = (%d, %v, %v), want (2, true, nil)", v, found, err)
	}
}

func TestRemoveHidesKey(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Put([]byte("k"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Remove([]byte("k")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, found, err := m.Get([]byte("k")); err != nil || found {
		t.Errorf("Get(k) after Remove = (_, %v, %v), want (_, false, nil)", found, err)
	}
}

func TestCompactPreservesLiveRecordsAndDropsTombstones(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := m.Put([]byte(fmt.Sprintf("key-%d", i)), uint64(i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := m.Put([]byte("key-0"), 1000); err != nil { // duplicate, newest should win
		t.Fatalf("Put override: %v", err)
	}
	if err := m.Remove([]byte("key-1")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if err := m.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if v, found, err := m.Get([]byte("key-0")); err != nil || !found || v != 1000 {
		t.Errorf("Get(key-0) after compact = (%d, %v, %v), want (1000, true, nil)", v, found, err)
	}
	if _, found, err := m.Get([]byte("key-1")); err != nil || found {
		t.Errorf("Get(key-1) after compact = (_, %v, %v), want (_, false, nil)", found, err)
	}
	for i := 2; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		if v, found, err := m.Get([]byte(key)); err != nil || !found || v != uint64(i) {
			t.Errorf("Get(%s) after compact = (%d, %v, %v), want (%d, true, nil)", key, v, found, err, i)
		}
	}
}

func TestReopenAfterCompactSeesSameData(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Put([]byte("a"), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Put([]byte("b"), 2); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if v, found, err := reopened.Get([]byte("a")); err != nil || !found || v != 1 {
		t.Errorf("Get(a) after reopen = (%d, %v, %v), want (1, true, nil)", v, found, err)
	}
	if v, found, err := reopened.Get([]byte("b")); err != nil || !found || v != 2 {
		t.Errorf("Get(b) after reopen = (%d, %v, %v), want (2, true, nil)", v, found, err)
	}
}

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

package datafile

import (
	"testing"
)

func TestWriteSealReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	w, err := fs.StartWriting()
	if err != nil {
		t.Fatalf("StartWriting: %v", err)
	}

	locs := make([]uint64, 0, 3)
	payloads := [][]byte{[]byte("alpha"), []byte("bravo"), []byte("charlie")}
	for i, p := range payloads {
		loc, err := w.Write(uint64(i), p)
		if err != nil {
			t.Fatalf("Write(%d): %v", i, err)
		}
		locs = append(locs, loc)
	}

	sealed, err := w.EndWriting(fs)
	if err != nil {
		t.Fatalf("EndWriting: %v", err)
	}
	if sealed.MinPath != 0 || sealed.MaxPath != 2 {
		t.Errorf("sealed = %+v, want MinPath=0 MaxPath=2", sealed)
	}

	for i, loc := range locs {
		got, err := fs.Read(loc)
		if err != nil {
			t.Fatalf("Read(%d): %v", i, err)
		}
		if string(got) != string(payloads[i]) {
			t.Errorf("Read(%d) = %q, want %q", i, got, payloads[i])
		}
	}

	if got := len(fs.AllFiles()); got != 1 {
		t.Errorf("AllFiles() has %d entries, want 1", got)
	}
}

func TestOnlyOneWriterAtATime(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w, err := fs.StartWriting()
	if err != nil {
		t.Fatalf("StartWriting: %v", err)
	}
	if _, err := fs.StartWriting(); err == nil {
		t.Error("second StartWriting: want error, got nil")
	}
	if _, err := w.EndWriting(fs); err != nil {
		t.Fatalf("EndWriting: %v", err)
	}
	if _, err := fs.StartWriting(); err != nil {
		t.Errorf("StartWriting after previous sealed: %v", err)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w, err := fs.StartWriting()
	if err != nil {
		t.Fatalf("StartWriting: %v", err)
	}
	if _, err := w.Write(0, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sealed, err := w.EndWriting(fs)
	if err != nil {
		t.Fatalf("EndWriting: %v", err)
	}
	if err := fs.Remove([]uint32{sealed.ID}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := len(fs.AllFiles()); got != 0 {
		t.Errorf("AllFiles() after Remove has %d entries, want 0", got)
	}
}

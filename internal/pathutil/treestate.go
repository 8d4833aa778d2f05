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

package pathutil

import "fmt"

// TreeState is the per-version record from spec.md §3: either the tree
// is empty (Size==0, FirstLeafPath==LastLeafPath==-1) or Size>=1 and
// LastLeafPath == FirstLeafPath + Size - 1, with both paths on the
// deepest two levels.
type TreeState struct {
	Size          uint64
	FirstLeafPath int64 // -1 when empty
	LastLeafPath  int64 // -1 when empty
}

// Empty returns the canonical empty tree state.
func Empty() TreeState {
	return TreeState{Size: 0, FirstLeafPath: -1, LastLeafPath: -1}
}

// IsEmpty reports whether t is the empty tree state.
func (t TreeState) IsEmpty() bool { return t.Size == 0 }

// Validate checks the invariants from spec.md §3.
func (t TreeState) Validate() error {
	if t.Size == 0 {
		if t.FirstLeafPath != -1 || t.LastLeafPath != -1 {
			return fmt.Errorf("empty tree must have first=last=-1, got first=%d last=%d", t.FirstLeafPath, t.LastLeafPath)
		}
		return nil
	}
	if t.FirstLeafPath < 0 || t.LastLeafPath < 0 {
		return fmt.Errorf("non-empty tree must have non-negative leaf paths")
	}
	if uint64(t.LastLeafPath) != uint64(t.FirstLeafPath)+t.Size-1 {
		return fmt.Errorf("last leaf path %d != first %d + size %d - 1", t.LastLeafPath, t.FirstLeafPath, t.Size)
	}
	if t.Size == 1 && (t.FirstLeafPath != 0 || t.LastLeafPath != 0) {
		return fmt.Errorf("single-leaf tree must have first=last=0, got first=%d last=%d", t.FirstLeafPath, t.LastLeafPath)
	}
	firstLevel, err := Level(uint64(t.FirstLeafPath))
	if err != nil {
		return err
	}
	lastLevel, err := Level(uint64(t.LastLeafPath))
	if err != nil {
		return err
	}
	if t.Size > 1 && lastLevel != firstLevel && lastLevel != firstLevel+1 {
		return fmt.Errorf("leaf paths span more than two levels: first level %d last level %d", firstLevel, lastLevel)
	}
	return nil
}

// Expansion describes the effect of adding one more leaf to a tree
// state (spec.md §3: "Adding the Nth leaf either extends to the right
// on the current deepest level or begins a new deeper level by
// splitting the current leftmost leaf"). In this dense-path packing,
// every insertion after the first is structurally a split of the
// current first leaf: its record moves to its left child, and the
// newly inserted key is assigned its right child. Whether that reads
// as "extending the deepest level" or "starting a new one" depends only
// on whether the right child lands on the same level as the previous
// last leaf or one level deeper; the mechanics are identical either
// way.
type Expansion struct {
	Next TreeState
	// NewLeafPath is the path assigned to the newly inserted key.
	NewLeafPath uint64
	// Relocate is non-nil when an existing leaf's record must be
	// copied from Relocate.From to Relocate.To before NewLeafPath is
	// written. Nil only for the very first insertion into an empty
	// tree.
	Relocate *Relocation
}

// Relocation instructs the caller to copy a leaf record from one path
// to another as part of maintaining the dense leaf-path invariant.
type Relocation struct {
	From uint64
	To   uint64
}

// Expand computes the tree state and path assignment resulting from
// adding one more leaf.
func (t TreeState) Expand() (Expansion, error) {
	if t.IsEmpty() {
		return Expansion{Next: TreeState{Size: 1, FirstLeafPath: 0, LastLeafPath: 0}, NewLeafPath: 0}, nil
	}
	oldFirst := uint64(t.FirstLeafPath)
	relocateTo, err := LeftChild(oldFirst)
	if err != nil {
		return Expansion{}, err
	}
	newLeaf, err := RightChild(oldFirst)
	if err != nil {
		return Expansion{}, err
	}
	next := TreeState{
		Size:          t.Size + 1,
		FirstLeafPath: int64(oldFirst + 1),
		LastLeafPath:  int64(newLeaf),
	}
	return Expansion{
		Next:        next,
		NewLeafPath: newLeaf,
		Relocate:    &Relocation{From: oldFirst, To: relocateTo},
	}, nil
}

// Contraction describes the effect of removing the leaf at Vacated.
type Contraction struct {
	Next TreeState
	// MoveLastToVacated is true when the leaf currently at LastLeafPath
	// must be copied into the vacated slot before anything else
	// (spec.md §4.H: "compact the tree by moving the current last leaf
	// into the vacated slot"). False when the vacated slot is itself
	// the last leaf, in which case, per spec.md §4.H, "no move occurs".
	MoveLastToVacated bool
	LastLeafPath      uint64
	// Relocate, when non-nil, restores the dense leaf-path invariant by
	// copying the record at Relocate.From back to Relocate.To — the
	// structural inverse of Expand's relocation. This is independent of
	// which key was removed and happens whenever at least one leaf
	// remains (i.e. whenever Next.Size >= 1); it is not the same
	// "move" the spec's "no move occurs" sentence refers to (see
	// DESIGN.md).
	Relocate *Relocation
}

// Contract computes the tree state resulting from removing the leaf at
// path vacated, which must lie within [FirstLeafPath, LastLeafPath].
func (t TreeState) Contract(vacated uint64) (Contraction, error) {
	if t.IsEmpty() {
		return Contraction{}, fmt.Errorf("cannot remove from an empty tree")
	}
	last := uint64(t.LastLeafPath)
	c := Contraction{MoveLastToVacated: vacated != last, LastLeafPath: last}
	if t.Size == 1 {
		c.Next = Empty()
		return c, nil
	}
	first := uint64(t.FirstLeafPath)
	newFirst := first - 1
	newSize := t.Size - 1
	newLast := newFirst + newSize - 1
	c.Next = TreeState{Size: newSize, FirstLeafPath: int64(newFirst), LastLeafPath: int64(newLast)}
	relocFrom, err := LeftChild(newFirst)
	if err != nil {
		return Contraction{}, err
	}
	c.Relocate = &Relocation{From: relocFrom, To: newFirst}
	return c, nil
}

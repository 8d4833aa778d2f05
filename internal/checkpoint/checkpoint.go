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

// Package checkpoint formats the advisory checkpoint note written
// alongside a snapshot (SPEC_FULL.md §3 "Checkpoint note"): a
// human-readable, signable `{origin, size, rootHash}` artifact in the
// same note format transparency logs use, built with
// github.com/transparency-dev/formats/log. This is a debug/interop
// artifact only; the binary state file remains the sole thing this
// module itself reads back.
package checkpoint

import (
	"fmt"

	"github.com/transparency-dev/formats/log"
)

// Format renders a checkpoint note for a map identified by origin, at
// the given leaf count and root hash.
func Format(origin string, size uint64, rootHash []byte) []byte {
	c := log.Checkpoint{
		Origin: origin,
		Size:   size,
		Hash:   rootHash,
	}
	return c.Marshal()
}

// Parse is the inverse of Format, mainly useful for tests that want to
// assert on a round trip rather than the exact note text.
func Parse(note []byte) (origin string, size uint64, rootHash []byte, err error) {
	var c log.Checkpoint
	if _, err := c.Unmarshal(note); err != nil {
		return "", 0, nil, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}
	return c.Origin, c.Size, c.Hash, nil
}

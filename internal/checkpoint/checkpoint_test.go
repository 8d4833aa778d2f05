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

package checkpoint

import (
	"bytes"
	"testing"
)

func TestFormatParseRoundTrip(t *testing.T) {
	hash := bytes.Repeat([]byte{0xab}, 32)
	note := Format("my-map", 42, hash)

	origin, size, rootHash, err := Parse(note)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if origin != "my-map" {
		t.Errorf("origin = %q, want %q", origin, "my-map")
	}
	if size != 42 {
		t.Errorf("size = %d, want 42", size)
	}
	if !bytes.Equal(rootHash, hash) {
		t.Errorf("rootHash = %x, want %x", rootHash, hash)
	}
}

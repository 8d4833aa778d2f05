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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/virtualmap/vmap/internal/pathutil"
)

// state file format, per spec.md §6:
// {label_utf8_len, label, first_leaf_path, last_leaf_path, size, root_hash?}
//
//	[0]          format version byte
//	varint       label length, followed by that many UTF-8 bytes
//	uint64       size (leaf count)
//	[size>0]     uint64 firstLeafPath, uint64 lastLeafPath
//	varint       root hash length (0 if none), followed by that many bytes
const stateFormatVersion = 1

func readState(storageDir string) (pathutil.TreeState, []byte, string, error) {
	b, err := os.ReadFile(filepath.Join(storageDir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return pathutil.Empty(), nil, "", nil
		}
		return pathutil.TreeState{}, nil, "", fmt.Errorf("datasource: read state: %w", err)
	}
	if len(b) == 0 {
		return pathutil.Empty(), nil, "", nil
	}
	if b[0] != stateFormatVersion {
		return pathutil.TreeState{}, nil, "", fmt.Errorf("datasource: state format version %d, want %d", b[0], stateFormatVersion)
	}
	rest := b[1:]

	labelLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return pathutil.TreeState{}, nil, "", fmt.Errorf("datasource: invalid state label length")
	}
	rest = rest[n:]
	if uint64(len(rest)) < labelLen {
		return pathutil.TreeState{}, nil, "", fmt.Errorf("datasource: truncated state label")
	}
	label := string(rest[:labelLen])
	rest = rest[labelLen:]

	if len(rest) < 8 {
		return pathutil.TreeState{}, nil, "", fmt.Errorf("datasource: truncated state size")
	}
	size := binary.BigEndian.Uint64(rest[:8])
	rest = rest[8:]

	tree := pathutil.Empty()
	if size > 0 {
		if len(rest) < 16 {
			return pathutil.TreeState{}, nil, "", fmt.Errorf("datasource: truncated state leaf paths")
		}
		first := binary.BigEndian.Uint64(rest[:8])
		last := binary.BigEndian.Uint64(rest[8:16])
		rest = rest[16:]
		tree = pathutil.TreeState{Size: size, FirstLeafPath: int64(first), LastLeafPath: int64(last)}
	}

	hashLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return pathutil.TreeState{}, nil, "", fmt.Errorf("datasource: invalid state root hash length")
	}
	rest = rest[n:]
	if uint64(len(rest)) < hashLen {
		return pathutil.TreeState{}, nil, "", fmt.Errorf("datasource: truncated state root hash")
	}
	var rootHash []byte
	if hashLen > 0 {
		rootHash = append([]byte(nil), rest[:hashLen]...)
	}

	if err := tree.Validate(); err != nil {
		return pathutil.TreeState{}, nil, "", fmt.Errorf("datasource: state tree invariant: %w", err)
	}
	return tree, rootHash, label, nil
}

func writeState(storageDir, label string, tree pathutil.TreeState, rootHash []byte) error {
	out := []byte{stateFormatVersion}
	out = binary.AppendUvarint(out, uint64(len(label)))
	out = append(out, label...)

	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], tree.Size)
	out = append(out, sizeBuf[:]...)

	if tree.Size > 0 {
		var pathBuf [16]byte
		binary.BigEndian.PutUint64(pathBuf[:8], uint64(tree.FirstLeafPath))
		binary.BigEndian.PutUint64(pathBuf[8:], uint64(tree.LastLeafPath))
		out = append(out, pathBuf[:]...)
	}

	out = binary.AppendUvarint(out, uint64(len(rootHash)))
	out = append(out, rootHash...)

	path := filepath.Join(storageDir, stateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("datasource: write %s: %w", tmp, err)
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("datasource: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

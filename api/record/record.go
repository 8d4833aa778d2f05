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

// Package record implements the on-disk byte layout of leaf and
// internal records from spec.md §3 ("Leaf record", "Internal record").
// Both are stored as the payload of a data-file record (api.C): a
// varint length prefix (owned by the data file, not this package)
// followed by these bytes.
package record

import (
	"encoding/binary"
	"fmt"
)

// formatVersion is the single leading byte every encoded record
// carries; decoding rejects any other value with ErrVersionMismatch
// (SPEC_FULL.md "on-disk format is a single current format with a
// 1-byte version prefix").
const formatVersion = 1

// ErrVersionMismatch is returned when a record's version byte does not
// match the format this build understands.
var ErrVersionMismatch = fmt.Errorf("record: format version mismatch")

// ErrTruncated is returned when a record's bytes end before a
// length-prefixed field has been fully read.
var ErrTruncated = fmt.Errorf("record: truncated")

// Leaf is the on-disk form of spec.md's leaf record:
// {path, key bytes, value bytes, hash bytes}.
type Leaf struct {
	Path  uint64
	Key   []byte
	Value []byte
	Hash  []byte
}

// Internal is the on-disk form of spec.md's internal record:
// {path, hash bytes}.
type Internal struct {
	Path uint64
	Hash []byte
}

// EncodeLeaf serialises l as
// version | path | varint(len(key)) | key | varint(len(value)) | value | varint(len(hash)) | hash.
func EncodeLeaf(l Leaf) []byte {
	out := make([]byte, 0, 1+binary.MaxVarintLen64+len(l.Key)+len(l.Value)+len(l.Hash)+3*binary.MaxVarintLen64)
	out = append(out, formatVersion)
	out = binary.BigEndian.AppendUint64(out, l.Path)
	out = appendBytesWithLen(out, l.Key)
	out = appendBytesWithLen(out, l.Value)
	out = appendBytesWithLen(out, l.Hash)
	return out
}

// DecodeLeaf parses bytes produced by EncodeLeaf.
func DecodeLeaf(b []byte) (Leaf, error) {
	if len(b) < 1 || b[0] != formatVersion {
		return Leaf{}, ErrVersionMismatch
	}
	b = b[1:]
	path, b, err := takeUint64(b)
	if err != nil {
		return Leaf{}, err
	}
	key, b, err := takeBytesWithLen(b)
	if err != nil {
		return Leaf{}, err
	}
	value, b, err := takeBytesWithLen(b)
	if err != nil {
		return Leaf{}, err
	}
	hash, _, err := takeBytesWithLen(b)
	if err != nil {
		return Leaf{}, err
	}
	return Leaf{Path: path, Key: key, Value: value, Hash: hash}, nil
}

// EncodeInternal serialises n as version | path | varint(len(hash)) | hash.
func EncodeInternal(n Internal) []byte {
	out := make([]byte, 0, 1+8+binary.MaxVarintLen64+len(n.Hash))
	out = append(out, formatVersion)
	out = binary.BigEndian.AppendUint64(out, n.Path)
	out = appendBytesWithLen(out, n.Hash)
	return out
}

// DecodeInternal parses bytes produced by EncodeInternal.
func DecodeInternal(b []byte) (Internal, error) {
	if len(b) < 1 || b[0] != formatVersion {
		return Internal{}, ErrVersionMismatch
	}
	b = b[1:]
	path, b, err := takeUint64(b)
	if err != nil {
		return Internal{}, err
	}
	hash, _, err := takeBytesWithLen(b)
	if err != nil {
		return Internal{}, err
	}
	return Internal{Path: path, Hash: hash}, nil
}

func appendBytesWithLen(out []byte, b []byte) []byte {
	out = binary.AppendUvarint(out, uint64(len(b)))
	return append(out, b...)
}

func takeUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint64(b), b[8:], nil
}

func takeBytesWithLen(b []byte) ([]byte, []byte, error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 {
		return nil, nil, ErrTruncated
	}
	b = b[sz:]
	if uint64(len(b)) < n {
		return nil, nil, ErrTruncated
	}
	return b[:n], b[n:], nil
}

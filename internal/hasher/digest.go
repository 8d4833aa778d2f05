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

// Package hasher implements the pluggable digest and the bottom-up
// parallel internal-hash computation from spec.md §4.J. A leaf's hash
// is computed from its key and value bytes; an internal node's hash is
// H(hash(left) || hash(right)), using the RFC 6962 domain-separation
// convention (a leading 0x00 byte for leaves, 0x01 for internal nodes)
// so leaf and internal hashes can never collide.
package hasher

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/transparency-dev/merkle/rfc6962"
	"lukechampine.com/blake3"
)

// Algorithm names a supported digest, per SPEC_FULL.md's digest
// collaborator options.
type Algorithm string

const (
	SHA256 Algorithm = "SHA_256"
	SHA384 Algorithm = "SHA_384"
	BLAKE3 Algorithm = "BLAKE3"
)

// Digest computes domain-separated leaf and internal hashes for one
// algorithm, plus the canonical empty-tree root.
type Digest interface {
	// EmptyRoot is the fixed root hash of a tree with no leaves.
	EmptyRoot() []byte
	// LeafHash hashes a leaf's key and value bytes.
	LeafHash(key, value []byte) []byte
	// NodeHash combines a left and right child hash into their parent's.
	NodeHash(left, right []byte) []byte
	// Size is the hash length in bytes.
	Size() int
}

// New returns the Digest for alg.
func New(alg Algorithm) (Digest, error) {
	switch alg {
	case SHA256:
		return rfc6962Digest{}, nil
	case SHA384:
		return newGenericDigest(sha512.New384), nil
	case BLAKE3:
		return newGenericDigest(func() hash.Hash { return blake3.New(32, nil) }), nil
	default:
		return nil, fmt.Errorf("hasher: unknown algorithm %q", alg)
	}
}

// rfc6962Digest delegates directly to the reference RFC 6962 SHA-256
// hasher so SHA_256 matches the same bytes as a plain RFC 6962
// Merkle log would produce.
type rfc6962Digest struct{}

func (rfc6962Digest) EmptyRoot() []byte              { return rfc6962.DefaultHasher.EmptyRoot() }
func (rfc6962Digest) NodeHash(l, r []byte) []byte     { return rfc6962.DefaultHasher.HashChildren(l, r) }
func (rfc6962Digest) Size() int                       { return rfc6962.DefaultHasher.Size() }
func (rfc6962Digest) LeafHash(key, value []byte) []byte {
	return rfc6962.DefaultHasher.HashLeaf(leafInput(key, value))
}

// genericDigest reproduces the RFC 6962 domain-separation scheme over
// an arbitrary stdlib-shaped hash.Hash constructor, for algorithms the
// rfc6962 package itself does not implement.
type genericDigest struct {
	newHash   func() hash.Hash
	emptyRoot []byte
}

func newGenericDigest(newHash func() hash.Hash) *genericDigest {
	h := newHash()
	return &genericDigest{newHash: newHash, emptyRoot: h.Sum(nil)}
}

func (g *genericDigest) EmptyRoot() []byte { return append([]byte(nil), g.emptyRoot...) }
func (g *genericDigest) Size() int         { return len(g.emptyRoot) }

func (g *genericDigest) LeafHash(key, value []byte) []byte {
	h := g.newHash()
	h.Write([]byte{0x00})
	h.Write(leafInput(key, value))
	return h.Sum(nil)
}

func (g *genericDigest) NodeHash(left, right []byte) []byte {
	h := g.newHash()
	h.Write([]byte{0x01})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// leafInput length-prefixes key so (key="", value="x") and (key="x",
// value="") never collide.
func leafInput(key, value []byte) []byte {
	out := make([]byte, 0, 8+len(key)+len(value))
	out = binary.BigEndian.AppendUint64(out, uint64(len(key)))
	out = append(out, key...)
	out = append(out, value...)
	return out
}

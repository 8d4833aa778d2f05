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

package vmap

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/virtualmap/vmap/internal/datasource/remote"
)

// Digest selects the hash algorithm used for leaf and internal hashing.
type Digest int

const (
	// DigestSHA256 uses SHA-256 (the default).
	DigestSHA256 Digest = iota
	// DigestSHA384 uses SHA-384.
	DigestSHA384
	// DigestBLAKE3 uses BLAKE3 with a 32-byte output.
	DigestBLAKE3
)

func (d Digest) String() string {
	switch d {
	case DigestSHA256:
		return "SHA_256"
	case DigestSHA384:
		return "SHA_384"
	case DigestBLAKE3:
		return "BLAKE3"
	default:
		return fmt.Sprintf("Digest(%d)", int(d))
	}
}

// RemoveMissingPolicy controls what Remove does when the key does not
// exist. The spec leaves this as an open question; this module resolves
// it explicitly (see SPEC_FULL.md "Supplemented Features").
type RemoveMissingPolicy int

const (
	// RemoveMissingIsNoop makes Remove(missingKey) a silent, successful
	// no-op: Remove returns nil. This is the default.
	RemoveMissingIsNoop RemoveMissingPolicy = iota
	// RemoveMissingIsError makes Remove(missingKey) return ErrNotFound.
	RemoveMissingIsError
)

// Config is the enumerated configuration surface from spec.md §6. A
// Config is constructed by the caller (configuration *loading* is out
// of scope) and passed by value to Open/New; all subsystems receive it
// at construction.
type Config struct {
	// StorageDir is the directory under which state, leafPathIndex/,
	// internalPathIndex/ and keyToPath/ are persisted.
	StorageDir string

	// Label identifies this map within StorageDir's state file.
	Label string

	// FlushInterval: a sealed copy v is a flush copy iff v%FlushInterval==0.
	FlushInterval int
	// PreferredFlushQueueSize is the backpressure threshold for Q.
	PreferredFlushQueueSize int
	// StepSize is the per-excess-copy throttle delay.
	StepSize time.Duration
	// MaxThrottlePeriod caps the total throttle delay of a single Copy().
	MaxThrottlePeriod time.Duration
	// MaximumMapSize bounds Q via MaximumMapSize/FlushInterval.
	MaximumMapSize uint64

	// NumHashThreads, if >0, fixes the hashing pool size. Exactly one of
	// NumHashThreads/PercentHashThreads must be set.
	NumHashThreads int
	// PercentHashThreads, if >0, sizes the hashing pool as a percentage
	// of GOMAXPROCS (1-100).
	PercentHashThreads int

	// NumCleanerThreads / PercentCleanerThreads: analogous sizing for
	// the HDHM/path-index background compaction workers.
	NumCleanerThreads     int
	PercentCleanerThreads int

	// CleanerInterval is how often the background cleaner wakes up to
	// offer the leaf index, internal index and key index a chance to
	// merge/compact. A tick that finds nothing eligible is a no-op.
	CleanerInterval time.Duration

	// MergeMaxFiles bounds how many sealed files a single merge may
	// combine.
	MergeMaxFiles int
	// MergeTargetBytes bounds the total size of files a single merge
	// may combine.
	MergeTargetBytes uint64

	// Digest selects the hash algorithm.
	Digest Digest

	// BucketCount is the HDHM's fixed on-disk bucket array size; must be
	// a power of two.
	BucketCount uint32

	// RemoveMissing controls Remove's behaviour on a missing key.
	RemoveMissing RemoveMissingPolicy

	// Stats receives counters/histograms; if nil, a no-op implementation
	// is used.
	Stats Stats

	// RemoteMirror, if set, mirrors every Snapshot to object storage in
	// the background (SPEC_FULL.md component M). Optional; leave nil to
	// skip remote mirroring entirely.
	RemoteMirror remote.Uploader
	// RemoteMirrorPrefix namespaces this map's objects within
	// RemoteMirror's bucket, e.g. "maps/<label>".
	RemoteMirrorPrefix string
}

// DefaultConfig returns a Config with conservative, documented defaults.
// Callers still must set StorageDir and Label.
func DefaultConfig() Config {
	return Config{
		FlushInterval:           8,
		PreferredFlushQueueSize: 2,
		StepSize:                10 * time.Millisecond,
		MaxThrottlePeriod:       5 * time.Second,
		MaximumMapSize:          1 << 30,
		PercentHashThreads:      50,
		PercentCleanerThreads:   25,
		CleanerInterval:         30 * time.Second,
		MergeMaxFiles:           16,
		MergeTargetBytes:        64 << 20,
		Digest:                  DigestSHA256,
		BucketCount:             1 << 20,
		RemoveMissing:           RemoveMissingIsNoop,
	}
}

// Validate checks the enumerated invariants from SPEC_FULL.md's
// "Supplemented Features" section, returning ErrConfigurationError
// wrapped with the specific violation.
func (c Config) Validate() error {
	switch {
	case c.StorageDir == "":
		return fmt.Errorf("storage dir must be set: %w", ErrConfigurationError)
	case c.FlushInterval <= 0:
		return fmt.Errorf("flush interval must be > 0: %w", ErrConfigurationError)
	case c.PreferredFlushQueueSize <= 0:
		return fmt.Errorf("preferred flush queue size must be > 0: %w", ErrConfigurationError)
	case c.StepSize <= 0:
		return fmt.Errorf("step size must be > 0: %w", ErrConfigurationError)
	case c.MaxThrottlePeriod <= 0:
		return fmt.Errorf("max throttle period must be > 0: %w", ErrConfigurationError)
	case c.MaximumMapSize == 0:
		return fmt.Errorf("maximum map size must be > 0: %w", ErrConfigurationError)
	case c.CleanerInterval <= 0:
		return fmt.Errorf("cleaner interval must be > 0: %w", ErrConfigurationError)
	case c.MergeMaxFiles <= 1:
		return fmt.Errorf("merge max files must be > 1: %w", ErrConfigurationError)
	case c.BucketCount == 0 || bits.OnesCount32(c.BucketCount) != 1:
		return fmt.Errorf("bucket count must be a power of two: %w", ErrConfigurationError)
	}
	if (c.NumHashThreads > 0) == (c.PercentHashThreads > 0) {
		return fmt.Errorf("exactly one of NumHashThreads/PercentHashThreads must be set: %w", ErrConfigurationError)
	}
	if (c.NumCleanerThreads > 0) == (c.PercentCleanerThreads > 0) {
		return fmt.Errorf("exactly one of NumCleanerThreads/PercentCleanerThreads must be set: %w", ErrConfigurationError)
	}
	if c.Digest != DigestSHA256 && c.Digest != DigestSHA384 && c.Digest != DigestBLAKE3 {
		return fmt.Errorf("unknown digest %v: %w", c.Digest, ErrConfigurationError)
	}
	return nil
}

// hashThreads resolves NumHashThreads/PercentHashThreads against the
// given number of available cores.
func (c Config) hashThreads(cores int) int {
	if c.NumHashThreads > 0 {
		return c.NumHashThreads
	}
	n := cores * c.PercentHashThreads / 100
	if n < 1 {
		n = 1
	}
	return n
}

// cleanerThreads resolves NumCleanerThreads/PercentCleanerThreads.
func (c Config) cleanerThreads(cores int) int {
	if c.NumCleanerThreads > 0 {
		return c.NumCleanerThreads
	}
	n := cores * c.PercentCleanerThreads / 100
	if n < 1 {
		n = 1
	}
	return n
}

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

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/virtualmap/vmap/internal/hasher"
)

func testConfig() Config {
	return Config{
		FlushInterval:           8,
		PreferredFlushQueueSize: 64,
		StepSize:                time.Millisecond,
		MaxThrottlePeriod:       50 * time.Millisecond,
		MaximumMapSize:          1 << 20,
		IoRetryBudget:           2,
	}
}

func noopHash(context.Context) (hasher.Result, error) {
	return hasher.Result{RootHash: []byte("root")}, nil
}

func TestFlushVersusMergeClassification(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	const total = 1024
	const flushInterval = 8
	var flushes, merges int
	var mu sync.Mutex

	for v := uint64(1); v <= total; v++ {
		v := v
		isFlush := v%flushInterval == 0
		job := Job{
			Version: v,
			Hash:    noopHash,
			IsFlush: isFlush,
			Flush: func(context.Context, hasher.Result) error {
				mu.Lock()
				flushes++
				mu.Unlock()
				return nil
			},
			Merge: func(context.Context, hasher.Result) error {
				mu.Lock()
				merges++
				mu.Unlock()
				return nil
			},
		}
		if err := p.Submit(context.Background(), job); err != nil {
			t.Fatalf("Submit(%d): %v", v, err)
		}
	}

	if err := p.WaitUntilFlushed(context.Background(), total); err != nil {
		t.Fatalf("WaitUntilFlushed(%d): %v", total, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if flushes != total/flushInterval {
		t.Errorf("flushes = %d, want %d", flushes, total/flushInterval)
	}
	if merges != total-total/flushInterval {
		t.Errorf("merges = %d, want %d", merges, total-total/flushInterval)
	}
}

func TestStateTransitionsToDoneOnSuccess(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	job := Job{
		Version: 1,
		Hash:    noopHash,
		IsFlush: true,
		Flush:   func(context.Context, hasher.Result) error { return nil },
	}
	if err := p.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := p.WaitUntilFlushed(context.Background(), 1); err != nil {
		t.Fatalf("WaitUntilFlushed: %v", err)
	}
	state, ok := p.State(1)
	if !ok || state != Done {
		t.Errorf("State(1) = %v, %v; want Done, true", state, ok)
	}
}

func TestHashingFailureFailsOnlyThatCopy(t *testing.T) {
	p := New(testConfig())
	defer p.Close()

	wantErr := errors.New("boom")
	failJob := Job{
		Version: 1,
		Hash:    func(context.Context) (hasher.Result, error) { return hasher.Result{}, wantErr },
		IsFlush: true,
	}
	okJob := Job{
		Version: 2,
		Hash:    noopHash,
		IsFlush: false,
		Merge:   func(context.Context, hasher.Result) error { return nil },
	}
	if err := p.Submit(context.Background(), failJob); err != nil {
		t.Fatalf("Submit(1): %v", err)
	}
	if err := p.Submit(context.Background(), okJob); err != nil {
		t.Fatalf("Submit(2): %v", err)
	}

	err := p.WaitUntilFlushed(context.Background(), 1)
	if !errors.Is(err, ErrHashingFailed) {
		t.Errorf("WaitUntilFlushed(1) = %v, want ErrHashingFailed", err)
	}

	if err := p.WaitUntilFlushed(context.Background(), 2); err != nil {
		t.Errorf("WaitUntilFlushed(2) = %v, want nil (pipeline survives a hashing failure)", err)
	}
	state, _ := p.State(2)
	if state != Done {
		t.Errorf("State(2) = %v, want Done", state)
	}
}

func TestFatalIoErrorEntersFailedState(t *testing.T) {
	cfg := testConfig()
	cfg.IoRetryBudget = 1
	p := New(cfg)
	defer p.Close()

	job := Job{
		Version: 1,
		Hash:    noopHash,
		IsFlush: true,
		Flush:   func(context.Context, hasher.Result) error { return errors.New("disk full") },
	}
	if err := p.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	err := p.WaitUntilFlushed(context.Background(), 1)
	if !errors.Is(err, ErrFatalIoError) {
		t.Fatalf("WaitUntilFlushed = %v, want ErrFatalIoError", err)
	}

	// Give the consumer goroutine a moment to mark the pipeline Failed
	// before the next Submit call observes it.
	time.Sleep(10 * time.Millisecond)
	err = p.Submit(context.Background(), Job{Version: 2, Hash: noopHash, IsFlush: false, Merge: func(context.Context, hasher.Result) error { return nil }})
	if !errors.Is(err, ErrPipelineFailed) {
		t.Errorf("Submit after fatal error = %v, want ErrPipelineFailed", err)
	}
}

func TestBackpressureRejectsWhenQueueWouldExceedMaximum(t *testing.T) {
	cfg := Config{
		FlushInterval:           1,
		PreferredFlushQueueSize: 0,
		StepSize:                time.Microsecond,
		MaxThrottlePeriod:       time.Millisecond,
		MaximumMapSize:          2, // maxQ = MaximumMapSize/FlushInterval = 2
		IoRetryBudget:           1,
	}
	p := New(cfg)
	defer p.Close()

	block := make(chan struct{})
	slow := Job{
		Version: 1,
		Hash: func(ctx context.Context) (hasher.Result, error) {
			<-block
			return hasher.Result{}, nil
		},
		IsFlush: true,
		Flush:   func(context.Context, hasher.Result) error { return nil },
	}
	if err := p.Submit(context.Background(), slow); err != nil {
		t.Fatalf("Submit(1): %v", err)
	}

	fast := func(v uint64) Job {
		return Job{Version: v, Hash: noopHash, IsFlush: true, Flush: func(context.Context, hasher.Result) error { return nil }}
	}
	if err := p.Submit(context.Background(), fast(2)); err != nil {
		t.Fatalf("Submit(2): %v", err)
	}

	err := p.Submit(context.Background(), fast(3))
	if !errors.Is(err, ErrBackpressureExceeded) {
		t.Errorf("Submit(3) = %v, want ErrBackpressureExceeded", err)
	}
	close(block)
}

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

// Package pipeline implements the strict in-order sealed-copy
// scheduler from spec.md §4.I: a single consumer goroutine processes
// sealed copies of a virtual map version by version — hash, then
// either flush or merge — applying backpressure to the producer
// (copy()) when the backlog of unfinished copies grows too large.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/virtualmap/vmap/internal/hasher"
)

// State is a sealed copy's position in the Mutable -> Sealed ->
// Hashing -> (Merged | Flushed) -> Done state machine. Mutable itself
// is never recorded here: a copy only enters the pipeline once sealed.
type State int

const (
	Sealed State = iota
	Hashing
	Merged
	Flushed
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Sealed:
		return "Sealed"
	case Hashing:
		return "Hashing"
	case Merged:
		return "Merged"
	case Flushed:
		return "Flushed"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sentinel errors, mirrored onto the root package's own sentinels at
// its package boundary (this package cannot import the root vmap
// package without an import cycle).
var (
	ErrBackpressureExceeded = errors.New("pipeline: backpressure exceeded")
	ErrHashingFailed        = errors.New("pipeline: hashing failed")
	ErrFatalIoError         = errors.New("pipeline: fatal i/o error")
	ErrPipelineFailed       = errors.New("pipeline: in Failed state, rejecting further copies")
)

// Stats mirrors the root package's Stats collaborator interface
// structurally, so a vmap.Stats value can be passed directly.
type Stats interface {
	Counter(name string, delta int64)
	Observe(name string, d time.Duration)
	Gauge(name string, value int64)
}

type noopStats struct{}

func (noopStats) Counter(string, int64)         {}
func (noopStats) Observe(string, time.Duration) {}
func (noopStats) Gauge(string, int64)           {}

// Config configures one Pipeline, taken directly from the enumerated
// values in spec.md §6.
type Config struct {
	FlushInterval           int
	PreferredFlushQueueSize int
	StepSize                time.Duration
	MaxThrottlePeriod       time.Duration
	MaximumMapSize          uint64
	IoRetryBudget           int // number of retries before escalating to ErrFatalIoError
	Stats                   Stats
}

// Job is one sealed copy's unit of work, supplied by the producer
// (the virtual root, at copy()) when handing version off to the
// pipeline.
type Job struct {
	Version uint64
	// Hash computes this version's internal hashes and root hash
	// (spec.md §4.J), reading dirty leaves from the cache.
	Hash func(ctx context.Context) (hasher.Result, error)
	// IsFlush reports whether Version is a flush boundary
	// (Version % FlushInterval == 0).
	IsFlush bool
	// Flush durably persists the change-set for Version. Only called
	// when IsFlush is true.
	Flush func(ctx context.Context, h hasher.Result) error
	// Merge folds Version's cache rows forward into the next unmerged
	// version. Only called when IsFlush is false.
	Merge func(ctx context.Context, h hasher.Result) error
}

// Pipeline is the single-producer/single-consumer scheduler for one
// virtual map.
type Pipeline struct {
	cfg     Config
	jobs    chan Job
	limiter *rate.Limiter
	latency *movingaverage.MovingAverage

	mu      sync.Mutex
	states  map[uint64]State
	errs    map[uint64]error
	waiters map[uint64]chan struct{}

	queueDepth atomic.Int64
	failed     atomic.Bool
	fatalErr   atomic.Value // error

	wg sync.WaitGroup
}

// New starts a Pipeline's consumer goroutine.
func New(cfg Config) *Pipeline {
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}
	if cfg.IoRetryBudget <= 0 {
		cfg.IoRetryBudget = 5
	}
	maxQ := int(cfg.MaximumMapSize / uint64(maxInt(cfg.FlushInterval, 1)))
	if maxQ < 1 {
		maxQ = 1
	}
	p := &Pipeline{
		cfg:     cfg,
		jobs:    make(chan Job, maxQ),
		limiter: rate.NewLimiter(rate.Every(cfg.StepSize), maxQ+1),
		latency: movingaverage.New(64),
		states:  make(map[uint64]State),
		errs:    make(map[uint64]error),
		waiters: make(map[uint64]chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Submit hands a newly sealed copy to the pipeline. It applies the
// §4.I backpressure delay or rejection before accepting the job; jobs
// accepted are processed strictly in the order Submit was called
// (the producer, copy(), is single-threaded per map, so submission
// order already equals version order).
func (p *Pipeline) Submit(ctx context.Context, job Job) error {
	if p.failed.Load() {
		return fmt.Errorf("%w: %v", ErrPipelineFailed, p.fatalErr.Load())
	}

	q := p.queueDepth.Load()
	preferred := int64(p.cfg.PreferredFlushQueueSize)
	if q > preferred {
		wctx, cancel := context.WithTimeout(ctx, p.cfg.MaxThrottlePeriod)
		defer cancel()
		if err := p.limiter.WaitN(wctx, int(q-preferred)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// WaitN fails at once, without waiting, when the wait it needs
			// is longer than MaxThrottlePeriod: hold the copy for the
			// capped period instead; the copy then proceeds.
			<-wctx.Done()
		}
	}

	maxQ := int64(p.cfg.MaximumMapSize) / int64(maxInt(p.cfg.FlushInterval, 1))
	if q+1 > maxQ {
		return fmt.Errorf("%w: queue depth %d would exceed %d", ErrBackpressureExceeded, q+1, maxQ)
	}

	p.mu.Lock()
	p.states[job.Version] = Sealed
	p.waiters[job.Version] = make(chan struct{})
	p.mu.Unlock()
	p.queueDepth.Add(1)
	p.cfg.Stats.Gauge("pipeline_queue_depth", p.queueDepth.Load())

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the last known state of version, and whether it has
// ever been submitted.
func (p *Pipeline) State(version uint64) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[version]
	return s, ok
}

// WaitUntilFlushed blocks until version reaches Done, or returns the
// error that sent it (or the whole pipeline) to Failed.
func (p *Pipeline) WaitUntilFlushed(ctx context.Context, version uint64) error {
	p.mu.Lock()
	ch, ok := p.waiters[version]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("pipeline: version %d was never submitted", version)
	}
	select {
	case <-ch:
		p.mu.Lock()
		err := p.errs[version]
		p.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new jobs and waits for in-flight work to
// drain. It does not cancel work already in progress.
func (p *Pipeline) Close() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.process(job)
	}
}

func (p *Pipeline) process(job Job) {
	start := time.Now()
	ctx := context.Background()

	p.setState(job.Version, Hashing)
	result, err := job.Hash(ctx)
	if err != nil {
		// Hashing failures are fatal only to this copy, per spec.md §5
		// ("Errors during hashing are fatal to the copy and propagate
		// as HashingFailed"); the pipeline keeps processing later
		// versions.
		p.finish(job.Version, Failed, fmt.Errorf("%w: %v", ErrHashingFailed, err))
		return
	}

	if job.IsFlush {
		if err := p.retryIO(ctx, func() error { return job.Flush(ctx, result) }); err != nil {
			p.enterFailed(err)
			p.finish(job.Version, Failed, err)
			return
		}
		p.setState(job.Version, Flushed)
	} else {
		if err := p.retryIO(ctx, func() error { return job.Merge(ctx, result) }); err != nil {
			p.enterFailed(err)
			p.finish(job.Version, Failed, err)
			return
		}
		p.setState(job.Version, Merged)
	}

	p.queueDepth.Add(-1)
	p.cfg.Stats.Gauge("pipeline_queue_depth", p.queueDepth.Load())
	p.latency.Add(float64(time.Since(start)))
	p.cfg.Stats.Observe("pipeline_copy_latency", time.Since(start))
	p.finish(job.Version, Done, nil)
}

// retryIO retries fn with exponential backoff up to cfg.IoRetryBudget
// times before escalating to ErrFatalIoError, per spec.md §7.
func (p *Pipeline) retryIO(ctx context.Context, fn func() error) error {
	delay := p.cfg.StepSize
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= p.cfg.IoRetryBudget; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		klog.Warningf("pipeline: i/o attempt %d/%d failed: %v", attempt+1, p.cfg.IoRetryBudget+1, lastErr)
		if attempt == p.cfg.IoRetryBudget {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %v", ErrFatalIoError, lastErr)
}

func (p *Pipeline) enterFailed(err error) {
	if p.failed.CompareAndSwap(false, true) {
		p.fatalErr.Store(err)
		klog.Errorf("pipeline: entering Failed state: %v", err)
	}
}

func (p *Pipeline) setState(version uint64, s State) {
	p.mu.Lock()
	p.states[version] = s
	p.mu.Unlock()
}

func (p *Pipeline) finish(version uint64, s State, err error) {
	p.mu.Lock()
	p.states[version] = s
	if err != nil {
		p.errs[version] = err
	}
	ch := p.waiters[version]
	p.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// AverageLatencySeconds reports the moving average, in seconds, of the
// latencies of recent copies that reached Done, each measured from the
// moment the consumer picked the copy up.
func (p *Pipeline) AverageLatencySeconds() float64 {
	return p.latency.Avg() / float64(time.Second)
}

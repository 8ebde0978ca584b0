package indexer

import (
	"context"
	"eth-indexer/boff"
	"eth-indexer/database"
	"eth-indexer/logger"
	"eth-indexer/metrics"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// CoordinatorParams sizes the persistence side.
type CoordinatorParams struct {
	Writers    int // concurrent database writers
	Capacity   int // blocks admitted but not yet written, over all runs
	BatchSize  int // blocks per database transaction
	MaxRetries int
	LogEvery   uint64
	RetryDelay time.Duration
}

// Coordinator is the single writer of decoded blocks. Work reaches it through
// runs: each run writes its blocks in admission order, one batch at a time,
// while different runs are written concurrently by up to Writers goroutines.
// Admission blocks while Capacity blocks are queued, which is what stops the
// fetchers from running ahead of the database.
type Coordinator struct {
	store   Store
	params  CoordinatorParams
	metrics *metrics.Metrics

	slots *semaphore.Weighted
	jobs  chan *writeJob
	ctx   context.Context

	workers sync.WaitGroup
	runs    sync.WaitGroup
}

type writeJob struct {
	run     *Run
	tickets []*Ticket
	healthy bool
}

func NewCoordinator(store Store, params CoordinatorParams, m *metrics.Metrics) *Coordinator {
	params.Writers = max(params.Writers, 1)
	params.Capacity = max(params.Capacity, 1)
	params.BatchSize = max(params.BatchSize, 1)
	params.MaxRetries = max(params.MaxRetries, 1)

	c := &Coordinator{
		store:   store,
		params:  params,
		metrics: m,
		slots:   semaphore.NewWeighted(int64(params.Capacity)),
		jobs:    make(chan *writeJob),
		// Writes are not cancelled with the runs: an admitted block is either
		// written completely or not at all.
		ctx: context.Background(),
	}

	c.workers.Add(params.Writers)
	for i := 0; i < params.Writers; i++ {
		go c.worker()
	}

	return c
}

// Close waits for every run to finish and stops the writers.
func (c *Coordinator) Close() {
	c.runs.Wait()
	close(c.jobs)
	c.workers.Wait()
}

func (c *Coordinator) worker() {
	defer c.workers.Done()

	for job := range c.jobs {
		// The follow-up batch of the same run stays on this worker, which
		// keeps the run strictly sequential.
		for job != nil {
			c.write(job)
			job = job.run.jobDone(job)
		}
	}
}

func (c *Coordinator) write(job *writeJob) {
	bundles := make([]*database.Bundle, len(job.tickets))
	for i, t := range job.tickets {
		bundles[i] = t.bundle
	}

	var checkpoint *database.Checkpoint
	if job.healthy {
		checkpoint = job.run.checkpointAt(job.tickets[len(job.tickets)-1])
	}

	start := time.Now()
	err := c.save(bundles, checkpoint)
	c.metrics.WriteDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}

	if len(job.tickets) == 1 {
		job.tickets[0].err = &PersistenceError{Numbers: []uint64{job.tickets[0].number}, Err: err}
		return
	}

	// Retry block by block so that one bad block does not fail its batch.
	logger.Warn("Writing blocks %d to %d failed: %s, retrying one by one",
		job.tickets[0].number, job.tickets[len(job.tickets)-1].number, err)

	healthy := job.healthy
	for _, t := range job.tickets {
		checkpoint = nil
		if healthy {
			checkpoint = job.run.checkpointAt(t)
		}
		if err := c.save([]*database.Bundle{t.bundle}, checkpoint); err != nil {
			t.err = &PersistenceError{Numbers: []uint64{t.number}, Err: err}
			healthy = false
		}
	}
}

func (c *Coordinator) save(bundles []*database.Bundle, checkpoint *database.Checkpoint) error {
	name := fmt.Sprintf("write blocks %d to %d", bundles[0].Number(), bundles[len(bundles)-1].Number())
	return boff.RetryNoReturn(c.ctx, func() error {
		return c.store.SaveBundles(c.ctx, bundles, checkpoint)
	}, name, boff.Policy{MaxTries: uint(c.params.MaxRetries), InitialInterval: c.params.RetryDelay})
}

// Run is an ordered stream of blocks submitted to the coordinator.
type Run struct {
	c          *Coordinator
	name       string
	checkpoint string

	mu       sync.Mutex
	nextSeq  uint64
	flushSeq uint64
	tickets  map[uint64]*Ticket
	writing  bool
	healthy  bool
	pending  sync.WaitGroup
	summary  Summary
	finished bool
}

// Ticket is an admitted block number waiting for its bundle.
type Ticket struct {
	run    *Run
	seq    uint64
	number uint64
	bundle *database.Bundle
	err    error
	done   bool
}

// NewRun starts a run. When checkpoint is not empty, the state with that name
// follows the last block of the run's fully written prefix.
func (c *Coordinator) NewRun(name, checkpoint string) *Run {
	c.runs.Add(1)
	return &Run{
		c:          c,
		name:       name,
		checkpoint: checkpoint,
		tickets:    make(map[uint64]*Ticket),
		healthy:    true,
		summary:    Summary{Run: name, started: time.Now()},
	}
}

// Admit reserves a queue slot for number. It blocks while the queue is full.
func (r *Run) Admit(ctx context.Context, number uint64) (*Ticket, error) {
	if err := r.c.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	r.c.metrics.QueueDepth.Inc()

	r.mu.Lock()
	defer r.mu.Unlock()

	t := &Ticket{run: r, seq: r.nextSeq, number: number}
	r.tickets[t.seq] = t
	r.nextSeq++
	r.pending.Add(1)
	return t, nil
}

// Submit admits an already fetched bundle.
func (r *Run) Submit(ctx context.Context, bundle *database.Bundle) error {
	t, err := r.Admit(ctx, bundle.Number())
	if err != nil {
		return err
	}
	t.Complete(bundle)
	return nil
}

// Skip admits a number that could not be fetched, so it shows in the summary.
func (r *Run) Skip(ctx context.Context, number uint64, cause error) error {
	t, err := r.Admit(ctx, number)
	if err != nil {
		return err
	}
	t.Fail(cause)
	return nil
}

func (t *Ticket) Number() uint64 {
	return t.number
}

func (t *Ticket) Complete(bundle *database.Bundle) {
	t.resolve(bundle, nil)
}

func (t *Ticket) Fail(err error) {
	t.resolve(nil, err)
}

func (t *Ticket) resolve(bundle *database.Bundle, err error) {
	r := t.run

	r.mu.Lock()
	t.bundle, t.err, t.done = bundle, err, true
	job := r.nextJobLocked()
	r.mu.Unlock()

	if job != nil {
		r.c.jobs <- job
	}
}

// nextJobLocked collects the resolved prefix of the run into a batch. Fetch
// failures in the prefix are settled immediately.
func (r *Run) nextJobLocked() *writeJob {
	if r.writing {
		return nil
	}

	var batch []*Ticket
	for len(batch) < r.c.params.BatchSize {
		t, ok := r.tickets[r.flushSeq]
		if !ok || !t.done {
			break
		}
		delete(r.tickets, r.flushSeq)
		r.flushSeq++

		if t.err != nil {
			if len(batch) > 0 {
				// Write what precedes the failure first so that the
				// checkpoint can still cover it.
				r.tickets[t.seq] = t
				r.flushSeq--
				break
			}
			r.settleLocked(t)
			continue
		}
		batch = append(batch, t)
	}

	if len(batch) == 0 {
		return nil
	}
	r.writing = true
	return &writeJob{run: r, tickets: batch, healthy: r.healthy && r.checkpoint != ""}
}

func (r *Run) jobDone(job *writeJob) *writeJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range job.tickets {
		r.settleLocked(t)
	}
	r.writing = false
	return r.nextJobLocked()
}

func (r *Run) settleLocked(t *Ticket) {
	if t.err != nil {
		r.healthy = false
		r.summary.Failed = append(r.summary.Failed, FailedBlock{Number: t.number, Err: t.err})
		r.c.metrics.BlocksFailed.WithLabelValues(failureStage(t.err)).Inc()
		logger.Error("Block %d failed in run %s: %s", t.number, r.name, t.err)
	} else {
		r.summary.Processed++
		r.summary.LastWritten = t.number
		if r.healthy && r.checkpoint != "" {
			r.summary.HighWaterMark = t.number
			r.summary.HasHighWaterMark = true
		}
		r.c.metrics.BlocksWritten.WithLabelValues(r.name).Inc()
		r.c.metrics.LastBlock.WithLabelValues(r.name).Set(float64(t.number))

		if every := r.c.params.LogEvery; every > 0 && r.summary.Processed%int(every) == 0 {
			logger.Info("Run %s at block %d: %d blocks written, %d failed",
				r.name, t.number, r.summary.Processed, len(r.summary.Failed))
		}
	}

	t.bundle = nil
	r.c.slots.Release(1)
	r.c.metrics.QueueDepth.Dec()
	r.pending.Done()
}

func (r *Run) checkpointAt(t *Ticket) *database.Checkpoint {
	return &database.Checkpoint{
		Name:           r.checkpoint,
		Index:          t.number,
		BlockHash:      t.bundle.Block.Hash,
		BlockTimestamp: t.bundle.Block.Timestamp,
	}
}

// Wait blocks until every admitted block is written or failed and returns
// the run's summary. The run must not be used afterwards.
func (r *Run) Wait() *Summary {
	r.pending.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.finished {
		r.finished = true
		r.summary.Elapsed = time.Since(r.summary.started)
		r.c.runs.Done()
	}
	summary := r.summary
	return &summary
}

func failureStage(err error) string {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return "write"
	}
	return "fetch"
}

// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package docindexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

// Indexer provides a backpressured API for bulk indexing records into
// Elasticsearch.
//
// At most `config.BatchSize` records may be outstanding, that is, added
// but not yet acknowledged. Add and AddBatch block until enough records are
// acknowledged.
//
// A single batch is in flight at a time. Records added with Add while a
// batch is in flight are accumulated into the next batch, up to
// `config.BatchSize` records. Records added with AddBatch are always
// dispatched as a batch of their own.
//
// The first failed batch fails the Indexer: records still queued are
// discarded, and every subsequent call returns the batch's error.
type Indexer struct {
	added         atomic.Int64
	pending       atomic.Int64
	batches       atomic.Int64
	batchesFailed atomic.Int64
	completed     atomic.Int64
	discarded     atomic.Int64

	config     Config
	dispatcher *dispatcher
	reporter   *reporter
	metrics    *metrics
	backlog    *semaphore.Weighted
	writes     chan write

	// mu is held for reading while enqueuing, and for writing while
	// closing, so that nothing is enqueued once the run loop may have
	// drained the queue.
	mu     sync.RWMutex
	closed chan struct{}
	done   chan struct{}

	failOnce sync.Once
	failed   chan struct{}
	err      error

	runContext       context.Context
	cancelRunContext context.CancelCauseFunc
}

type write struct {
	records []Record
	chunk   bool
	permits int64

	// link holds the trace context of the caller, if traced.
	link *linkedTraceContext

	// flushed is only set for flush markers, which hold no records.
	flushed chan error
}

// Stats holds Indexer statistics.
type Stats struct {
	// Added holds the number of records added.
	Added int64

	// Pending holds the number of records added but not yet acknowledged.
	Pending int64

	// Batches holds the number of batches dispatched.
	Batches int64

	// BatchesFailed holds the number of batches that failed.
	BatchesFailed int64

	// Completed holds the number of records of successful batches.
	Completed int64

	// Discarded holds the number of records never dispatched, because the
	// Indexer had already failed.
	Discarded int64
}

// New returns a new Indexer that indexes records into Elasticsearch.
// It is only tested with v8 go-elasticsearch client. Use other clients at your own risk.
//
// If stats or progress is nil, the corresponding counts are kept in a
// private Counters.
func New(
	client elastictransport.Interface,
	stats StatsRecorder,
	progress ProgressRecorder,
	cfg Config,
) (*Indexer, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = DefaultConfig(cfg)
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	writer, err := newElasticsearchWriter(client, cfg, ms)
	if err != nil {
		return nil, err
	}
	return newIndexer(writer, stats, progress, cfg, ms), nil
}

// NewWithWriter returns a new Indexer that writes records with writer.
func NewWithWriter(
	writer BulkWriter,
	stats StatsRecorder,
	progress ProgressRecorder,
	cfg Config,
) (*Indexer, error) {
	if writer == nil {
		return nil, errors.New("writer is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = DefaultConfig(cfg)
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	return newIndexer(writer, stats, progress, cfg, ms), nil
}

func newIndexer(
	writer BulkWriter,
	stats StatsRecorder,
	progress ProgressRecorder,
	cfg Config,
	ms *metrics,
) *Indexer {
	if stats == nil || progress == nil {
		counters := &Counters{}
		if stats == nil {
			stats = counters
		}
		if progress == nil {
			progress = counters
		}
	}
	ix := &Indexer{
		config: cfg,
		dispatcher: &dispatcher{
			writer:      writer,
			useCreate:   cfg.UseCreate,
			retries:     cfg.MaxRetries,
			concurrency: cfg.Concurrency,
			logger:      cfg.Logger,
		},
		reporter: &reporter{
			stats:    stats,
			progress: progress,
			metrics:  ms,
			attrs:    cfg.MetricAttributes,
			logger:   cfg.Logger,
		},
		metrics: ms,
		backlog: semaphore.NewWeighted(int64(cfg.BatchSize)),
		// Every queued write holds at least one unit of backlog, so
		// sending records never blocks on a full queue.
		writes: make(chan write, cfg.BatchSize),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
	// The run context is only cancelled when Close gives up waiting, to
	// unblock in flight requests.
	ix.runContext, ix.cancelRunContext = context.WithCancelCause(context.Background())
	go ix.run()
	return ix
}

// Add enqueues a single record for indexing.
//
// Add blocks while `config.BatchSize` records are outstanding. It returns
// ErrClosed if the Indexer is closed, or the error that failed the Indexer.
func (ix *Indexer) Add(ctx context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	return ix.enqueue(ctx, write{
		records: []Record{record},
		permits: 1,
		link:    linkedTraceContextFrom(ctx),
	})
}

// AddBatch enqueues records to be dispatched together as a single batch.
//
// A chunk larger than `config.BatchSize` is accepted once no other record
// is outstanding.
func (ix *Indexer) AddBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for i, record := range records {
		if err := validateRecord(record); err != nil {
			return fmt.Errorf("invalid record %d: %w", i, err)
		}
	}
	permits := int64(min(len(records), ix.config.BatchSize))
	return ix.enqueue(ctx, write{
		records: records,
		chunk:   true,
		permits: permits,
		link:    linkedTraceContextFrom(ctx),
	})
}

func validateRecord(record Record) error {
	if record.Target() == "" {
		return errMissingIndex
	}
	if len(record.Source) == 0 {
		return errMissingBody
	}
	return nil
}

func (ix *Indexer) enqueue(ctx context.Context, w write) error {
	if err := ix.Err(); err != nil {
		return err
	}
	select {
	case <-ix.closed:
		return ErrClosed
	default:
	}

	attrs := metric.WithAttributeSet(ix.config.MetricAttributes)
	if !ix.backlog.TryAcquire(w.permits) {
		ix.metrics.blockedAdd.Add(context.Background(), 1, attrs)
		if err := ix.backlog.Acquire(ctx, w.permits); err != nil {
			return err
		}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	select {
	case <-ix.closed:
		ix.backlog.Release(w.permits)
		return ErrClosed
	default:
	}
	if err := ix.Err(); err != nil {
		ix.backlog.Release(w.permits)
		return err
	}

	n := int64(len(w.records))
	ix.added.Add(n)
	ix.pending.Add(n)
	ix.metrics.docsAdded.Add(context.Background(), n, attrs)
	ix.metrics.docsPending.Add(context.Background(), n, attrs)
	ix.writes <- w
	return nil
}

// Flush waits until every record added before the call is acknowledged.
//
// Flush returns the error that failed the Indexer, if any.
func (ix *Indexer) Flush(ctx context.Context) error {
	flushed := make(chan error, 1)
	ix.mu.RLock()
	select {
	case <-ix.closed:
		ix.mu.RUnlock()
		return ix.wait(ctx)
	default:
	}
	select {
	case ix.writes <- write{flushed: flushed}:
		ix.mu.RUnlock()
	case <-ctx.Done():
		ix.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case err := <-flushed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the indexer, first dispatching any queued records.
//
// Close returns the error that failed the Indexer, if any. If ctx is
// cancelled, Close cancels any in flight requests and returns.
func (ix *Indexer) Close(ctx context.Context) error {
	ix.mu.Lock()
	select {
	case <-ix.closed:
	default:
		close(ix.closed)
	}
	ix.mu.Unlock()

	if err := ix.wait(ctx); err != nil && ctx.Err() != nil {
		ix.cancelRunContext(errors.New("cancelled by indexer.close"))
		<-ix.done
		if err := ix.Err(); err != nil {
			return err
		}
		return ctx.Err()
	}
	return ix.Err()
}

func (ix *Indexer) wait(ctx context.Context) error {
	select {
	case <-ix.done:
		return ix.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error that failed the Indexer, or nil.
func (ix *Indexer) Err() error {
	select {
	case <-ix.failed:
		return ix.err
	default:
		return nil
	}
}

func (ix *Indexer) fail(err error) {
	ix.failOnce.Do(func() {
		ix.err = err
		close(ix.failed)
	})
}

// Stats returns the Indexer statistics.
func (ix *Indexer) Stats() Stats {
	return Stats{
		Added:         ix.added.Load(),
		Pending:       ix.pending.Load(),
		Batches:       ix.batches.Load(),
		BatchesFailed: ix.batchesFailed.Load(),
		Completed:     ix.completed.Load(),
		Discarded:     ix.discarded.Load(),
	}
}

// run dispatches queued writes one batch at a time, until the Indexer is
// closed and the queue is drained.
func (ix *Indexer) run() {
	defer close(ix.done)
	var next *write
	for {
		var w write
		if next != nil {
			w, next = *next, nil
		} else {
			select {
			case w = <-ix.writes:
			case <-ix.closed:
				// Consume whatever writes have been queued before
				// closing, and then stop.
				select {
				case w = <-ix.writes:
				default:
					return
				}
			}
		}
		if w.flushed != nil {
			w.flushed <- ix.Err()
			continue
		}

		batch := []write{w}
		if !w.chunk {
			records := len(w.records)
		accumulate:
			for records < ix.config.BatchSize {
				select {
				case more := <-ix.writes:
					if more.chunk || more.flushed != nil {
						next = &more
						break accumulate
					}
					batch = append(batch, more)
					records += len(more.records)
				default:
					break accumulate
				}
			}
		}
		ix.process(batch)
	}
}

// process dispatches the records of writes as one batch, and releases
// their backlog once the outcome is known.
func (ix *Indexer) process(writes []write) {
	records := writes[0].records
	permits := writes[0].permits
	if len(writes) > 1 {
		records = make([]Record, 0, len(writes))
		permits = 0
		for _, w := range writes {
			records = append(records, w.records...)
			permits += w.permits
		}
	}
	n := int64(len(records))
	attrs := metric.WithAttributeSet(ix.config.MetricAttributes)
	defer func() {
		ix.pending.Add(-n)
		ix.metrics.docsPending.Add(context.Background(), -n, attrs)
		ix.backlog.Release(permits)
	}()

	if ix.Err() != nil {
		ix.discarded.Add(n)
		return
	}

	ix.batches.Add(1)
	ctx := contextWithLinkedTraceContexts(ix.runContext, writes)
	var targets []string
	var err error
	took := timeFunc(func() {
		targets, err = ix.dispatcher.dispatch(ctx, records)
	})
	ix.metrics.batchDuration.Record(context.Background(), took.Seconds(), attrs)
	if err := ix.reporter.report(context.Background(), len(records), targets, err); err != nil {
		ix.batchesFailed.Add(1)
		ix.fail(err)
		return
	}
	ix.completed.Add(n)
}

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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BulkWriter writes documents using bulk requests.
type BulkWriter interface {
	// Bulk writes every document of req. It returns an error only if a
	// request could not be completed within the retry budget. Documents
	// that could not be indexed are reported to req.OnDrop, exactly once
	// each, before Bulk returns.
	Bulk(ctx context.Context, req BulkRequest) error
}

// BulkRequest holds the documents of a single Bulk call.
type BulkRequest struct {
	// Documents holds the document bodies.
	Documents []json.RawMessage

	// OnDocument returns the action of the document at position i.
	OnDocument func(i int) Action

	// OnDrop is called for every document that could not be indexed.
	// Calls are never concurrent.
	OnDrop func(DroppedDocument)

	// Retries holds the maximum number of retries of a failed request, and
	// of a document rejected with a retryable status.
	Retries int

	// Concurrency holds the maximum number of requests in flight.
	Concurrency int
}

// DroppedDocument is a document that could not be indexed.
type DroppedDocument struct {
	// Position holds the position of the document in BulkRequest.Documents.
	Position int

	Document json.RawMessage
	Action   Action

	// Status holds the HTTP status reported for the document.
	Status int
	Cause  ErrorCause
}

// ElasticsearchWriter is a BulkWriter sending _bulk requests to Elasticsearch.
//
// The documents of a Bulk call are split into requests of approximately
// Config.FlushBytes, sent concurrently.
type ElasticsearchWriter struct {
	config  Config
	pool    *BulkIndexerPool
	metrics *metrics

	// tracer is an OTel tracer, and should not be confused with `w.config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// NewElasticsearchWriter returns a new ElasticsearchWriter.
// It is only tested with v8 go-elasticsearch client. Use other clients at your own risk.
func NewElasticsearchWriter(client elastictransport.Interface, cfg Config) (*ElasticsearchWriter, error) {
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
	return newElasticsearchWriter(client, cfg, ms)
}

func newElasticsearchWriter(client elastictransport.Interface, cfg Config, ms *metrics) (*ElasticsearchWriter, error) {
	bcfg := BulkIndexerConfig{
		Client:                client,
		MaxDocumentRetries:    cfg.MaxRetries,
		RetryOnDocumentStatus: cfg.RetryOnDocumentStatus,
		CompressionLevel:      cfg.CompressionLevel,
		Pipeline:              cfg.Pipeline,
		Header:                cfg.Headers,
	}
	if err := bcfg.Validate(); err != nil {
		return nil, fmt.Errorf("error creating bulk indexer: %w", err)
	}
	w := &ElasticsearchWriter{
		config:  cfg,
		pool:    NewBulkIndexerPool(cfg.Concurrency, bcfg),
		metrics: ms,
	}
	if cfg.TracerProvider != nil {
		w.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-docindexer.writer")
	}
	return w, nil
}

// Bulk implements BulkWriter.
//
// A failed request does not cancel the other requests of the call; the
// first error is returned once every request has completed.
func (w *ElasticsearchWriter) Bulk(ctx context.Context, req BulkRequest) error {
	if len(req.Documents) == 0 {
		return nil
	}
	if req.OnDocument == nil {
		return errors.New("OnDocument is nil")
	}
	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = w.config.Concurrency
	}

	// actions[i] is written before the document is handed to a request,
	// and only read by that request afterwards.
	actions := make([]Action, len(req.Documents))
	var mu sync.Mutex
	drop := func(items []BulkIndexerResponseItem) {
		if req.OnDrop == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, item := range items {
			req.OnDrop(DroppedDocument{
				Position: item.Position,
				Document: req.Documents[item.Position],
				Action:   actions[item.Position],
				Status:   item.Status,
				Cause:    item.Error,
			})
		}
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	var active *BulkIndexer
	send := func() {
		indexer := active
		active = nil
		g.Go(func() error {
			defer w.pool.Put(indexer)
			return w.flush(ctx, indexer, req.Retries, drop)
		})
	}
	for i, doc := range req.Documents {
		actions[i] = req.OnDocument(i)
		if active == nil {
			active = w.pool.Get()
			active.setMaxDocumentRetries(req.Retries)
		}
		if err := active.Add(BulkIndexerItem{Position: i, Action: actions[i], Body: doc}); err != nil {
			drop([]BulkIndexerResponseItem{{
				Index:    actions[i].Index,
				Status:   http.StatusBadRequest,
				Position: i,
				Error:    ErrorCause{Type: "invalid_document", Reason: err.Error()},
			}})
			continue
		}
		if active.Len() >= w.config.FlushBytes {
			send()
		}
	}
	if active != nil {
		if active.Items() > 0 {
			send()
		} else {
			w.pool.Put(active)
		}
	}
	return g.Wait()
}

// flush sends the indexer's documents until none are left to retry.
// Requests failing with a retryable error are sent again up to retries
// times.
func (w *ElasticsearchWriter) flush(
	ctx context.Context,
	indexer *BulkIndexer,
	retries int,
	drop func([]BulkIndexerResponseItem),
) error {
	var requestRetries int
	for indexer.Items() > 0 {
		resp, err := w.flushRequest(ctx, indexer)
		if err != nil {
			var errFailed ErrorFlushFailed
			if requestRetries < retries && errors.As(err, &errFailed) && errFailed.retryable() {
				requestRetries++
				if err := w.wait(ctx, requestRetries); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if len(resp.FailedDocs) > 0 {
			drop(resp.FailedDocs)
		}
		if resp.RetriedDocs > 0 {
			if err := w.wait(ctx, resp.GreatestRetry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *ElasticsearchWriter) wait(ctx context.Context, attempt int) error {
	d := w.config.RetryBackoff(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// flushRequest sends a single bulk request, recording metrics, traces and
// logs for its outcome.
func (w *ElasticsearchWriter) flushRequest(ctx context.Context, indexer *BulkIndexer) (BulkIndexerResponseStat, error) {
	n := indexer.Items()
	attrs := metric.WithAttributeSet(w.config.MetricAttributes)
	defer w.metrics.bulkRequests.Add(context.Background(), 1, attrs)

	logger := w.config.Logger
	links := linkedTraceContextsFrom(ctx)
	var tx *apm.Transaction
	var span trace.Span
	if w.config.Tracer != nil && w.config.Tracer.Recording() {
		var opts apm.TransactionOptions
		for _, link := range links {
			opts.Links = append(opts.Links, link.APMLink())
		}
		tx = w.config.Tracer.StartTransactionOptions("docindexer.flush", "output", opts)
		tx.Context.SetLabel("documents", n)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	} else if w.tracer != nil {
		otelLinks := make([]trace.Link, 0, len(links))
		for _, link := range links {
			otelLinks = append(otelLinks, link.OTELLink())
		}
		ctx, span = w.tracer.Start(ctx, "docindexer.flush",
			trace.WithAttributes(attribute.Int("documents", n)),
			trace.WithLinks(otelLinks...),
		)
		defer span.End()

		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	var resp BulkIndexerResponseStat
	var err error
	took := timeFunc(func() {
		resp, err = indexer.Flush(ctx)
	})
	w.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)

	if flushed := indexer.BytesFlushed(); flushed > 0 {
		w.metrics.bytesTotal.Add(context.Background(), int64(flushed), attrs)
	}
	if flushed := indexer.BytesUncompressedFlushed(); flushed > 0 {
		w.metrics.bytesUncompressedTotal.Add(context.Background(), int64(flushed), attrs)
	}
	if err != nil {
		logger.Error("bulk indexing request failed", zap.Error(err))
		if tx != nil {
			tx.Outcome = "failure"
		}
		if span != nil && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "bulk indexing request failed")
		}
		w.recordRequestFailure(err, n)
		return resp, err
	}

	var tooManyRequests, clientFailed, serverFailed int64
	var failedCount map[BulkIndexerResponseItem]int
	if len(resp.FailedDocs) > 0 {
		failedCount = make(map[BulkIndexerResponseItem]int, len(resp.FailedDocs))
	}
	for _, info := range resp.FailedDocs {
		switch {
		case info.Status == http.StatusTooManyRequests:
			tooManyRequests++
		case info.Status >= 500:
			serverFailed++
		default:
			clientFailed++
		}
		// Match Elasticsearch field mapper field value:
		// failed to parse field [%s] of type [%s] in %s. Preview of field's value: '%s'
		// The preview may hold sensitive values, and is not logged.
		info.Error.Reason, _, _ = strings.Cut(info.Error.Reason, ". Preview")
		info.Position = 0 // reset position so that the response item can be used as key in the map
		info.Status = 0
		failedCount[info]++
	}
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			key.Index, key.Error.Type, key.Error.Reason,
		), zap.Int("documents", count))
	}
	if resp.RetriedDocs > 0 {
		w.metrics.docsRetried.Add(
			context.Background(),
			resp.RetriedDocs,
			attrs,
			metric.WithAttributes(attribute.Int("greatest_retry", resp.GreatestRetry)),
		)
	}
	w.recordDocs(resp.Indexed, "Success")
	w.recordDocs(tooManyRequests, "TooMany")
	w.recordDocs(clientFailed, "FailedClient")
	w.recordDocs(serverFailed, "FailedServer")
	logger.Debug(
		"bulk request completed",
		zap.Int64("docs_indexed", resp.Indexed),
		zap.Int("docs_failed", len(resp.FailedDocs)),
		zap.Int64("docs_retried", resp.RetriedDocs),
		zap.Int64("docs_rate_limited", tooManyRequests),
	)
	if tx != nil {
		tx.Outcome = "success"
	}
	if span != nil && span.IsRecording() {
		if len(resp.FailedDocs) > 0 {
			span.SetStatus(codes.Error, "documents failed to be indexed")
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
	return resp, nil
}

func (w *ElasticsearchWriter) recordDocs(n int64, status string, attrs ...attribute.KeyValue) {
	if n <= 0 {
		return
	}
	w.metrics.docsIndexed.Add(
		context.Background(),
		n,
		metric.WithAttributeSet(w.config.MetricAttributes),
		metric.WithAttributes(append(attrs, attribute.String("status", status))...),
	)
}

func (w *ElasticsearchWriter) recordRequestFailure(err error, n int) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		w.recordDocs(int64(n), "Timeout")
		return
	}
	// Bulk indexing may fail with different status codes.
	var errFailed ErrorFlushFailed
	if !errors.As(err, &errFailed) {
		return
	}
	var status string
	switch {
	case errFailed.tooMany:
		status = "TooMany"
	case errFailed.clientError:
		status = "FailedClient"
	case errFailed.serverError:
		status = "FailedServer"
	}
	if status != "" {
		w.recordDocs(int64(n), status, semconv.HTTPResponseStatusCode(errFailed.statusCode))
	}
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}

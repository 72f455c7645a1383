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
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultBatchSize   = 5000
	defaultConcurrency = 4
	defaultMaxRetries  = 5
	defaultFlushBytes  = 5 * 1024 * 1024

	// ProductOriginHeader identifies the client issuing bulk requests.
	ProductOriginHeader = "X-Elastic-Product-Origin"
)

// Config holds configuration for Indexer.
type Config struct {
	// Logger holds an optional Logger to use for logging indexing requests.
	//
	// All Elasticsearch errors will be logged at error level, so in cases
	// where the indexer is used for high throughput indexing, is recommended
	// that a rate-limited logger is used.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests
	// to Elasticsearch. Each bulk request is traced as a transaction.
	//
	// If Tracer is nil, requests will not be traced by APM.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. It is only used
	// when Tracer is nil, in which case each bulk request is traced as a span.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record indexer metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// UseCreate selects the "create" bulk operation for records targeting
	// a plain index. Records targeting a data stream always use "create".
	UseCreate bool

	// BatchSize holds the maximum number of records that may be outstanding
	// (queued or in flight) at once, and the maximum number of accumulated
	// single writes dispatched together.
	//
	// If BatchSize is less than or equal to zero, the default of 5000 will be used.
	BatchSize int

	// Concurrency holds the maximum number of bulk requests a single batch
	// may have in flight against Elasticsearch.
	//
	// If Concurrency is less than or equal to zero, the default of 4 will be used.
	Concurrency int

	// MaxRetries holds the maximum number of times a bulk request, or a
	// document with a status listed in RetryOnDocumentStatus, is retried.
	//
	// If MaxRetries is zero, the default of 5 will be used. A negative value
	// disables retries.
	MaxRetries int

	// RetryOnDocumentStatus holds the document level statuses that will
	// trigger a document retry.
	//
	// If RetryOnDocumentStatus is empty, only 429 is retried.
	RetryOnDocumentStatus []int

	// RetryBackoff returns the time to wait before the given retry attempt,
	// starting at 1.
	//
	// If RetryBackoff is nil, an incremental backoff of 100ms per attempt is used.
	RetryBackoff func(attempt int) time.Duration

	// FlushBytes holds the uncompressed size threshold in bytes at which a
	// batch is split into another bulk request.
	//
	// If FlushBytes is zero, the default of 5MB will be used.
	FlushBytes int

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// Headers holds HTTP headers attached to every bulk request.
	//
	// If Headers does not set ProductOriginHeader, it is set to "kibana".
	Headers http.Header
}

// DefaultConfig returns a copy of cfg with every unset field replaced by its
// default value.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = defaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if len(cfg.RetryOnDocumentStatus) == 0 {
		cfg.RetryOnDocumentStatus = []int{http.StatusTooManyRequests}
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = func(attempt int) time.Duration {
			return time.Duration(attempt) * 100 * time.Millisecond
		}
	}
	if cfg.FlushBytes <= 0 {
		cfg.FlushBytes = defaultFlushBytes
	}
	headers := make(http.Header, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	if headers.Get(ProductOriginHeader) == "" {
		headers.Set(ProductOriginHeader, "kibana")
	}
	cfg.Headers = headers
	return cfg
}

// Validate checks the configuration for invalid values.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		errs = append(errs, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		))
	}
	if cfg.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("expected BatchSize >= 0, got %d", cfg.BatchSize))
	}
	if cfg.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("expected Concurrency >= 0, got %d", cfg.Concurrency))
	}
	return errors.Join(errs...)
}

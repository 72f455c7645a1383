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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	batchDuration          metric.Float64Histogram
	flushDuration          metric.Float64Histogram
	bulkRequests           metric.Int64Counter
	docsAdded              metric.Int64Counter
	docsPending            metric.Int64UpDownCounter
	blockedAdd             metric.Int64Counter
	docsIndexed            metric.Int64Counter
	docsRetried            metric.Int64Counter
	docsCompleted          metric.Int64Counter
	batchesFailed          metric.Int64Counter
	bytesTotal             metric.Int64Counter
	bytesUncompressedTotal metric.Int64Counter
}

type histogramMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Float64Histogram
}

type counterMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Int64Counter
}

func newMetrics(cfg Config) (*metrics, error) {
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	meter := cfg.MeterProvider.Meter("github.com/elastic/go-docindexer")
	ms := metrics{}
	histograms := []histogramMetric{
		{
			name:        "docindexer.batch.latency",
			description: "The amount of time a batch took to be dispatched, including retries, in seconds.",
			unit:        "s",
			p:           &ms.batchDuration,
		},
		{
			name:        "elasticsearch.flushed.latency",
			description: "The amount of time a _bulk request took, in seconds.",
			unit:        "s",
			p:           &ms.flushDuration,
		},
	}
	for _, m := range histograms {
		if err := newFloat64Histogram(meter, m); err != nil {
			return nil, err
		}
	}

	counters := []counterMetric{
		{
			name:        "elasticsearch.bulk_requests.count",
			description: "The number of bulk requests completed.",
			p:           &ms.bulkRequests,
		},
		{
			name:        "elasticsearch.events.count",
			description: "Number of documents received for indexing.",
			p:           &ms.docsAdded,
		},
		{
			name:        "docindexer.add.blocked",
			description: "Number of times adding documents blocked because the backlog was full.",
			p:           &ms.blockedAdd,
		},
		{
			name:        "elasticsearch.events.processed",
			description: "Number of documents flushed to Elasticsearch. The status dimension reports success or failures.",
			p:           &ms.docsIndexed,
		},
		{
			name:        "elasticsearch.events.retried",
			description: "Number of documents scheduled to be retried.",
			p:           &ms.docsRetried,
		},
		{
			name:        "docindexer.documents.completed",
			description: "Number of documents credited as completed after their batch succeeded.",
			p:           &ms.docsCompleted,
		},
		{
			name:        "docindexer.batches.failed",
			description: "Number of batches that failed.",
			p:           &ms.batchesFailed,
		},
		{
			name:        "elasticsearch.flushed.bytes",
			description: "The total number of bytes written to the request body",
			unit:        "by",
			p:           &ms.bytesTotal,
		},
		{
			name:        "elasticsearch.flushed.uncompressed.bytes",
			description: "The total number of uncompressed bytes written to the request body",
			unit:        "by",
			p:           &ms.bytesUncompressedTotal,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return nil, err
		}
	}

	pending, err := meter.Int64UpDownCounter(
		"docindexer.documents.pending",
		metric.WithUnit("1"),
		metric.WithDescription("The number of documents added and not yet acknowledged."),
	)
	if err != nil {
		return nil, fmt.Errorf("failed creating docindexer.documents.pending metric: %w", err)
	}
	ms.docsPending = pending
	return &ms, nil
}

func newInt64Counter(meter metric.Meter, c counterMetric) error {
	unit := c.unit
	if unit == "" {
		unit = "1"
	}
	m, err := meter.Int64Counter(
		c.name,
		metric.WithUnit(unit),
		metric.WithDescription(c.description),
	)

	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", c.name, err,
		)
	}
	*c.p = m
	return nil
}

func newFloat64Histogram(meter metric.Meter, h histogramMetric) error {
	m, err := meter.Float64Histogram(
		h.name,
		metric.WithUnit(h.unit),
		metric.WithDescription(h.description),
	)

	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", h.name, err,
		)
	}
	*h.p = m
	return nil
}

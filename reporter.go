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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// reporter credits the outcome of a batch. It is only called from the
// indexer's run loop, one batch at a time.
type reporter struct {
	stats    StatsRecorder
	progress ProgressRecorder
	metrics  *metrics
	attrs    attribute.Set
	logger   *zap.Logger
}

// report credits a successful batch, whose documents were indexed into
// targets, or returns err unchanged. A failed batch is never credited, even
// if some of its documents were indexed.
func (r *reporter) report(ctx context.Context, n int, targets []string, err error) error {
	attrs := metric.WithAttributeSet(r.attrs)
	if err != nil {
		r.metrics.batchesFailed.Add(ctx, 1, attrs)
		var batchErr *BatchError
		if errors.As(err, &batchErr) {
			r.logger.Error("batch failed, documents were rejected",
				zap.Int("documents", n),
				zap.Int("rejected", batchErr.Len()),
			)
		} else {
			r.logger.Error("batch failed", zap.Int("documents", n), zap.Error(err))
		}
		return err
	}
	r.progress.AddToComplete(len(targets))
	for _, target := range targets {
		r.stats.IndexedDoc(target)
	}
	r.metrics.docsCompleted.Add(ctx, int64(len(targets)), attrs)
	r.logger.Debug("batch completed", zap.Int("documents", len(targets)))
	return nil
}

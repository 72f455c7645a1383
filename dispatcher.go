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

	"go.uber.org/zap"
)

// dispatcher sends a batch of records with a single BulkWriter call.
type dispatcher struct {
	writer      BulkWriter
	useCreate   bool
	retries     int
	concurrency int
	logger      *zap.Logger
}

// dispatch writes records and, on success, returns the resolved target of
// each record.
//
// If the writer fails, its error is returned as is. Otherwise, if any
// record was dropped, a *BatchError enumerating every dropped record is
// returned.
func (d *dispatcher) dispatch(ctx context.Context, records []Record) ([]string, error) {
	actions := buildActions(records, d.useCreate)
	documents := make([]json.RawMessage, len(records))
	for i, r := range records {
		documents[i] = r.Source
	}

	// Only appended to by OnDrop, whose calls are serialized by the writer,
	// and read once Bulk has returned.
	var dropped []DroppedDocument
	err := d.writer.Bulk(ctx, BulkRequest{
		Documents: documents,
		OnDocument: func(i int) Action {
			return actions[i]
		},
		OnDrop: func(doc DroppedDocument) {
			dropped = append(dropped, doc)
		},
		Retries:     d.retries,
		Concurrency: d.concurrency,
	})
	if err != nil {
		if len(dropped) > 0 {
			d.logger.Warn("documents dropped by a failed bulk write",
				zap.Int("documents", len(dropped)),
			)
		}
		return nil, err
	}
	if len(dropped) > 0 {
		return nil, newBatchError(dropped)
	}

	targets := make([]string, len(actions))
	for i, action := range actions {
		targets[i] = action.Index
	}
	return targets, nil
}

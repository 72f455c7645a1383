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

// Package docindexer provides a streaming, backpressured API for bulk
// indexing already materialized document records into Elasticsearch.
//
// Records are written one at a time with Indexer.Add, or as a pre-grouped
// chunk with Indexer.AddBatch. Single writes that queue up while a batch is
// in flight are accumulated into the next batch. Each batch is sent using
// the _bulk API, split into sub-requests that run with bounded concurrency.
//
// Documents rejected by Elasticsearch do not prevent their siblings from
// being indexed, but they fail the batch: the batch is reported as a single
// *BatchError enumerating every rejected document, and no progress is
// credited for it. A failed batch fails the Indexer; subsequent writes
// return the same error.
package docindexer

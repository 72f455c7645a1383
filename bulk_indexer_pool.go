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

import "sync/atomic"

// BulkIndexerPool is a pool of BulkIndexer instances. It is designed to be
// used in a concurrent environment where multiple goroutines may need to
// acquire and release indexers.
//
// Get never blocks: the number of concurrent requests is bounded by the
// caller. Up to size idle indexers are kept for reuse, so their buffers are
// not reallocated for every request.
type BulkIndexerPool struct {
	indexers chan *BulkIndexer
	leased   atomic.Int64 // Total number of leased indexers.

	// Read only fields.
	config BulkIndexerConfig
}

// NewBulkIndexerPool returns a new BulkIndexerPool keeping up to size idle
// indexers, creating new indexers with the given BulkIndexerConfig.
func NewBulkIndexerPool(size int, c BulkIndexerConfig) *BulkIndexerPool {
	return &BulkIndexerPool{
		indexers: make(chan *BulkIndexer, max(size, 1)),
		config:   c,
	}
}

// Get returns an empty BulkIndexer, reusing an idle one if any.
func (p *BulkIndexerPool) Get() *BulkIndexer {
	p.leased.Add(1)
	select {
	case idx := <-p.indexers:
		return idx
	default:
		return newBulkIndexer(p.config)
	}
}

// Put resets the BulkIndexer and returns it to the pool. If the pool is
// full, the indexer is discarded.
// After calling Put() no references to the indexer should be stored, since
// doing so may lead to undefined behavior and unintended memory sharing.
func (p *BulkIndexerPool) Put(indexer *BulkIndexer) {
	if indexer == nil {
		return // No indexer to store, nothing to do.
	}
	p.leased.Add(-1)
	indexer.Reset()
	indexer.config.MaxDocumentRetries = p.config.MaxDocumentRetries
	select {
	case p.indexers <- indexer: // Return to the pool for later reuse.
	default:
	}
}

// Leased returns the number of indexers obtained with Get and not yet
// returned with Put.
func (p *BulkIndexerPool) Leased() int64 {
	return p.leased.Load()
}

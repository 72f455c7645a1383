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
	"maps"
	"sync"
	"sync/atomic"
)

// StatsRecorder records per-target indexing statistics.
type StatsRecorder interface {
	// IndexedDoc is called once per document indexed into target, after
	// the document's batch succeeded.
	IndexedDoc(target string)
}

// ProgressRecorder records overall indexing progress.
type ProgressRecorder interface {
	// AddToComplete is called once per successful batch with the number of
	// documents in the batch.
	AddToComplete(n int)
}

// Counters is an in-memory StatsRecorder and ProgressRecorder.
// The zero value is ready to use.
type Counters struct {
	completed atomic.Int64

	mu      sync.RWMutex
	indexed map[string]int64
}

// IndexedDoc implements StatsRecorder.
func (c *Counters) IndexedDoc(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexed == nil {
		c.indexed = make(map[string]int64)
	}
	c.indexed[target]++
}

// AddToComplete implements ProgressRecorder.
func (c *Counters) AddToComplete(n int) {
	c.completed.Add(int64(n))
}

// Completed returns the number of completed documents.
func (c *Counters) Completed() int64 {
	return c.completed.Load()
}

// Indexed returns the number of documents indexed into target.
func (c *Counters) Indexed(target string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indexed[target]
}

// Targets returns a copy of the per-target document counts.
func (c *Counters) Targets() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.indexed == nil {
		return map[string]int64{}
	}
	return maps.Clone(c.indexed)
}

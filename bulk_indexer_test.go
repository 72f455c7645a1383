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

package docindexer_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-docindexer"
	"github.com/elastic/go-docindexer/docindexertest"
)

func TestBulkIndexer(t *testing.T) {
	for _, tc := range []struct {
		Name             string
		CompressionLevel int
	}{
		{Name: "no_compression", CompressionLevel: gzip.NoCompression},
		{Name: "default_compression", CompressionLevel: gzip.DefaultCompression},
		{Name: "most_compression", CompressionLevel: gzip.BestCompression},
		{Name: "speed_compression", CompressionLevel: gzip.BestSpeed},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			var esFailing atomic.Bool
			client := docindexertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, result := docindexertest.DecodeBulkRequest(r)
				if esFailing.Load() {
					for i := range result.Items {
						docindexertest.FailItem(&result, i, http.StatusTooManyRequests, "simulated_es_error", "for testing")
					}
				}
				json.NewEncoder(w).Encode(result)
			})
			indexer, err := docindexer.NewBulkIndexer(docindexer.BulkIndexerConfig{
				Client:                client,
				MaxDocumentRetries:    100_000, // infinite for testing purpose
				RetryOnDocumentStatus: []int{http.StatusTooManyRequests},
				CompressionLevel:      tc.CompressionLevel,
			})
			require.NoError(t, err)

			var position int
			generateLoad := func(count int) {
				for i := 0; i < count; i++ {
					require.NoError(t, indexer.Add(docindexer.BulkIndexerItem{
						Position: position,
						Action:   docindexer.Action{Operation: docindexer.OperationCreate, Index: "testidx"},
						Body:     minimalSource(),
					}))
					position++
				}
			}

			itemCount := 1_000
			generateLoad(itemCount)

			// All items should be successfully flushed
			uncompressed := indexer.Len()
			uncompressedDocSize := uncompressed / itemCount
			stat, err := indexer.Flush(context.Background())
			require.NoError(t, err)
			require.Equal(t, int64(itemCount), stat.Indexed)
			require.Equal(t, uncompressed, indexer.BytesUncompressedFlushed())
			if tc.CompressionLevel == gzip.NoCompression {
				require.Equal(t, uncompressed, indexer.BytesFlushed())
			} else {
				require.Less(t, indexer.BytesFlushed(), uncompressed)
			}

			// nothing is in the buffer if all succeeded
			require.Equal(t, 0, indexer.Items())
			require.Equal(t, 0, indexer.Len())

			// Simulate ES failure, all items should be kept for retries
			esFailing.Store(true)
			generateLoad(itemCount)
			require.Equal(t, itemCount, indexer.Items())

			for i := 0; i < 10; i++ {
				stat, err := indexer.Flush(context.Background())
				require.NoError(t, err)
				require.Equal(t, int64(0), stat.Indexed)
				require.Len(t, stat.FailedDocs, 0)
				require.Equal(t, int64(itemCount), stat.RetriedDocs)
				require.Equal(t, i+1, stat.GreatestRetry)

				// all the flushed bytes are now in the buffer again to be retried
				require.Equal(t, indexer.Len(), indexer.BytesUncompressedFlushed())
				// Generate more load, all these items should be kept for retries
				generateLoad(10)
				itemCount += 10
				require.Equal(t, itemCount, indexer.Items())
				expectedBufferedSize := indexer.BytesUncompressedFlushed() + (10 * uncompressedDocSize)
				require.Equal(t, expectedBufferedSize, indexer.Len())
			}

			uncompressedSize := indexer.Len()
			// Recover ES and ensure all items are indexed
			esFailing.Store(false)
			stat, err = indexer.Flush(context.Background())
			require.NoError(t, err)
			require.Equal(t, int64(itemCount), stat.Indexed)
			require.Equal(t, uncompressedSize, indexer.BytesUncompressedFlushed())
			// no documents to retry so buffer should be empty
			require.Equal(t, 0, indexer.Items())
			require.Equal(t, 0, indexer.Len())
		})
	}
}

func TestBulkIndexerActionMetadata(t *testing.T) {
	var items []docindexertest.BulkItem
	client := docindexertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		decoded, result := docindexertest.DecodeBulkRequest(r)
		items = decoded
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := docindexer.NewBulkIndexer(docindexer.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	require.NoError(t, indexer.Add(docindexer.BulkIndexerItem{
		Action: docindexer.Action{Operation: docindexer.OperationIndex, Index: "logs", DocumentID: "a\"b"},
		Body:   json.RawMessage(`{"n":1}`),
	}))
	require.NoError(t, indexer.Add(docindexer.BulkIndexerItem{
		Position: 1,
		Action:   docindexer.Action{Operation: docindexer.OperationCreate, Index: "logs-app-default"},
		Body:     json.RawMessage(`{"n":2}`),
	}))
	stat, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stat.Indexed)
	assert.Equal(t, []docindexertest.BulkItem{
		{Action: "index", Index: "logs", DocumentID: "a\"b", Source: json.RawMessage(`{"n":1}`)},
		{Action: "create", Index: "logs-app-default", Source: json.RawMessage(`{"n":2}`)},
	}, items)
}

func TestBulkIndexerFailedDocs(t *testing.T) {
	client := docindexertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := docindexertest.DecodeBulkRequest(r)
		docindexertest.FailItem(&result, 1, http.StatusBadRequest, "mapper_parsing_exception", "failed to parse field [n]")
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := docindexer.NewBulkIndexer(docindexer.BulkIndexerConfig{
		Client:             client,
		MaxDocumentRetries: 5,
	})
	require.NoError(t, err)

	for _, position := range []int{10, 20, 30} {
		require.NoError(t, indexer.Add(docindexer.BulkIndexerItem{
			Position: position,
			Action:   docindexer.Action{Operation: docindexer.OperationIndex, Index: "idx-" + strconv.Itoa(position)},
			Body:     minimalSource(),
		}))
	}
	stat, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stat.Indexed)
	assert.Equal(t, int64(0), stat.RetriedDocs)
	assert.Equal(t, []docindexer.BulkIndexerResponseItem{{
		Index:    "idx-20",
		Status:   http.StatusBadRequest,
		Position: 20,
		Error: docindexer.ErrorCause{
			Type:   "mapper_parsing_exception",
			Reason: "failed to parse field [n]",
		},
	}}, stat.FailedDocs)
	assert.Equal(t, 0, indexer.Items())
}

func TestBulkIndexerFlushFailed(t *testing.T) {
	var esFailing atomic.Bool
	esFailing.Store(true)
	client := docindexertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := docindexertest.DecodeBulkRequest(r)
		if esFailing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(result)
	})
	indexer, err := docindexer.NewBulkIndexer(docindexer.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	require.NoError(t, indexer.Add(docindexer.BulkIndexerItem{
		Action: docindexer.Action{Operation: docindexer.OperationCreate, Index: "logs"},
		Body:   minimalSource(),
	}))
	_, err = indexer.Flush(context.Background())
	var errFailed docindexer.ErrorFlushFailed
	require.ErrorAs(t, err, &errFailed)
	assert.Equal(t, http.StatusInternalServerError, errFailed.StatusCode())

	// Items are kept, so the same request can be sent again.
	assert.Equal(t, 1, indexer.Items())
	esFailing.Store(false)
	stat, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.Indexed)
	assert.Equal(t, 0, indexer.Items())
}

func TestBulkIndexerUnexpectedResponse(t *testing.T) {
	client := docindexertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		docindexertest.DecodeBulkRequest(r)
		w.Write([]byte(`[]`))
	})
	indexer, err := docindexer.NewBulkIndexer(docindexer.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	require.NoError(t, indexer.Add(docindexer.BulkIndexerItem{
		Action: docindexer.Action{Operation: docindexer.OperationCreate, Index: "logs"},
		Body:   minimalSource(),
	}))
	_, err = indexer.Flush(context.Background())
	assert.ErrorContains(t, err, "error decoding bulk response")
	var errFailed docindexer.ErrorFlushFailed
	assert.False(t, errors.As(err, &errFailed))
	assert.Equal(t, 0, indexer.Items())
}

func TestBulkIndexerAdd(t *testing.T) {
	client := docindexertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {})
	indexer, err := docindexer.NewBulkIndexer(docindexer.BulkIndexerConfig{Client: client})
	require.NoError(t, err)

	action := docindexer.Action{Operation: docindexer.OperationCreate, Index: "logs"}
	assert.EqualError(t, indexer.Add(docindexer.BulkIndexerItem{Action: action}), "missing document body")
	assert.ErrorContains(t, indexer.Add(docindexer.BulkIndexerItem{
		Action: action,
		Body:   json.RawMessage("{\n\"a\":"),
	}), "failed to compact document body")
	assert.Equal(t, 0, indexer.Items())

	stat, err := indexer.Flush(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, docindexer.BulkIndexerResponseStat{}, stat)
}

func TestBulkIndexerConfigValidate(t *testing.T) {
	_, err := docindexer.NewBulkIndexer(docindexer.BulkIndexerConfig{})
	assert.EqualError(t, err, "client is nil")

	client := docindexertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err = docindexer.NewBulkIndexer(docindexer.BulkIndexerConfig{
		Client:           client,
		CompressionLevel: -2,
	})
	assert.EqualError(t, err, "expected CompressionLevel in range [-1,9], got -2")
}

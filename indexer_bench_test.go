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
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/fastjson"
	"go.uber.org/zap"

	"github.com/elastic/go-docindexer"
	"github.com/elastic/go-docindexer/docindexertest"
)

func BenchmarkIndexer(b *testing.B) {
	for name, level := range map[string]int{
		"NoCompression":      gzip.NoCompression,
		"BestSpeed":          gzip.BestSpeed,
		"DefaultCompression": gzip.DefaultCompression,
		"BestCompression":    gzip.BestCompression,
	} {
		b.Run(name, func(b *testing.B) {
			b.Run("Add", func(b *testing.B) {
				benchmarkIndexer(b, docindexer.Config{CompressionLevel: level}, 1)
			})
			b.Run("AddBatch", func(b *testing.B) {
				benchmarkIndexer(b, docindexer.Config{CompressionLevel: level}, 500)
			})
		})
	}
}

func BenchmarkIndexerError(b *testing.B) {
	client := docindexertest.NewMockElasticsearchClient(b, func(w http.ResponseWriter, r *http.Request) {
		_, result := docindexertest.DecodeBulkRequest(r)
		for i := range result.Items {
			docindexertest.FailItem(&result, i, http.StatusBadRequest, "error_type",
				"error_reason. Preview of field's value: 'abc def ghi'",
			)
		}
		json.NewEncoder(w).Encode(result)
	})
	source := newDocumentSource()
	b.SetBytes(int64(len(source))) // bytes processed each iteration

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		indexer, err := docindexer.New(client, nil, nil, docindexer.Config{
			Logger: zap.NewNop(),
		})
		require.NoError(b, err)
		records := []docindexer.Record{
			{DataStream: "logs-foo-testing", Source: source},
			{DataStream: "logs-foo-testing", Source: source},
		}
		if err := indexer.AddBatch(context.Background(), records); err != nil {
			b.Fatal(err)
		}
		if err := indexer.Close(context.Background()); err == nil {
			b.Fatal("expected error")
		}
	}
}

// benchmarkIndexer adds b.N records, in chunks of chunkSize records if
// chunkSize is greater than 1.
func benchmarkIndexer(b *testing.B, cfg docindexer.Config, chunkSize int) {
	var indexed atomic.Int64
	client := docindexertest.NewMockElasticsearchClient(b, func(w http.ResponseWriter, r *http.Request) {
		body := r.Body
		switch r.Header.Get("Content-Encoding") {
		case "gzip":
			r, err := gzip.NewReader(body)
			if err != nil {
				panic(err)
			}
			defer r.Close()
			body = r
		}

		var n int64
		var jsonw fastjson.Writer
		jsonw.RawString(`{"items":[`)
		first := true
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			// Action is always "create", skip decoding to avoid
			// inflating allocations in benchmark.
			if !scanner.Scan() {
				panic("expected source")
			}
			if first {
				first = false
			} else {
				jsonw.RawByte(',')
			}
			jsonw.RawString(`{"create":{"status":201}}`)
			n++
		}
		require.NoError(b, scanner.Err())
		jsonw.RawString(`]}`)
		w.Write(jsonw.Bytes())
		indexed.Add(n)
	})
	counters := &docindexer.Counters{}
	indexer, err := docindexer.New(client, counters, counters, cfg)
	require.NoError(b, err)
	defer indexer.Close(context.Background())

	source := newDocumentSource()
	b.SetBytes(int64(len(source))) // bytes processed each iteration

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.ResetTimer()
	if chunkSize > 1 {
		chunk := make([]docindexer.Record, 0, chunkSize)
		for i := 0; i < b.N; i++ {
			chunk = append(chunk, docindexer.Record{DataStream: "logs-foo-testing", Source: source})
			if len(chunk) == chunkSize || i == b.N-1 {
				if err := indexer.AddBatch(ctx, chunk); err != nil {
					b.Fatal(err)
				}
				chunk = make([]docindexer.Record, 0, chunkSize)
			}
		}
	} else {
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				record := docindexer.Record{DataStream: "logs-foo-testing", Source: source}
				if err := indexer.Add(ctx, record); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
	// Closing the indexer flushes enqueued records.
	if err := indexer.Close(context.Background()); err != nil {
		b.Fatal(err)
	}
	assert.Equal(b, int64(b.N), indexed.Load())
	assert.Equal(b, int64(b.N), counters.Completed())
}

func newDocumentSource() json.RawMessage {
	return newSource(map[string]any{
		"@timestamp":            time.Now().Format(docindexertest.TimestampFormat),
		"data_stream.type":      "logs",
		"data_stream.dataset":   "foo",
		"data_stream.namespace": "testing",
	})
}

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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"unsafe"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
)

// BulkIndexerConfig holds configuration for BulkIndexer.
type BulkIndexerConfig struct {
	// Client holds the Elasticsearch client.
	Client esapi.Transport

	// MaxDocumentRetries holds the maximum number of document retries
	MaxDocumentRetries int

	// RetryOnDocumentStatus holds the document level statuses that will trigger a document retry.
	RetryOnDocumentStatus []int

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// Header holds HTTP headers added to every bulk request.
	Header http.Header
}

// Validate checks the configuration for invalid values.
func (cfg BulkIndexerConfig) Validate() error {
	if cfg.Client == nil {
		return errors.New("client is nil")
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	return nil
}

// BulkIndexer holds the documents of a single bulk request. Documents are
// kept until Flush, so a request that fails as a whole can be flushed again,
// and documents rejected with a retryable status are kept for the next Flush.
//
// BulkIndexer is not safe for concurrent use.
type BulkIndexer struct {
	config                   BulkIndexerConfig
	items                    []BulkIndexerItem
	retryCounts              map[int]int
	uncompressedLen          int
	bytesFlushed             int
	bytesUncompressedFlushed int
	jsonw                    fastjson.Writer
	writer                   io.Writer
	gzipw                    *gzip.Writer
	buf                      bytes.Buffer
}

// BulkIndexerItem is a single document of a bulk request.
type BulkIndexerItem struct {
	// Position identifies the document to the caller. It is reported back
	// in BulkIndexerResponseItem.Position.
	Position int

	Action Action
	Body   json.RawMessage
}

type BulkIndexerResponseStat struct {
	Indexed       int64
	RetriedDocs   int64
	GreatestRetry int
	FailedDocs    []BulkIndexerResponseItem
}

// BulkIndexerResponseItem represents the Elasticsearch response item.
type BulkIndexerResponseItem struct {
	Index  string `json:"_index"`
	Status int    `json:"status"`

	// Position holds the position of the item within the request while
	// decoding, and BulkIndexerItem.Position once returned by Flush.
	Position int

	Error ErrorCause `json:"error,omitempty"`
}

// ErrorCause holds the error reported by Elasticsearch for a document.
type ErrorCause struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("docindexer.BulkIndexerResponseStat", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		stat := (*BulkIndexerResponseStat)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			switch s {
			case "items":
				var idx int
				iter.ReadArrayCB(func(i *jsoniter.Iterator) bool {
					return i.ReadMapCB(func(i *jsoniter.Iterator, s string) bool {
						var item BulkIndexerResponseItem
						i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
							switch s {
							case "_index":
								item.Index = i.ReadString()
							case "status":
								item.Status = i.ReadInt()
							case "error":
								i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
									switch s {
									case "type":
										item.Error.Type = i.ReadString()
									case "reason":
										item.Error.Reason = i.ReadString()
									default:
										i.Skip()
									}
									return true
								})
							default:
								i.Skip()
							}
							return true
						})
						item.Position = idx
						idx++
						if item.Error.Type != "" || item.Status > 201 {
							stat.FailedDocs = append(stat.FailedDocs, item)
						} else {
							stat.Indexed++
						}
						return true
					})
				})
				// no need to proceed further, return early
				return false
			default:
				i.Skip()
				return true
			}
		})
	})
}

// NewBulkIndexer returns a bulk indexer that issues bulk requests to Elasticsearch.
// It is only tested with v8 go-elasticsearch client. Use other clients at your own risk.
func NewBulkIndexer(cfg BulkIndexerConfig) (*BulkIndexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newBulkIndexer(cfg), nil
}

func newBulkIndexer(cfg BulkIndexerConfig) *BulkIndexer {
	b := &BulkIndexer{
		config:      cfg,
		retryCounts: make(map[int]int),
	}

	// use a len check instead of a nil check because document level retries
	// should be disabled using MaxDocumentRetries instead.
	if len(b.config.RetryOnDocumentStatus) == 0 {
		b.config.RetryOnDocumentStatus = []int{http.StatusTooManyRequests}
	}

	if cfg.CompressionLevel != gzip.NoCompression {
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, cfg.CompressionLevel)
		b.writer = b.gzipw
	} else {
		b.writer = &b.buf
	}
	return b
}

// Reset discards any buffered items and statistics, ready for a new request.
func (b *BulkIndexer) Reset() {
	b.items = b.items[:0]
	clear(b.retryCounts)
	b.uncompressedLen = 0
	b.bytesFlushed = 0
	b.bytesUncompressedFlushed = 0
	b.resetBuf()
}

func (b *BulkIndexer) resetBuf() {
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}

// Items returns the number of buffered items.
func (b *BulkIndexer) Items() int {
	return len(b.items)
}

// Len returns the number of buffered bytes, before compression.
func (b *BulkIndexer) Len() int {
	return b.uncompressedLen
}

// BytesFlushed returns the number of bytes sent by the last Flush.
func (b *BulkIndexer) BytesFlushed() int {
	return b.bytesFlushed
}

// BytesUncompressedFlushed returns the number of bytes sent by the last
// Flush, before compression.
func (b *BulkIndexer) BytesUncompressedFlushed() int {
	return b.bytesUncompressedFlushed
}

func (b *BulkIndexer) setMaxDocumentRetries(n int) {
	b.config.MaxDocumentRetries = n
}

// Add buffers an item. Bodies spanning multiple lines are compacted, since
// the bulk API is newline delimited.
func (b *BulkIndexer) Add(item BulkIndexerItem) error {
	if len(item.Body) == 0 {
		return errMissingBody
	}
	if bytes.ContainsAny(item.Body, "\r\n") {
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, item.Body); err != nil {
			return fmt.Errorf("failed to compact document body: %w", err)
		}
		item.Body = compacted.Bytes()
	}
	b.items = append(b.items, item)
	b.uncompressedLen += b.itemLen(item)
	return nil
}

func (b *BulkIndexer) itemLen(item BulkIndexerItem) int {
	b.writeMeta(item.Action)
	n := len(b.jsonw.Bytes())
	b.jsonw.Reset()
	return n + len(item.Body) + 1
}

func (b *BulkIndexer) writeMeta(action Action) {
	b.jsonw.RawByte('{')
	b.jsonw.String(string(action.Operation))
	b.jsonw.RawString(`:{`)
	if action.DocumentID != "" {
		b.jsonw.RawString(`"_id":`)
		b.jsonw.String(action.DocumentID)
	}
	if action.Index != "" {
		if action.DocumentID != "" {
			b.jsonw.RawByte(',')
		}
		b.jsonw.RawString(`"_index":`)
		b.jsonw.String(action.Index)
	}
	b.jsonw.RawString("}}\n")
}

func (b *BulkIndexer) encode() error {
	b.resetBuf()
	for _, item := range b.items {
		b.writeMeta(item.Action)
		_, err := b.writer.Write(b.jsonw.Bytes())
		b.jsonw.Reset()
		if err != nil {
			return fmt.Errorf("failed to write bulk action: %w", err)
		}
		if _, err := b.writer.Write(item.Body); err != nil {
			return fmt.Errorf("failed to write bulk indexer item: %w", err)
		}
		if _, err := b.writer.Write([]byte("\n")); err != nil {
			return fmt.Errorf("failed to write newline: %w", err)
		}
	}
	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}
	return nil
}

// Flush executes a bulk request with the buffered items.
//
// If the request fails as a whole, an ErrorFlushFailed is returned and the
// items remain buffered. Otherwise, items rejected with a status listed in
// RetryOnDocumentStatus remain buffered until they exceed MaxDocumentRetries,
// and every other rejected item is returned in FailedDocs.
func (b *BulkIndexer) Flush(ctx context.Context) (BulkIndexerResponseStat, error) {
	if len(b.items) == 0 {
		return BulkIndexerResponseStat{}, nil
	}
	if err := b.encode(); err != nil {
		return BulkIndexerResponseStat{}, err
	}

	req := esapi.BulkRequest{
		Body:       &b.buf,
		Header:     make(http.Header, len(b.config.Header)+1),
		FilterPath: []string{"items.*._index", "items.*.status", "items.*.error.type", "items.*.error.reason"},
		Pipeline:   b.config.Pipeline,
	}
	for k, v := range b.config.Header {
		req.Header[k] = v
	}
	if b.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	bytesFlushed := b.buf.Len()
	res, err := req.Do(ctx, b.config.Client)
	if err != nil {
		return BulkIndexerResponseStat{}, ErrorFlushFailed{
			err: fmt.Errorf("failed to execute the request: %w", err),
		}
	}
	defer res.Body.Close()

	// Record the number of flushed bytes only when err == nil. The body may
	// not have been sent otherwise.
	b.bytesFlushed = bytesFlushed
	b.bytesUncompressedFlushed = b.uncompressedLen
	var resp BulkIndexerResponseStat
	if res.IsError() {
		return resp, newErrorFlushFailed(res)
	}

	if err := jsoniter.NewDecoder(res.Body).Decode(&resp); err != nil {
		// The outcome of each item is unknown, do not send them again.
		b.Reset()
		return resp, fmt.Errorf("error decoding bulk response: %w", err)
	}

	failed := resp.FailedDocs
	resp.FailedDocs = nil
	retryCounts := make(map[int]int)
	// Retried items are compacted in place: the positions in failed are
	// increasing, so an item is always read before its slot is reused.
	retry := b.items[:0]
	uncompressedLen := 0
	for _, res := range failed {
		if res.Position < 0 || res.Position >= len(b.items) {
			continue
		}
		item := b.items[res.Position]
		res.Position = item.Position
		if b.config.MaxDocumentRetries > 0 && b.shouldRetryOnStatus(res.Status) {
			// check if we are above the maxDocumentRetry setting
			if count := b.retryCounts[item.Position] + 1; count <= b.config.MaxDocumentRetries {
				retryCounts[item.Position] = count
				resp.GreatestRetry = max(resp.GreatestRetry, count)
				resp.RetriedDocs++
				retry = append(retry, item)
				uncompressedLen += b.itemLen(item)
				continue
			}
		}
		resp.FailedDocs = append(resp.FailedDocs, res)
	}
	b.items = retry
	b.retryCounts = retryCounts
	b.uncompressedLen = uncompressedLen
	return resp, nil
}

func (b *BulkIndexer) shouldRetryOnStatus(docStatus int) bool {
	return slices.Contains(b.config.RetryOnDocumentStatus, docStatus)
}

// ErrorFlushFailed is returned when a bulk request fails as a whole, either
// because Elasticsearch responded with an error status or because the
// request could not be executed.
type ErrorFlushFailed struct {
	resp        string
	statusCode  int
	tooMany     bool
	clientError bool
	serverError bool
	err         error
}

func newErrorFlushFailed(res *esapi.Response) ErrorFlushFailed {
	return ErrorFlushFailed{
		resp:        res.String(),
		statusCode:  res.StatusCode,
		tooMany:     res.StatusCode == http.StatusTooManyRequests,
		clientError: res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests,
		serverError: res.StatusCode >= 500,
	}
}

func (e ErrorFlushFailed) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("flush failed: %s", e.resp)
}

func (e ErrorFlushFailed) Unwrap() error {
	return e.err
}

// StatusCode returns the HTTP status of the response, or 0 if no response
// was received.
func (e ErrorFlushFailed) StatusCode() int {
	return e.statusCode
}

// retryable reports whether the same request may succeed if sent again.
func (e ErrorFlushFailed) retryable() bool {
	if e.err != nil {
		return !errors.Is(e.err, context.Canceled) && !errors.Is(e.err, context.DeadlineExceeded)
	}
	return e.tooMany || e.serverError
}

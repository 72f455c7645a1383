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
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-docindexer"
)

func TestDefaultConfig(t *testing.T) {
	cfg := docindexer.DefaultConfig(docindexer.Config{})
	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, 5000, cfg.BatchSize)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 5*1024*1024, cfg.FlushBytes)
	assert.Equal(t, []int{http.StatusTooManyRequests}, cfg.RetryOnDocumentStatus)
	require.NotNil(t, cfg.RetryBackoff)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBackoff(1))
	assert.Equal(t, 300*time.Millisecond, cfg.RetryBackoff(3))
	assert.Equal(t, http.Header{docindexer.ProductOriginHeader: []string{"kibana"}}, cfg.Headers)
}

func TestDefaultConfigOverrides(t *testing.T) {
	headers := http.Header{"x-elastic-product-origin": []string{"archiver"}}
	cfg := docindexer.DefaultConfig(docindexer.Config{
		BatchSize:   10,
		Concurrency: 1,
		MaxRetries:  -1,
		Headers:     headers,
	})
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, http.Header{docindexer.ProductOriginHeader: []string{"archiver"}}, cfg.Headers)

	// The configured headers are copied.
	cfg.Headers.Set("X-Opaque-Id", "restore")
	assert.Len(t, headers, 1)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, docindexer.Config{}.Validate())
	err := docindexer.Config{
		CompressionLevel: 10,
		BatchSize:        -1,
		Concurrency:      -1,
	}.Validate()
	assert.EqualError(t, err, "expected CompressionLevel in range [-1,9], got 10\n"+
		"expected BatchSize >= 0, got -1\n"+
		"expected Concurrency >= 0, got -1",
	)
}

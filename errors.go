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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrClosed is returned from methods of closed Indexers.
	ErrClosed = errors.New("indexer closed")

	errMissingIndex = errors.New("missing index or data stream name")
	errMissingBody  = errors.New("missing document body")
)

// DocumentError is the error of a single document rejected by Elasticsearch.
type DocumentError struct {
	DroppedDocument
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("bulk doc failure [operation=%s]:\n  doc: %s\n  error: %s",
		e.Action.Operation, documentJSON(e.Document), e.errorJSON(),
	)
}

func (e *DocumentError) errorJSON() string {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(struct {
		Status int        `json:"status"`
		Error  ErrorCause `json:"error"`
	}{e.Status, e.Cause})
	if err != nil {
		return fmt.Sprintf("%q", e.Cause.Reason)
	}
	return string(data)
}

// documentJSON returns doc on a single line. Invalid JSON is returned as is.
func documentJSON(doc []byte) []byte {
	if len(doc) == 0 {
		return []byte("null")
	}
	if bytes.ContainsAny(doc, "\r\n") {
		var buf bytes.Buffer
		if err := json.Compact(&buf, doc); err == nil {
			return buf.Bytes()
		}
	}
	return doc
}

// BatchError is returned when one or more documents of a batch were
// rejected by Elasticsearch. It enumerates every rejected document, and
// unwraps to one *DocumentError per document.
type BatchError struct {
	// Dropped holds the rejected documents, ordered by position.
	Dropped []DroppedDocument

	errs *multierror.Error
}

func newBatchError(dropped []DroppedDocument) *BatchError {
	sort.SliceStable(dropped, func(i, j int) bool {
		return dropped[i].Position < dropped[j].Position
	})
	errs := &multierror.Error{ErrorFormat: formatDocumentErrors}
	for _, doc := range dropped {
		errs = multierror.Append(errs, &DocumentError{DroppedDocument: doc})
	}
	return &BatchError{Dropped: dropped, errs: errs}
}

func (e *BatchError) Error() string {
	return e.errs.Error()
}

// Len returns the number of rejected documents.
func (e *BatchError) Len() int {
	return e.errs.Len()
}

func (e *BatchError) Unwrap() []error {
	return e.errs.WrappedErrors()
}

func formatDocumentErrors(errs []error) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d bulk document(s) failed:", len(errs))
	for _, err := range errs {
		sb.WriteString("\n")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

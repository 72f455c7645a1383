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

import "encoding/json"

// Operation is a bulk API action type.
type Operation string

const (
	// OperationCreate indexes a document only if it does not already exist.
	// It is the only operation accepted by data streams.
	OperationCreate Operation = "create"

	// OperationIndex indexes a document, replacing any existing one with
	// the same ID.
	OperationIndex Operation = "index"
)

// Record is a single document to be indexed.
//
// The JSON encoding matches the value of a "doc" record in an Elasticsearch
// archive.
type Record struct {
	// ID holds the optional document ID.
	ID string `json:"id,omitempty"`

	// Index holds the name of a plain index.
	Index string `json:"index,omitempty"`

	// DataStream holds the name of a data stream. It takes precedence
	// over Index.
	DataStream string `json:"data_stream,omitempty"`

	// Source holds the document body.
	Source json.RawMessage `json:"source"`
}

// Target returns the resolved target of r: the data stream name if set,
// otherwise the index name.
func (r Record) Target() string {
	if r.DataStream != "" {
		return r.DataStream
	}
	return r.Index
}

// Operation returns the bulk operation used to index r.
func (r Record) Operation(useCreate bool) Operation {
	if r.DataStream != "" || useCreate {
		return OperationCreate
	}
	return OperationIndex
}

// Action describes the bulk action line for a single document.
type Action struct {
	Operation  Operation
	Index      string
	DocumentID string
}

// buildActions returns one action per record, in the same order. Actions
// are associated with their documents by position, so records with equal
// bodies never share an action.
func buildActions(records []Record, useCreate bool) []Action {
	actions := make([]Action, len(records))
	for i, r := range records {
		actions[i] = Action{
			Operation:  r.Operation(useCreate),
			Index:      r.Target(),
			DocumentID: r.ID,
		}
	}
	return actions
}

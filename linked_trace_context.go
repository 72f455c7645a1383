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

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/trace"
)

// maxLinkedTraceContexts bounds the number of links recorded on a single
// flush transaction or span.
const maxLinkedTraceContexts = 64

// linkedTraceContext identifies the transaction or span that added records
// to a batch, so that the bulk requests sending them can be linked to it.
type linkedTraceContext struct {
	TraceID [16]byte
	SpanID  [8]byte
}

func (c linkedTraceContext) APMLink() apm.SpanLink {
	return apm.SpanLink{Trace: c.TraceID, Span: c.SpanID}
}

func (c linkedTraceContext) OTELLink() trace.Link {
	return trace.Link{SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: c.TraceID,
		SpanID:  c.SpanID,
	})}
}

// linkedTraceContextFrom returns the trace context of the APM span or
// transaction in ctx, falling back to the OTel span in ctx. It returns nil
// if ctx is not traced.
func linkedTraceContextFrom(ctx context.Context) *linkedTraceContext {
	if span := apm.SpanFromContext(ctx); span != nil {
		return newLinkedTraceContextFromAPM(span.TraceContext())
	}
	if tx := apm.TransactionFromContext(ctx); tx != nil {
		return newLinkedTraceContextFromAPM(tx.TraceContext())
	}
	return newLinkedTraceIDFromOTEL(trace.SpanContextFromContext(ctx))
}

func newLinkedTraceContextFromAPM(ctx apm.TraceContext) *linkedTraceContext {
	if err := ctx.Trace.Validate(); err != nil {
		return nil
	}
	return &linkedTraceContext{
		TraceID: ctx.Trace,
		SpanID:  ctx.Span,
	}
}

func newLinkedTraceIDFromOTEL(ctx trace.SpanContext) *linkedTraceContext {
	if !ctx.HasTraceID() || !ctx.HasSpanID() {
		return nil
	}
	return &linkedTraceContext{
		TraceID: ctx.TraceID(),
		SpanID:  ctx.SpanID(),
	}
}

type linkedTraceContextsKey struct{}

// contextWithLinkedTraceContexts returns a copy of ctx holding the distinct
// trace contexts of writes, up to maxLinkedTraceContexts.
func contextWithLinkedTraceContexts(ctx context.Context, writes []write) context.Context {
	var links []linkedTraceContext
	seen := make(map[linkedTraceContext]struct{})
	for _, w := range writes {
		if w.link == nil {
			continue
		}
		if _, ok := seen[*w.link]; ok {
			continue
		}
		seen[*w.link] = struct{}{}
		links = append(links, *w.link)
		if len(links) == maxLinkedTraceContexts {
			break
		}
	}
	if len(links) == 0 {
		return ctx
	}
	return context.WithValue(ctx, linkedTraceContextsKey{}, links)
}

func linkedTraceContextsFrom(ctx context.Context) []linkedTraceContext {
	links, _ := ctx.Value(linkedTraceContextsKey{}).([]linkedTraceContext)
	return links
}

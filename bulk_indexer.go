// Licensed to Rix Technologies under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Rix Technologies licenses this file to you under
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

package xelastic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unsafe"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.elastic.co/fastjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
)

// BulkIndexer buffers documents and issues bulk requests to Elasticsearch
// when the buffered document count reaches the configured threshold, and
// on Flush or Close. The target index of each document is resolved from
// its timestamp, so a single bulk request may address several spans of
// the same rolling index.
//
// BulkIndexer is not safe for concurrent use.
type BulkIndexer struct {
	client     *Client
	key        string
	index      IndexConfig
	threshold  int
	refresh    string
	itemsAdded int
	jsonw      fastjson.Writer
	writer     io.Writer
	gzipw      *gzip.Writer
	buf        bytes.Buffer
	stat       BulkIndexerResponseStat
	restore    bool
	closed     bool
}

// BulkIndexerItem holds one document for bulk indexing.
type BulkIndexerItem struct {
	// DocumentID holds the optional document ID. If empty, Elasticsearch
	// assigns one.
	DocumentID string

	// Action holds the bulk action: "index", "create", "update" or
	// "delete". An empty Action means "index".
	Action string

	// Timestamp holds the value of the index's date field, used to
	// resolve the rolled index the document belongs to. Required for all
	// span types except SpanNone.
	Timestamp time.Time

	// Body holds the document source. It is not read for "delete"
	// actions.
	Body io.WriterTo
}

// BulkIndexerResponseStat aggregates the outcome of one or more bulk
// requests.
type BulkIndexerResponseStat struct {
	// Indexed contains the total number of successfully indexed documents.
	Indexed int64
	// FailedDocs contains the items that Elasticsearch rejected,
	// consistent with bulk semantics: per-item failures are surfaced, not
	// raised.
	FailedDocs []BulkIndexerResponseItem
}

// BulkIndexerResponseItem represents an Elasticsearch response item.
type BulkIndexerResponseItem struct {
	Index  string `json:"_index"`
	Status int    `json:"status"`

	// Position holds the item's position within its bulk request.
	Position int

	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("xelastic.BulkIndexerResponseStat", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
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
										// Match Elasticsearch field mapper field value:
										// failed to parse field [%s] of type [%s] in %s. Preview of field's value: '%s'
										item.Error.Reason, _, _ = strings.Cut(
											i.ReadString(), ". Preview",
										)
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
						stat := (*BulkIndexerResponseStat)(ptr)
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

// BulkOptions holds the optional parameters of one bulk indexing session.
type BulkOptions struct {
	// Size overrides Config.BulkSize for this session.
	Size int

	// Refresh is passed with the final flush on Close: "true", "false" or
	// "wait_for".
	Refresh string

	// RefreshInterval optionally changes the index refresh interval for
	// the duration of the session, e.g. "-1" to suspend refresh during a
	// long ingest. Close restores the interval to "1s".
	RefreshInterval string
}

// BulkIndexer starts a bulk indexing session for the index key.
func (c *Client) BulkIndexer(ctx context.Context, key string, opts BulkOptions) (*BulkIndexer, error) {
	index, err := c.indexConfig(key)
	if err != nil {
		return nil, err
	}
	threshold := opts.Size
	if threshold <= 0 {
		threshold = c.config.BulkSize
	}
	b := &BulkIndexer{
		client:    c,
		key:       key,
		index:     index,
		threshold: threshold,
		refresh:   opts.Refresh,
	}
	if c.config.CompressionLevel != gzip.NoCompression {
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, c.config.CompressionLevel)
		b.writer = b.gzipw
	} else {
		b.writer = &b.buf
	}
	if opts.RefreshInterval != "" {
		if err := c.SetRefreshInterval(ctx, key, opts.RefreshInterval); err != nil {
			return nil, err
		}
		b.restore = true
	}
	return b, nil
}

// Items returns the number of currently buffered items.
func (b *BulkIndexer) Items() int {
	return b.itemsAdded
}

// Len returns the number of buffered bytes.
func (b *BulkIndexer) Len() int {
	return b.buf.Len()
}

// Stats returns the cumulative outcome of all flushes of this session.
func (b *BulkIndexer) Stats() BulkIndexerResponseStat {
	return b.stat
}

// Add encodes the item in the buffer, flushing first if the buffer is
// full. Transport and server errors from such an implicit flush are
// returned here; per-item failures accumulate in Stats.
func (b *BulkIndexer) Add(ctx context.Context, item BulkIndexerItem) error {
	if b.closed {
		return ErrClosed
	}
	action := item.Action
	if action == "" {
		action = "index"
	}
	switch action {
	case "index", "create", "update", "delete":
	default:
		return fmt.Errorf("%s is not a valid bulk action", action)
	}
	if item.Body == nil && action != "delete" {
		return errMissingBody
	}
	if b.index.Span != SpanNone && item.Timestamp.IsZero() {
		return fmt.Errorf("bulk add to %q: %w", b.key, errMissingTimestamp)
	}
	name, err := b.client.IndexName(b.key, item.Timestamp)
	if err != nil {
		return err
	}

	b.writeMeta(action, name, item.DocumentID)
	if action != "delete" {
		if _, err := item.Body.WriteTo(b.writer); err != nil {
			return fmt.Errorf("failed to write bulk indexer item: %w", err)
		}
		if _, err := b.writer.Write([]byte("\n")); err != nil {
			return fmt.Errorf("failed to write newline: %w", err)
		}
	}
	b.itemsAdded++

	attrs := metric.WithAttributeSet(b.client.config.MetricAttributes)
	b.client.metrics.docsAdded.Add(context.Background(), 1, attrs)

	if b.itemsAdded >= b.threshold {
		if _, err := b.flush(ctx, ""); err != nil {
			return err
		}
	}
	return nil
}

func (b *BulkIndexer) writeMeta(action, index, documentID string) {
	b.jsonw.RawByte('{')
	b.jsonw.String(action)
	b.jsonw.RawString(`:{`)
	if documentID != "" {
		b.jsonw.RawString(`"_id":`)
		b.jsonw.String(documentID)
		b.jsonw.RawByte(',')
	}
	b.jsonw.RawString(`"_index":`)
	b.jsonw.String(index)
	b.jsonw.RawString("}}\n")
	b.writer.Write(b.jsonw.Bytes())
	b.jsonw.Reset()
}

// Flush executes a bulk request if there are any items buffered, and
// clears out the buffer.
func (b *BulkIndexer) Flush(ctx context.Context) (BulkIndexerResponseStat, error) {
	if b.closed {
		return BulkIndexerResponseStat{}, ErrClosed
	}
	return b.flush(ctx, "")
}

// Close flushes any buffered items with the session's refresh setting,
// restores the index refresh interval if the session changed it, and
// marks the indexer closed. It returns the cumulative session stats.
func (b *BulkIndexer) Close(ctx context.Context) (BulkIndexerResponseStat, error) {
	if b.closed {
		return b.stat, nil
	}
	b.closed = true
	_, err := b.flush(ctx, b.refresh)
	if b.restore {
		if rerr := b.client.SetRefreshInterval(ctx, b.key, "1s"); err == nil {
			err = rerr
		}
	}
	return b.stat, err
}

func (b *BulkIndexer) resetBuf() {
	b.itemsAdded = 0
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}

func (b *BulkIndexer) flush(ctx context.Context, refresh string) (BulkIndexerResponseStat, error) {
	n := b.itemsAdded
	if n == 0 {
		return BulkIndexerResponseStat{}, nil
	}

	client := b.client
	logger := client.config.Logger
	if client.tracingEnabled() {
		tx := client.config.Tracer.StartTransaction("xelastic.flush", "output")
		tx.Context.SetLabel("documents", n)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}

	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return BulkIndexerResponseStat{}, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}

	req := esapi.BulkRequest{
		Body:       &b.buf,
		Header:     make(http.Header),
		FilterPath: []string{"items.*._index", "items.*.status", "items.*.error.type", "items.*.error.reason"},
		Pipeline:   client.config.Pipeline,
		Refresh:    refresh,
	}
	if b.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	attrs := metric.WithAttributeSet(client.config.MetricAttributes)
	bytesFlushed := b.buf.Len()
	start := time.Now()
	res, err := req.Do(ctx, client.config.Client)
	b.resetBuf()
	client.metrics.bulkRequests.Add(context.Background(), 1, attrs)
	client.metrics.flushDuration.Record(context.Background(),
		time.Since(start).Seconds(), attrs)
	if err != nil {
		logger.Error("bulk indexing request failed", zap.Error(err))
		apm.CaptureError(ctx, err).Send()
		return BulkIndexerResponseStat{}, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	client.metrics.bytesTotal.Add(context.Background(), int64(bytesFlushed), attrs)

	if res.IsError() {
		err := fmt.Errorf("flush failed: %s", res.String())
		logger.Error("bulk indexing request failed", zap.Error(err))
		return BulkIndexerResponseStat{}, err
	}

	var stat BulkIndexerResponseStat
	if err := jsoniter.NewDecoder(res.Body).Decode(&stat); err != nil {
		return stat, fmt.Errorf("error decoding bulk response: %w", err)
	}

	if stat.Indexed > 0 {
		client.metrics.docsIndexed.Add(context.Background(), stat.Indexed, attrs,
			metric.WithAttributes(attribute.String("status", "Success")))
	}
	if len(stat.FailedDocs) > 0 {
		var clientFailed, serverFailed int64
		failedCount := make(map[BulkIndexerResponseItem]int, len(stat.FailedDocs))
		for _, item := range stat.FailedDocs {
			if item.Status >= 500 {
				serverFailed++
			} else {
				clientFailed++
			}
			item.Position = 0 // reset position so that the response item can be used as a map key
			failedCount[item]++
		}
		for item, count := range failedCount {
			logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
				item.Index, item.Error.Type, item.Error.Reason,
			), zap.Int("documents", count))
		}
		if clientFailed > 0 {
			client.metrics.docsIndexed.Add(context.Background(), clientFailed, attrs,
				metric.WithAttributes(attribute.String("status", "FailedClient")))
		}
		if serverFailed > 0 {
			client.metrics.docsIndexed.Add(context.Background(), serverFailed, attrs,
				metric.WithAttributes(attribute.String("status", "FailedServer")))
		}
	}

	b.stat.Indexed += stat.Indexed
	b.stat.FailedDocs = append(b.stat.FailedDocs, stat.FailedDocs...)
	return stat, nil
}

func (c *Client) tracingEnabled() bool {
	return c.config.Tracer != nil && c.config.Tracer.Recording()
}

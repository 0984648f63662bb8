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

package xelastic_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/v2/apmtest"
	"go.elastic.co/apm/v2/model"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/RixTechnologies/xelastic"
	"github.com/RixTechnologies/xelastic/xelastictest"
)

func addEventDoc(t testing.TB, indexer *xelastic.BulkIndexer, i int) {
	ts := fixedTime.AddDate(0, i%2, 0)
	err := indexer.Add(context.Background(), xelastic.BulkIndexerItem{
		DocumentID: fmt.Sprintf("doc-%d", i),
		Timestamp:  ts,
		Body: newJSONReader(map[string]any{
			"created": ts.Format(xelastictest.TimestampFormat),
			"value":   i,
		}),
	})
	require.NoError(t, err)
}

func TestBulkIndexer(t *testing.T) {
	for _, level := range []int{
		gzip.NoCompression, gzip.BestSpeed, gzip.BestCompression,
	} {
		t.Run(fmt.Sprintf("compression_level_%d", level), func(t *testing.T) {
			var requests atomic.Int64
			var mu sync.Mutex
			var gotDocs [][]byte
			var gotActions []xelastictest.BulkAction
			cfg := testConfig(t, func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				docs, actions, result := xelastictest.DecodeBulkRequest(r)
				mu.Lock()
				gotDocs = append(gotDocs, docs...)
				gotActions = append(gotActions, actions...)
				mu.Unlock()
				json.NewEncoder(w).Encode(result)
			})
			cfg.CompressionLevel = level
			client, err := xelastic.New(cfg)
			require.NoError(t, err)

			indexer, err := client.BulkIndexer(context.Background(), "events",
				xelastic.BulkOptions{Size: 10})
			require.NoError(t, err)

			// The tenth document hits the threshold and triggers exactly
			// one flush.
			for i := 0; i < 10; i++ {
				addEventDoc(t, indexer, i)
			}
			assert.Equal(t, int64(1), requests.Load())
			assert.Zero(t, indexer.Items())
			assert.Zero(t, indexer.Len())

			stat, err := indexer.Close(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(1), requests.Load())
			assert.Equal(t, int64(10), stat.Indexed)
			assert.Empty(t, stat.FailedDocs)

			require.Len(t, gotDocs, 10)
			indices := make(map[string]int)
			for _, action := range gotActions {
				assert.Equal(t, "index", action.Action)
				indices[action.Index]++
			}
			assert.Equal(t, map[string]int{
				"app-evt-crm-2021-04": 5,
				"app-evt-crm-2021-05": 5,
			}, indices)
		})
	}
}

func TestBulkIndexerThreshold(t *testing.T) {
	var requests atomic.Int64
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _, result := xelastictest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})

	indexer, err := client.BulkIndexer(context.Background(), "events",
		xelastic.BulkOptions{Size: 5})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		addEventDoc(t, indexer, i)
	}
	assert.Zero(t, requests.Load())
	assert.Equal(t, 4, indexer.Items())
	assert.NotZero(t, indexer.Len())

	addEventDoc(t, indexer, 4)
	assert.Equal(t, int64(1), requests.Load())
	assert.Zero(t, indexer.Items())

	stat, err := indexer.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), requests.Load())
	assert.Equal(t, int64(5), stat.Indexed)
}

func TestBulkIndexerRefresh(t *testing.T) {
	var mu sync.Mutex
	var refreshParams []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		refreshParams = append(refreshParams, r.URL.Query().Get("refresh"))
		mu.Unlock()
		_, _, result := xelastictest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})

	indexer, err := client.BulkIndexer(context.Background(), "events",
		xelastic.BulkOptions{Size: 100, Refresh: "wait_for"})
	require.NoError(t, err)

	// Intermediate flushes do not carry the refresh setting, only the
	// final flush on Close does.
	addEventDoc(t, indexer, 0)
	addEventDoc(t, indexer, 1)
	_, err = indexer.Flush(context.Background())
	require.NoError(t, err)

	addEventDoc(t, indexer, 2)
	_, err = indexer.Close(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"", "wait_for"}, refreshParams)
}

func TestBulkIndexerRefreshInterval(t *testing.T) {
	var mu sync.Mutex
	var settingsBodies []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/_settings"):
			assert.Equal(t, "/app-evt-crm-*/_settings", r.URL.Path)
			body, err := io.ReadAll(r.Body)
			assert.NoError(t, err)
			mu.Lock()
			settingsBodies = append(settingsBodies, string(body))
			mu.Unlock()
			fmt.Fprintln(w, `{"acknowledged":true}`)
		case r.URL.Path == "/_bulk":
			_, _, result := xelastictest.DecodeBulkRequest(r)
			json.NewEncoder(w).Encode(result)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	indexer, err := client.BulkIndexer(context.Background(), "events",
		xelastic.BulkOptions{Size: 100, RefreshInterval: "-1"})
	require.NoError(t, err)
	require.Len(t, settingsBodies, 1)
	assert.JSONEq(t, `{"index":{"refresh_interval":"-1"}}`, settingsBodies[0])

	addEventDoc(t, indexer, 0)
	_, err = indexer.Close(context.Background())
	require.NoError(t, err)

	require.Len(t, settingsBodies, 2)
	assert.JSONEq(t, `{"index":{"refresh_interval":"1s"}}`, settingsBodies[1])
}

func TestBulkIndexerFailedDocs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"items":[
			{"index":{"_index":"app-evt-crm-2021-04","status":201}},
			{"index":{"_index":"app-evt-crm-2021-04","status":400,"error":{
				"type":"mapper_parsing_exception",
				"reason":"failed to parse field [value] of type [long] in document with id 'doc-1'. Preview of field's value: 'not a number'"
			}}}
		]}`)
	})

	indexer, err := client.BulkIndexer(context.Background(), "events",
		xelastic.BulkOptions{Size: 100})
	require.NoError(t, err)
	addEventDoc(t, indexer, 0)
	addEventDoc(t, indexer, 2)

	// Per-item failures are reported in the stats, not as an error.
	stat, err := indexer.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.Indexed)
	require.Len(t, stat.FailedDocs, 1)

	failed := stat.FailedDocs[0]
	assert.Equal(t, "app-evt-crm-2021-04", failed.Index)
	assert.Equal(t, 400, failed.Status)
	assert.Equal(t, 1, failed.Position)
	assert.Equal(t, "mapper_parsing_exception", failed.Error.Type)
	assert.Equal(t,
		"failed to parse field [value] of type [long] in document with id 'doc-1'",
		failed.Error.Reason,
	)
	assert.Equal(t, stat, indexer.Stats())
}

func TestBulkIndexerActions(t *testing.T) {
	var mu sync.Mutex
	var gotDocs [][]byte
	var gotActions []xelastictest.BulkAction
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		docs, actions, result := xelastictest.DecodeBulkRequest(r)
		mu.Lock()
		gotDocs = append(gotDocs, docs...)
		gotActions = append(gotActions, actions...)
		mu.Unlock()
		json.NewEncoder(w).Encode(result)
	})

	indexer, err := client.BulkIndexer(context.Background(), "users",
		xelastic.BulkOptions{Size: 100})
	require.NoError(t, err)

	require.NoError(t, indexer.Add(context.Background(), xelastic.BulkIndexerItem{
		Action:     "create",
		DocumentID: "u1",
		Body:       newJSONReader(map[string]any{"name": "ada"}),
	}))
	require.NoError(t, indexer.Add(context.Background(), xelastic.BulkIndexerItem{
		Action:     "update",
		DocumentID: "u2",
		Body:       newJSONReader(map[string]any{"doc": map[string]any{"name": "grace"}}),
	}))
	require.NoError(t, indexer.Add(context.Background(), xelastic.BulkIndexerItem{
		Action:     "delete",
		DocumentID: "u3",
	}))

	_, err = indexer.Close(context.Background())
	require.NoError(t, err)

	assert.Len(t, gotDocs, 2)
	assert.Equal(t, []xelastictest.BulkAction{
		{Action: "create", Index: "app-usr-crm-all", DocumentID: "u1"},
		{Action: "update", Index: "app-usr-crm-all", DocumentID: "u2"},
		{Action: "delete", Index: "app-usr-crm-all", DocumentID: "u3"},
	}, gotActions)
}

func TestBulkIndexerInvalidItems(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	indexer, err := client.BulkIndexer(context.Background(), "events",
		xelastic.BulkOptions{Size: 100})
	require.NoError(t, err)

	err = indexer.Add(context.Background(), xelastic.BulkIndexerItem{
		Action:    "upsert",
		Timestamp: fixedTime,
		Body:      newJSONReader(map[string]any{}),
	})
	assert.EqualError(t, err, "upsert is not a valid bulk action")

	err = indexer.Add(context.Background(), xelastic.BulkIndexerItem{
		Timestamp: fixedTime,
	})
	assert.ErrorContains(t, err, "missing document body")

	err = indexer.Add(context.Background(), xelastic.BulkIndexerItem{
		Body: newJSONReader(map[string]any{}),
	})
	assert.ErrorContains(t, err, "missing document timestamp")

	// Rejected items leave nothing behind in the buffer.
	assert.Zero(t, indexer.Items())
	assert.Zero(t, indexer.Len())
}

func TestBulkIndexerClosed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _, result := xelastictest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})

	indexer, err := client.BulkIndexer(context.Background(), "events",
		xelastic.BulkOptions{Size: 100})
	require.NoError(t, err)
	addEventDoc(t, indexer, 0)

	stat, err := indexer.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.Indexed)

	err = indexer.Add(context.Background(), xelastic.BulkIndexerItem{
		Timestamp: fixedTime,
		Body:      newJSONReader(map[string]any{}),
	})
	assert.ErrorIs(t, err, xelastic.ErrClosed)

	_, err = indexer.Flush(context.Background())
	assert.ErrorIs(t, err, xelastic.ErrClosed)

	// Closing again is a no-op returning the same stats.
	stat, err = indexer.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.Indexed)
}

func TestBulkIndexerTracing(t *testing.T) {
	client := xelastictest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"items":[
			{"index":{"_index":"app-evt-crm-2021-04","status":201}},
			{"index":{"_index":"app-evt-crm-2021-04","status":400,"error":{
				"type":"mapper_parsing_exception","reason":"failed to parse"
			}}}
		]}`)
	})

	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	tracer := apmtest.NewRecordingTracer()
	defer tracer.Close()

	cfg := testConfig(t, func(w http.ResponseWriter, r *http.Request) {})
	cfg.Client = client
	cfg.Logger = zap.New(core)
	cfg.Tracer = tracer.Tracer
	xc, err := xelastic.New(cfg)
	require.NoError(t, err)

	indexer, err := xc.BulkIndexer(context.Background(), "events",
		xelastic.BulkOptions{Size: 100})
	require.NoError(t, err)
	addEventDoc(t, indexer, 0)
	addEventDoc(t, indexer, 2)
	_, err = indexer.Flush(context.Background())
	require.NoError(t, err)

	tracer.Flush(nil)
	payloads := tracer.Payloads()
	require.Len(t, payloads.Transactions, 1)
	require.Len(t, payloads.Spans, 1)

	assert.Equal(t, "xelastic.flush", payloads.Transactions[0].Name)
	assert.Equal(t, "output", payloads.Transactions[0].Type)
	assert.Equal(t, "success", payloads.Transactions[0].Outcome)
	assert.Equal(t, model.IfaceMapItem{Key: "documents", Value: float64(2)},
		payloads.Transactions[0].Context.Tags[0],
	)
	assert.Equal(t, "Elasticsearch: POST _bulk", payloads.Spans[0].Name)
	assert.Equal(t, "db", payloads.Spans[0].Type)
	assert.Equal(t, "elasticsearch", payloads.Spans[0].Subtype)

	// The per-item failure log carries the trace IDs.
	correlatedLogs := observed.FilterFieldKey("transaction.id").All()
	require.NotEmpty(t, correlatedLogs)
	for _, entry := range correlatedLogs {
		fields := entry.ContextMap()
		assert.Equal(t, fmt.Sprintf("%x", payloads.Transactions[0].ID), fields["transaction.id"])
		assert.Equal(t, fmt.Sprintf("%x", payloads.Transactions[0].TraceID), fields["trace.id"])
	}
}

func TestBulkIndexerMetrics(t *testing.T) {
	rdr := sdkmetric.NewManualReader()
	cfg := testConfig(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"items":[
			{"index":{"_index":"app-evt-crm-2021-04","status":201}},
			{"index":{"_index":"app-evt-crm-2021-04","status":201}},
			{"index":{"_index":"app-evt-crm-2021-04","status":400,"error":{
				"type":"mapper_parsing_exception","reason":"failed to parse"
			}}}
		]}`)
	})
	cfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr))
	cfg.MetricAttributes = attribute.NewSet(attribute.String("cluster", "test"))
	client, err := xelastic.New(cfg)
	require.NoError(t, err)

	indexer, err := client.BulkIndexer(context.Background(), "events",
		xelastic.BulkOptions{Size: 100})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		addEventDoc(t, indexer, i)
	}
	_, err = indexer.Flush(context.Background())
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, rdr.Collect(context.Background(), &rm))

	assert.Equal(t, int64(3), counterValue(t, rm, "elasticsearch.docs.added", ""))
	assert.Equal(t, int64(1), counterValue(t, rm, "elasticsearch.bulk_requests.count", ""))
	assert.Equal(t, int64(2), counterValue(t, rm, "elasticsearch.docs.indexed", "Success"))
	assert.Equal(t, int64(1), counterValue(t, rm, "elasticsearch.docs.indexed", "FailedClient"))
	assert.Positive(t, counterValue(t, rm, "elasticsearch.flushed.bytes", ""))
}

// counterValue sums the data points of the named Int64 counter, filtered
// by the status attribute if status is non-empty.
func counterValue(t testing.TB, rm metricdata.ResourceMetrics, name, status string) int64 {
	t.Helper()
	var total int64
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an Int64 sum", name)
			}
			found = true
			for _, dp := range sum.DataPoints {
				if status != "" {
					v, ok := dp.Attributes.Value("status")
					if !ok || v.AsString() != status {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	if !found {
		t.Fatalf("metric %s not found", name)
	}
	return total
}

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
	"errors"
	"fmt"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// sharedSource replaces Config.Source in the names of indexes marked as
// shared by all sources.
const sharedSource = "shared"

// Config holds configuration for Client.
type Config struct {
	// Client holds the Elasticsearch client transport. All requests are
	// issued through it; retry and timeout semantics are whatever the
	// transport provides.
	Client elastictransport.Interface

	// Prefix is the index name prefix shared by all indexes of the
	// application.
	Prefix string

	// Source identifies the data set this application reads and writes.
	// Indexes marked Shared resolve with the literal source "shared"
	// instead.
	Source string

	// Indexes maps index keys to their definitions.
	Indexes map[string]IndexConfig

	// Logger holds an optional Logger to use for logging requests.
	//
	// All Elasticsearch errors will be logged at error level, so in cases
	// where the client is used for high throughput indexing, it is
	// recommended that a rate-limited logger is used.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk flushes
	// and update-by-query requests to Elasticsearch. Each is traced as a
	// transaction.
	//
	// If Tracer is nil, requests will not be traced.
	Tracer *apm.Tracer

	// CompressionLevel holds the gzip compression level for bulk request
	// bodies, from 0 (gzip.NoCompression) to 9 (gzip.BestCompression).
	// Higher values provide greater compression, at a greater cost of
	// CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// BulkSize holds the number of buffered documents at which a bulk
	// indexer flushes.
	//
	// If BulkSize is zero, the default of 1000 will be used.
	BulkSize int

	// ScrollKeepAlive holds the keep-alive of the server-side scroll
	// context, refreshed on every scroll request.
	//
	// If ScrollKeepAlive is zero, the default of 10 seconds will be used.
	ScrollKeepAlive time.Duration

	// ScrollBatchSize holds the number of hits requested per scroll batch.
	//
	// If ScrollBatchSize is zero, the default of 100 will be used.
	ScrollBatchSize int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the
	// Bulk request.
	Pipeline string

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record client metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is
	// unset, no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set
}

// IndexConfig describes one named index.
type IndexConfig struct {
	// Stub identifies indexes of a particular type within the application.
	Stub string

	// Span holds the granularity at which the index rolls over.
	Span SpanType

	// DateField names the document field the index is split on. It must
	// be set for all span types except SpanNone.
	DateField string

	// Shared marks the index as shared by all sources of the application.
	Shared bool
}

// DefaultConfig returns cfg with default values applied.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BulkSize <= 0 {
		cfg.BulkSize = 1000
	}
	if cfg.ScrollKeepAlive <= 0 {
		cfg.ScrollKeepAlive = 10 * time.Second
	}
	if cfg.ScrollBatchSize <= 0 {
		cfg.ScrollBatchSize = 100
	}
	return cfg
}

// Validate checks that cfg is complete and consistent.
func (cfg Config) Validate() error {
	if cfg.Client == nil {
		return errors.New("client is nil")
	}
	if cfg.Prefix == "" {
		return errors.New("prefix must not be empty")
	}
	if cfg.Source == "" {
		return errors.New("source must not be empty")
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	for key, index := range cfg.Indexes {
		if index.Stub == "" {
			return fmt.Errorf("index %q: stub must not be empty", key)
		}
		if !index.Span.valid() {
			return fmt.Errorf("index %q: invalid span type %q", key, index.Span)
		}
		if index.Span != SpanNone && index.DateField == "" {
			return fmt.Errorf(
				"index %q: date field must be set for span type %q",
				key, index.Span,
			)
		}
	}
	return nil
}

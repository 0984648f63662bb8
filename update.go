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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type updateTemplate struct {
	source string
}

// RegisterUpdate registers a named field-update template. The fields in
// set are upserted from the params supplied on execution; the fields in
// remove are deleted from matching documents. The template materializes
// into a painless script when executed.
func (c *Client) RegisterUpdate(name string, set, remove []string) {
	c.updates[name] = updateTemplate{source: updateScript(set, remove)}
}

func updateScript(set, remove []string) string {
	parts := make([]string, 0, len(set)+len(remove))
	for _, field := range set {
		parts = append(parts, fmt.Sprintf("ctx._source.%s=params['%s']", field, field))
	}
	for _, field := range remove {
		parts = append(parts, fmt.Sprintf("ctx._source.remove('%s')", field))
	}
	return strings.Join(parts, ";")
}

type updateBody struct {
	Script struct {
		Source string         `json:"source"`
		Lang   string         `json:"lang"`
		Params map[string]any `json:"params,omitempty"`
	} `json:"script"`
	Query json.RawMessage `json:"query,omitempty"`
}

func (c *Client) updateBody(name string, params map[string]any, query json.RawMessage) ([]byte, error) {
	tmpl, ok := c.updates[name]
	if !ok {
		return nil, fmt.Errorf("unknown update template %q", name)
	}
	var body updateBody
	body.Script.Source = tmpl.source
	body.Script.Lang = "painless"
	body.Script.Params = params
	body.Query = query
	encoded, err := jsoniter.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("error encoding update body: %w", err)
	}
	return encoded, nil
}

// UpdateOptions holds the optional parameters of UpdateByQuery and
// UpdateByID.
type UpdateOptions struct {
	// Timestamp holds the value of the index's date field, used to
	// resolve the rolled index holding the document. UpdateByID requires
	// it for all span types except SpanNone; UpdateByQuery addresses all
	// spans when it is zero.
	Timestamp time.Time

	// SeqPrimary optionally restricts UpdateByID to the given sequence
	// number and primary term. A mismatch surfaces as ErrVersionConflict.
	SeqPrimary *SeqPrimary

	// Refresh controls index refresh behaviour. For UpdateByID: "true",
	// "false" or "wait_for". UpdateByQuery only distinguishes "true" from
	// unset.
	Refresh string
}

// UpdateByQuery applies the named update template to every document
// matching query, with params bound to the template's script. It returns
// the number of updated documents.
//
// Version conflicts are reported as ErrVersionConflict so callers can
// re-run the update.
func (c *Client) UpdateByQuery(ctx context.Context, key, name string, query json.RawMessage, params map[string]any, opts UpdateOptions) (int64, error) {
	index, err := c.IndexName(key, opts.Timestamp)
	if err != nil {
		return 0, err
	}
	encoded, err := c.updateBody(name, params, query)
	if err != nil {
		return 0, err
	}

	logger := c.config.Logger
	if c.tracingEnabled() {
		tx := c.config.Tracer.StartTransaction("xelastic.update_by_query", "output")
		tx.Context.SetLabel("template", name)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}

	req := esapi.UpdateByQueryRequest{
		Index:             []string{index},
		Body:              bytes.NewReader(encoded),
		IgnoreUnavailable: esapi.BoolPtr(true),
	}
	if opts.Refresh == "true" {
		req.Refresh = esapi.BoolPtr(true)
	}
	res, err := req.Do(ctx, c.config.Client)
	if err != nil {
		apm.CaptureError(ctx, err).Send()
		return 0, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusConflict {
		return 0, fmt.Errorf("update %q on %s: %w", name, index, ErrVersionConflict)
	}
	if res.IsError() {
		return 0, fmt.Errorf("update by query %s failed: %s", index, res.String())
	}

	var result struct {
		Total            int64 `json:"total"`
		Updated          int64 `json:"updated"`
		VersionConflicts int64 `json:"version_conflicts"`
		TimedOut         bool  `json:"timed_out"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("error decoding update by query response: %w", err)
	}
	if result.Updated > 0 {
		attrs := metric.WithAttributeSet(c.config.MetricAttributes)
		c.metrics.docsUpdated.Add(context.Background(), result.Updated, attrs)
	}
	if result.VersionConflicts > 0 {
		return result.Updated, fmt.Errorf("update %q on %s: %d conflicts: %w",
			name, index, result.VersionConflicts, ErrVersionConflict)
	}
	if result.Updated < result.Total || result.TimedOut {
		logger.Error("update by query incomplete",
			zap.String("template", name),
			zap.String("index", index),
			zap.Int64("total", result.Total),
			zap.Int64("updated", result.Updated),
			zap.Bool("timedOut", result.TimedOut))
		return result.Updated, fmt.Errorf("update %q on %s: updated %d of %d documents",
			name, index, result.Updated, result.Total)
	}
	return result.Updated, nil
}

// UpdateResult holds the response of UpdateByID.
type UpdateResult struct {
	Index       string `json:"_index"`
	ID          string `json:"_id"`
	Version     int64  `json:"_version"`
	Result      string `json:"result"`
	SeqNo       int64  `json:"_seq_no"`
	PrimaryTerm int64  `json:"_primary_term"`
}

// UpdateByID applies the named update template to the document with the
// given ID. The timestamp in opts resolves which rolled index holds the
// document, and is required for all span types except SpanNone.
//
// It returns nil and no error when the document does not exist, and
// ErrVersionConflict when opts.SeqPrimary does not match the stored
// document.
func (c *Client) UpdateByID(ctx context.Context, key, name, id string, params map[string]any, opts UpdateOptions) (*UpdateResult, error) {
	index, err := c.indexConfig(key)
	if err != nil {
		return nil, err
	}
	if index.Span != SpanNone && opts.Timestamp.IsZero() {
		return nil, fmt.Errorf("update %s/%s: %w", key, id, errMissingTimestamp)
	}
	indexName, err := c.IndexName(key, opts.Timestamp)
	if err != nil {
		return nil, err
	}
	encoded, err := c.updateBody(name, params, nil)
	if err != nil {
		return nil, err
	}

	req := esapi.UpdateRequest{
		Index:      indexName,
		DocumentID: id,
		Body:       bytes.NewReader(encoded),
		Refresh:    opts.Refresh,
	}
	if sp := opts.SeqPrimary; sp != nil {
		req.IfSeqNo = esapi.IntPtr(int(sp.SeqNo))
		req.IfPrimaryTerm = esapi.IntPtr(int(sp.PrimaryTerm))
	}
	res, err := req.Do(ctx, c.config.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusNotFound:
		return nil, nil
	case http.StatusConflict:
		return nil, fmt.Errorf("update %s/%s: %w", indexName, id, ErrVersionConflict)
	}
	if res.IsError() {
		return nil, fmt.Errorf("update %s/%s failed: %s", indexName, id, res.String())
	}
	var result UpdateResult
	if err := jsoniter.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("error decoding update response: %w", err)
	}
	attrs := metric.WithAttributeSet(c.config.MetricAttributes)
	c.metrics.docsUpdated.Add(context.Background(), 1, attrs)
	return &result, nil
}

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
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/fastjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is returned from methods of closed bulk indexers and
	// scrolls.
	ErrClosed = errors.New("xelastic: closed")

	// ErrVersionConflict is returned when an update or save is rejected
	// by optimistic concurrency control. Callers may re-read the document
	// and retry.
	ErrVersionConflict = errors.New("xelastic: version conflict")

	errMissingTimestamp = errors.New("missing document timestamp for time-spanned index")
	errMissingBody      = errors.New("missing document body")
)

// SeqPrimary carries the if_seq_no / if_primary_term pair used for
// optimistic concurrency control.
type SeqPrimary struct {
	SeqNo       int64
	PrimaryTerm int64
}

// Document holds a document returned by GetDocument.
type Document struct {
	Index       string          `json:"_index"`
	ID          string          `json:"_id"`
	Version     int64           `json:"_version"`
	SeqNo       int64           `json:"_seq_no"`
	PrimaryTerm int64           `json:"_primary_term"`
	Source      json.RawMessage `json:"_source"`
}

// Client routes requests to time-spanned Elasticsearch indexes. It wraps
// an Elasticsearch client transport with index name resolution, bulk
// indexing, scroll retrieval and field-level updates.
//
// Client methods are safe for concurrent use; the BulkIndexer and Scroll
// values it creates are not, and callers must serialize access to them.
type Client struct {
	config  Config
	metrics metrics
	updates map[string]updateTemplate
}

// New returns a new Client for the given configuration.
// It is only tested with v8 go-elasticsearch clients. Use other transports
// at your own risk.
func New(cfg Config) (*Client, error) {
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		config:  cfg,
		metrics: ms,
		updates: make(map[string]updateTemplate),
	}, nil
}

func (c *Client) indexConfig(key string) (IndexConfig, error) {
	index, ok := c.config.Indexes[key]
	if !ok {
		return IndexConfig{}, fmt.Errorf("unknown index key %q", key)
	}
	return index, nil
}

// IndexName resolves the concrete index name for an index key and a
// document timestamp. For rolling indexes the zero time resolves to the
// wildcard name addressing all spans, suitable for search requests.
func (c *Client) IndexName(key string, ts time.Time) (string, error) {
	index, err := c.indexConfig(key)
	if err != nil {
		return "", err
	}
	source := c.config.Source
	if index.Shared {
		source = sharedSource
	}
	return strings.Join(
		[]string{c.config.Prefix, index.Stub, source, index.Span.Suffix(ts)},
		"-",
	), nil
}

// SaveOptions holds the optional parameters of SaveDocument.
type SaveOptions struct {
	// DocumentID holds the optional document ID. If empty, Elasticsearch
	// assigns one.
	DocumentID string

	// Timestamp holds the value of the index's date field, used to
	// resolve the rolled index the document belongs to. Required for all
	// span types except SpanNone.
	Timestamp time.Time

	// SeqPrimary optionally restricts the save to the given sequence
	// number and primary term. A mismatch surfaces as ErrVersionConflict.
	SeqPrimary *SeqPrimary

	// Refresh controls index refresh behaviour: "true", "false" or
	// "wait_for". Empty leaves the index refresh cycle alone.
	Refresh string
}

// SaveDocument indexes a single document and returns its ID.
func (c *Client) SaveDocument(ctx context.Context, key string, body io.Reader, opts SaveOptions) (string, error) {
	index, err := c.indexConfig(key)
	if err != nil {
		return "", err
	}
	if index.Span != SpanNone && opts.Timestamp.IsZero() {
		return "", fmt.Errorf("save %q: %w", key, errMissingTimestamp)
	}
	if body == nil {
		return "", fmt.Errorf("save %q: %w", key, errMissingBody)
	}
	name, err := c.IndexName(key, opts.Timestamp)
	if err != nil {
		return "", err
	}

	req := esapi.IndexRequest{
		Index:      name,
		DocumentID: opts.DocumentID,
		Body:       body,
		Refresh:    opts.Refresh,
	}
	if sp := opts.SeqPrimary; sp != nil {
		req.IfSeqNo = esapi.IntPtr(int(sp.SeqNo))
		req.IfPrimaryTerm = esapi.IntPtr(int(sp.PrimaryTerm))
	}
	res, err := req.Do(ctx, c.config.Client)
	if err != nil {
		return "", fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusConflict {
		return "", fmt.Errorf("save %s/%s: %w", name, opts.DocumentID, ErrVersionConflict)
	}
	if res.IsError() {
		return "", fmt.Errorf("save %s failed: %s", name, res.String())
	}
	var saved struct {
		ID string `json:"_id"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&saved); err != nil {
		return "", fmt.Errorf("error decoding index response: %w", err)
	}
	return saved.ID, nil
}

// GetDocument retrieves a document by ID from the rolled index identified
// by key and ts. It returns nil and no error when the document or its
// index does not exist.
func (c *Client) GetDocument(ctx context.Context, key, id string, ts time.Time) (*Document, error) {
	name, err := c.IndexName(key, ts)
	if err != nil {
		return nil, err
	}
	res, err := esapi.GetRequest{Index: name, DocumentID: id}.Do(ctx, c.config.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("get %s/%s failed: %s", name, id, res.String())
	}
	var doc Document
	if err := jsoniter.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("error decoding get response: %w", err)
	}
	return &doc, nil
}

// Count returns the number of documents matching query across all spans
// of the index. A nil query counts all documents. Missing indexes count
// as zero.
func (c *Client) Count(ctx context.Context, key string, query io.Reader) (int64, error) {
	name, err := c.IndexName(key, time.Time{})
	if err != nil {
		return 0, err
	}
	res, err := esapi.CountRequest{
		Index:             []string{name},
		Body:              query,
		IgnoreUnavailable: esapi.BoolPtr(true),
	}.Do(ctx, c.config.Client)
	if err != nil {
		return 0, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, fmt.Errorf("count %s failed: %s", name, res.String())
	}
	var counted struct {
		Count int64 `json:"count"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&counted); err != nil {
		return 0, fmt.Errorf("error decoding count response: %w", err)
	}
	return counted.Count, nil
}

// SearchResult holds the hits returned by Search and the total number of
// matching documents.
type SearchResult struct {
	Total int64
	Hits  []Hit
}

// Search runs a search request across all spans of the index. Missing
// indexes produce an empty result.
func (c *Client) Search(ctx context.Context, key string, query io.Reader) (*SearchResult, error) {
	name, err := c.IndexName(key, time.Time{})
	if err != nil {
		return nil, err
	}
	res, err := esapi.SearchRequest{
		Index:             []string{name},
		Body:              query,
		TrackTotalHits:    true,
		IgnoreUnavailable: esapi.BoolPtr(true),
	}.Do(ctx, c.config.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return &SearchResult{}, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("search %s failed: %s", name, res.String())
	}
	var page searchResponse
	if err := jsoniter.NewDecoder(res.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("error decoding search response: %w", err)
	}
	return &SearchResult{Total: page.Hits.Total.Value, Hits: page.Hits.Hits}, nil
}

// IndexNames returns the concrete index names existing for the index key,
// one per span, in lexical order. It returns nil when no index exists.
func (c *Client) IndexNames(ctx context.Context, key string) ([]string, error) {
	name, err := c.IndexName(key, time.Time{})
	if err != nil {
		return nil, err
	}
	res, err := esapi.IndicesGetSettingsRequest{Index: []string{name}}.Do(ctx, c.config.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("get settings %s failed: %s", name, res.String())
	}
	var settings map[string]json.RawMessage
	if err := jsoniter.NewDecoder(res.Body).Decode(&settings); err != nil {
		return nil, fmt.Errorf("error decoding settings response: %w", err)
	}
	names := make([]string, 0, len(settings))
	for index := range settings {
		names = append(names, index)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteIndices deletes the given concrete index names. Rolled indexes
// have to be deleted one by one, so one request is issued per name, with
// the requests running concurrently.
func (c *Client) DeleteIndices(ctx context.Context, names []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			res, err := esapi.IndicesDeleteRequest{Index: []string{name}}.Do(ctx, c.config.Client)
			if err != nil {
				return fmt.Errorf("failed to execute the request: %w", err)
			}
			defer res.Body.Close()
			if res.IsError() {
				return fmt.Errorf("delete index %s failed: %s", name, res.String())
			}
			var deleted struct {
				Acknowledged bool `json:"acknowledged"`
			}
			if err := jsoniter.NewDecoder(res.Body).Decode(&deleted); err != nil {
				return fmt.Errorf("error decoding delete response: %w", err)
			}
			if !deleted.Acknowledged {
				return fmt.Errorf("delete index %s not acknowledged", name)
			}
			c.config.Logger.Debug("deleted index", zap.String("index", name))
			return nil
		})
	}
	return g.Wait()
}

// ExistsIndex reports whether a concrete index exists for the index key
// and timestamp. The zero time checks for any span of the index.
func (c *Client) ExistsIndex(ctx context.Context, key string, ts time.Time) (bool, error) {
	name, err := c.IndexName(key, ts)
	if err != nil {
		return false, err
	}
	res, err := esapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, c.config.Client)
	if err != nil {
		return false, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, fmt.Errorf("exists %s returned status %d", name, res.StatusCode)
}

// SetRefreshInterval sets the refresh interval of all spans of the index,
// e.g. "1s" or "-1" to disable refresh during long ingests.
func (c *Client) SetRefreshInterval(ctx context.Context, key, interval string) error {
	name, err := c.IndexName(key, time.Time{})
	if err != nil {
		return err
	}
	var w fastjson.Writer
	w.RawString(`{"index":{"refresh_interval":`)
	w.String(interval)
	w.RawString(`}}`)
	res, err := esapi.IndicesPutSettingsRequest{
		Index: []string{name},
		Body:  bytes.NewReader(w.Bytes()),
	}.Do(ctx, c.config.Client)
	if err != nil {
		return fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("put settings %s failed: %s", name, res.String())
	}
	c.config.Logger.Debug("set refresh interval",
		zap.String("index", name), zap.String("interval", interval))
	return nil
}

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
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/fastjson"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrScrollDone is returned by Scroll.Next once the result set is
// exhausted.
var ErrScrollDone = errors.New("xelastic: scroll exhausted")

// Hit holds one search hit.
type Hit struct {
	Index       string          `json:"_index"`
	ID          string          `json:"_id"`
	SeqNo       int64           `json:"_seq_no"`
	PrimaryTerm int64           `json:"_primary_term"`
	Source      json.RawMessage `json:"_source"`
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []Hit `json:"hits"`
	} `json:"hits"`
}

// Scroll iterates over a search result set one hit at a time, fetching
// batches from the server-side scroll context as needed.
//
// The scroll context is a server-side resource kept alive until
// Config.ScrollKeepAlive elapses; call Close when done to release it
// early.
//
// Scroll is not safe for concurrent use.
type Scroll struct {
	client    *Client
	scrollID  string
	keepAlive time.Duration
	total     int64
	hits      []Hit
	done      bool
	closed    bool
}

// OpenScroll issues the initial search with a scroll parameter across all
// spans of the index and returns a cursor over the result set.
func (c *Client) OpenScroll(ctx context.Context, key string, query io.Reader) (*Scroll, error) {
	name, err := c.IndexName(key, time.Time{})
	if err != nil {
		return nil, err
	}
	res, err := esapi.SearchRequest{
		Index:             []string{name},
		Body:              query,
		Scroll:            c.config.ScrollKeepAlive,
		Size:              esapi.IntPtr(c.config.ScrollBatchSize),
		IgnoreUnavailable: esapi.BoolPtr(true),
	}.Do(ctx, c.config.Client)
	if err != nil {
		return nil, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("scroll search %s failed: %s", name, res.String())
	}
	var page searchResponse
	if err := jsoniter.NewDecoder(res.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("error decoding search response: %w", err)
	}

	attrs := metric.WithAttributeSet(c.config.MetricAttributes)
	c.metrics.scrollBatches.Add(context.Background(), 1, attrs)

	s := &Scroll{
		client:    c,
		scrollID:  page.ScrollID,
		keepAlive: c.config.ScrollKeepAlive,
		total:     page.Hits.Total.Value,
		hits:      page.Hits.Hits,
	}
	if len(s.hits) == 0 {
		s.done = true
	}
	return s, nil
}

// Total returns the total number of hits matching the scroll query.
func (s *Scroll) Total() int64 {
	return s.total
}

// Next returns the next hit, requesting the next batch from the scroll
// context when the local batch is exhausted. Once the server returns an
// empty batch, Next returns ErrScrollDone, and keeps doing so on
// subsequent calls.
func (s *Scroll) Next(ctx context.Context) (Hit, error) {
	if s.closed {
		return Hit{}, ErrClosed
	}
	for len(s.hits) == 0 {
		if s.done {
			return Hit{}, ErrScrollDone
		}
		if err := s.fetch(ctx); err != nil {
			return Hit{}, err
		}
	}
	hit := s.hits[0]
	s.hits = s.hits[1:]
	return hit, nil
}

func (s *Scroll) fetch(ctx context.Context) error {
	res, err := esapi.ScrollRequest{
		ScrollID: s.scrollID,
		Scroll:   s.keepAlive,
	}.Do(ctx, s.client.config.Client)
	if err != nil {
		return fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("scroll failed: %s", res.String())
	}
	var page searchResponse
	if err := jsoniter.NewDecoder(res.Body).Decode(&page); err != nil {
		return fmt.Errorf("error decoding scroll response: %w", err)
	}
	if page.ScrollID != "" {
		s.scrollID = page.ScrollID
	}
	s.hits = page.Hits.Hits
	if len(s.hits) == 0 {
		s.done = true
	}

	attrs := metric.WithAttributeSet(s.client.config.MetricAttributes)
	s.client.metrics.scrollBatches.Add(context.Background(), 1, attrs)
	return nil
}

// Close releases the server-side scroll context. Failing to close a
// scroll leaks the context on the cluster until its keep-alive expires.
func (s *Scroll) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.hits = nil
	if s.scrollID == "" {
		return nil
	}
	// Scroll IDs routinely exceed URL length limits, so the ID goes in
	// the request body rather than the path.
	var w fastjson.Writer
	w.RawString(`{"scroll_id":`)
	w.String(s.scrollID)
	w.RawString(`}`)
	res, err := esapi.ClearScrollRequest{
		Body: bytes.NewReader(w.Bytes()),
	}.Do(ctx, s.client.config.Client)
	if err != nil {
		return fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("clear scroll failed: %s", res.String())
	}
	s.client.config.Logger.Debug("released scroll context",
		zap.String("scrollId", s.scrollID))
	return nil
}
